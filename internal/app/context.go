package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskgrid/internal/config"
	"taskgrid/internal/db"
	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/migrate"
	"taskgrid/internal/repo"
)

// Open prepares a workspace: database created and migrated, config loaded
// from taskgrid.yml (defaults when absent). The caller owns the returned
// connection.
func Open(workspace string) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return conn, cfg, nil
}

// OpenEngine opens the workspace and wires an engine over it.
func OpenEngine(workspace string) (*sql.DB, engine.Engine, error) {
	conn, cfg, err := Open(workspace)
	if err != nil {
		return nil, engine.Engine{}, err
	}
	return conn, engine.New(conn, cfg), nil
}

// EnsureUser looks up a user by name, creating an account with the given
// role when none exists. Used by the CLI to resolve --user.
func EnsureUser(ctx context.Context, r repo.Repo, username string, role domain.UserRole) (domain.User, error) {
	if username == "" {
		return domain.User{}, fmt.Errorf("username required")
	}
	u, err := r.GetUserByUsername(ctx, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	if role == "" {
		role = domain.RoleMapper
	}
	u = domain.User{
		Username:     username,
		Role:         role,
		MappingLevel: domain.LevelBeginner,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return r.GetUserByUsername(ctx, username)
}
