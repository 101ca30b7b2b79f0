package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskgrid/internal/config"
	"taskgrid/internal/domain"
	"taskgrid/internal/grid"
	"taskgrid/internal/history"
	"taskgrid/internal/messaging"
	"taskgrid/internal/repo"
)

// Engine holds the business rules for projects and tasks. All mutations run
// inside a transaction on DB; reads go through Repo.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	History  history.Writer
	Notifier messaging.Notifier
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	now := time.Now
	return Engine{
		DB:       db,
		Repo:     r,
		History:  history.Writer{DB: db, Now: now},
		Notifier: messaging.Notifier{Repo: r, Now: now},
		Config:   cfg,
		Now:      now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// lockTTL returns the lease duration for a project, falling back to the
// configured default when the project has no override.
func (e Engine) lockTTL(p domain.Project) time.Duration {
	if p.TaskLockSeconds != nil && *p.TaskLockSeconds > 0 {
		return time.Duration(*p.TaskLockSeconds) * time.Second
	}
	return e.Config.LockTTL()
}

// formatDuration renders elapsed lock time as HH:MM:SS for history display.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// ProjectCreateOptions describes a new project and the tile grid to seed it
// with.
type ProjectCreateOptions struct {
	Name               string
	AuthorID           int64
	Zoom               int
	MinX, MinY         int
	MaxX, MaxY         int
	Private            bool
	EnforceMapperLevel bool
	MapperLevel        domain.MappingLevel
	LicenseID          *int64
	TaskLockSeconds    *int64
	DefaultLocale      string
}

// CreateProject inserts a project and its task grid in one transaction.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, fmt.Errorf("project name is required")
	}
	if opts.MaxX < opts.MinX || opts.MaxY < opts.MinY {
		return domain.Project{}, fmt.Errorf("invalid tile range")
	}
	level := opts.MapperLevel
	if level == "" {
		level = domain.LevelBeginner
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	total := (opts.MaxX - opts.MinX + 1) * (opts.MaxY - opts.MinY + 1)
	p := domain.Project{
		Name:               opts.Name,
		AuthorID:           opts.AuthorID,
		Status:             domain.ProjectDraft,
		Private:            opts.Private,
		EnforceMapperLevel: opts.EnforceMapperLevel,
		MapperLevel:        level,
		LicenseID:          opts.LicenseID,
		TaskLockSeconds:    opts.TaskLockSeconds,
		DefaultLocale:      opts.DefaultLocale,
		TotalTasks:         total,
		CreatedAt:          e.now().Format(time.RFC3339),
	}
	id, err := e.Repo.InsertProjectTx(ctx, tx, p)
	if err != nil {
		return domain.Project{}, err
	}
	p.ID = id

	for _, t := range grid.MakeTasks(id, opts.MinX, opts.MinY, opts.MaxX, opts.MaxY, opts.Zoom) {
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return domain.Project{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DeleteProject removes a project unless mapping has begun on it.
func (e Engine) DeleteProject(ctx context.Context, projectID int64) error {
	mapped, err := e.Repo.HasMappedTasks(ctx, projectID)
	if err != nil {
		return err
	}
	if mapped {
		return MappingServiceError{
			SubCode: SubCodeProjectHasMappedTasks,
			Message: "project has mapped tasks and cannot be deleted",
		}
	}
	return e.Repo.DeleteProject(ctx, projectID)
}

// recomputeMappingLevelTx promotes a user when their lifetime changeset
// counts cross the configured thresholds. Levels never go down.
func (e Engine) recomputeMappingLevelTx(ctx context.Context, tx *sql.Tx, userID int64) error {
	u, err := e.Repo.GetUserTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	total := u.TasksMapped + u.TasksValidated
	level := u.MappingLevel
	switch {
	case total >= e.Config.Levels.Advanced:
		level = domain.LevelAdvanced
	case total >= e.Config.Levels.Intermediate:
		if level != domain.LevelAdvanced {
			level = domain.LevelIntermediate
		}
	}
	if level == u.MappingLevel {
		return nil
	}
	return e.Repo.SetMappingLevelTx(ctx, tx, userID, level)
}
