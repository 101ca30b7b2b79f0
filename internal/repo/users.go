package repo

import (
	"context"
	"database/sql"

	"taskgrid/internal/domain"
)

const userCols = `id,username,role,mapping_level,tasks_mapped,tasks_validated,tasks_invalidated,created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.Role, &u.MappingLevel,
		&u.TasksMapped, &u.TasksValidated, &u.TasksInvalidated, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// InsertUser stores a user. A zero ID lets sqlite assign one; non-zero ids
// come from callers importing external accounts.
func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	var id any
	if u.ID != 0 {
		id = u.ID
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,username,role,mapping_level,tasks_mapped,tasks_validated,tasks_invalidated,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		id, u.Username, string(u.Role), string(u.MappingLevel),
		u.TasksMapped, u.TasksValidated, u.TasksInvalidated, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id int64) (domain.User, error) {
	return scanUser(tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username=?`, username))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUserRole(ctx context.Context, id int64, role domain.UserRole) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET role=? WHERE id=?`, string(role), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetMappingLevelTx(ctx context.Context, tx *sql.Tx, id int64, level domain.MappingLevel) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET mapping_level=? WHERE id=?`, string(level), id)
	return err
}

// AddUserStatsTx bumps per-user lifetime action counters.
func (r Repo) AddUserStatsTx(ctx context.Context, tx *sql.Tx, id int64, mapped, validated, invalidated int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE users SET tasks_mapped=tasks_mapped+?, tasks_validated=tasks_validated+?, tasks_invalidated=tasks_invalidated+? WHERE id=?`,
		mapped, validated, invalidated, id)
	return err
}

func (r Repo) AcceptLicense(ctx context.Context, userID, licenseID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO user_licenses(user_id,license_id) VALUES (?,?)`, userID, licenseID)
	return err
}

func (r Repo) HasAcceptedLicense(ctx context.Context, userID, licenseID int64) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM user_licenses WHERE user_id=? AND license_id=? LIMIT 1`, userID, licenseID)
}
