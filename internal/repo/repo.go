package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskgrid/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,name,status,author_id,private,enforce_mapper_level,mapper_level,license_id,COALESCE(default_locale,'') AS default_locale,task_lock_seconds,total_tasks,tasks_mapped,tasks_validated,tasks_bad_imagery,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var licenseID, lockSeconds sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.AuthorID, &p.Private, &p.EnforceMapperLevel,
		&p.MapperLevel, &licenseID, &p.DefaultLocale, &lockSeconds,
		&p.TotalTasks, &p.TasksMapped, &p.TasksValidated, &p.TasksBadImagery, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if licenseID.Valid {
		p.LicenseID = &licenseID.Int64
	}
	if lockSeconds.Valid {
		p.TaskLockSeconds = &lockSeconds.Int64
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(name,status,author_id,private,enforce_mapper_level,mapper_level,license_id,default_locale,task_lock_seconds,total_tasks,tasks_mapped,tasks_validated,tasks_bad_imagery,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Name, string(p.Status), p.AuthorID, p.Private, p.EnforceMapperLevel, string(p.MapperLevel),
		nullableInt64Ptr(p.LicenseID), nullable(p.DefaultLocale), nullableInt64Ptr(p.TaskLockSeconds),
		p.TotalTasks, p.TasksMapped, p.TasksValidated, p.TasksBadImagery, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, id int64, status domain.ProjectStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectCountersTx persists the denormalized task counters.
func (r Repo) UpdateProjectCountersTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE projects SET total_tasks=?, tasks_mapped=?, tasks_validated=?, tasks_bad_imagery=? WHERE id=?`,
		p.TotalTasks, p.TasksMapped, p.TasksValidated, p.TasksBadImagery, p.ID)
	return err
}

func (r Repo) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddAllowedUser(ctx context.Context, projectID, userID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO project_allowed_users(project_id,user_id) VALUES (?,?)`, projectID, userID)
	return err
}

func (r Repo) IsUserAllowed(ctx context.Context, projectID, userID int64) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM project_allowed_users WHERE project_id=? AND user_id=? LIMIT 1`, projectID, userID)
}

func (r Repo) AddTeamMember(ctx context.Context, projectID, userID int64, role domain.UserRole) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO project_teams(project_id,user_id,role) VALUES (?,?,?)`, projectID, userID, string(role))
	return err
}

func (r Repo) IsTeamMember(ctx context.Context, projectID, userID int64) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM project_teams WHERE project_id=? AND user_id=? LIMIT 1`, projectID, userID)
}

func (r Repo) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func joinClauses(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}
