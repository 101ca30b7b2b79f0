package repo

import (
	"context"
	"database/sql"

	"taskgrid/internal/domain"
)

const taskCols = `id,project_id,x,y,zoom,is_square,COALESCE(geometry,'') AS geometry,status,locked_by,locked_at,mapped_by,validated_by,COALESCE(extra_instructions,'') AS extra_instructions`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var lockedBy, mappedBy, validatedBy sql.NullInt64
	var lockedAt sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.X, &t.Y, &t.Zoom, &t.IsSquare, &t.Geometry,
		&t.Status, &lockedBy, &lockedAt, &mappedBy, &validatedBy, &t.ExtraInstructions)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if lockedBy.Valid {
		t.LockedBy = &lockedBy.Int64
	}
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.String
	}
	if mappedBy.Valid {
		t.MappedBy = &mappedBy.Int64
	}
	if validatedBy.Valid {
		t.ValidatedBy = &validatedBy.Int64
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,x,y,zoom,is_square,geometry,status,locked_by,locked_at,mapped_by,validated_by,extra_instructions)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.X, t.Y, t.Zoom, t.IsSquare, nullable(t.Geometry), string(t.Status),
		nullableInt64Ptr(t.LockedBy), nullableStringPtr(t.LockedAt), nullableInt64Ptr(t.MappedBy),
		nullableInt64Ptr(t.ValidatedBy), nullable(t.ExtraInstructions))
	return err
}

func (r Repo) GetTask(ctx context.Context, projectID, taskID int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE project_id=? AND id=?`, projectID, taskID))
}

// GetTaskTx re-reads the task row inside the caller's write transaction.
// SQLite serializes writers, so this read-check-update sequence is the
// select-for-update equivalent the locking engine relies on.
func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, projectID, taskID int64) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE project_id=? AND id=?`, projectID, taskID))
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, locked_by=?, locked_at=?, mapped_by=?, validated_by=?, zoom=?, is_square=?, geometry=?, extra_instructions=? WHERE project_id=? AND id=?`,
		string(t.Status), nullableInt64Ptr(t.LockedBy), nullableStringPtr(t.LockedAt),
		nullableInt64Ptr(t.MappedBy), nullableInt64Ptr(t.ValidatedBy), t.Zoom, t.IsSquare,
		nullable(t.Geometry), nullable(t.ExtraInstructions), t.ProjectID, t.ID)
	return err
}

type TaskFilters struct {
	ProjectID int64
	Status    domain.TaskStatus
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + joinClauses(clauses) + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTasksByStatusTx returns tasks of one status inside a transaction.
func (r Repo) ListTasksByStatusTx(ctx context.Context, tx *sql.Tx, projectID int64, status domain.TaskStatus) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE project_id=? AND status=? ORDER BY id ASC`, projectID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UserHasTaskLockedTx reports whether the user already holds a lock on any
// task of the project. One active lock set per user per project.
func (r Repo) UserHasTaskLockedTx(ctx context.Context, tx *sql.Tx, userID, projectID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE locked_by=? AND project_id=? LIMIT 1`, userID, projectID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListStaleLocks returns locked tasks whose lock predates the cutoff.
func (r Repo) ListStaleLocks(ctx context.Context, projectID int64, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks
WHERE project_id=? AND status IN (?,?) AND locked_at IS NOT NULL AND locked_at < ? ORDER BY id ASC`,
		projectID, string(domain.StatusLockedForMapping), string(domain.StatusLockedForValidation), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// NextTaskIDTx returns the next free task id within a project.
func (r Repo) NextTaskIDTx(ctx context.Context, tx *sql.Tx, projectID int64) (int64, error) {
	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM tasks WHERE project_id=?`, projectID).Scan(&maxID); err != nil {
		return 0, err
	}
	return maxID.Int64 + 1, nil
}

// HasMappedTasks reports whether any task progressed beyond READY, which
// blocks project deletion.
func (r Repo) HasMappedTasks(ctx context.Context, projectID int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE project_id=? AND status IN (?,?,?) LIMIT 1`,
		projectID, string(domain.StatusMapped), string(domain.StatusValidated), string(domain.StatusLockedForValidation)).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
