package history

import (
	"context"
	"database/sql"
	"time"

	"taskgrid/internal/domain"
)

// Writer appends task_history rows. Rows are never updated or deleted;
// every state-affecting action on a task goes through here so the log stays
// a complete audit trail.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one pending history row.
type Entry struct {
	ProjectID       int64
	TaskID          int64
	UserID          int64
	Action          domain.TaskAction
	ActionText      string
	DurationSeconds *int64
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one history row inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_history(project_id,task_id,user_id,action,action_text,action_date,duration_seconds) VALUES (?,?,?,?,?,?,?)`,
		e.ProjectID, e.TaskID, e.UserID, string(e.Action), nullable(e.ActionText), ts, nullableInt64Ptr(e.DurationSeconds))
	return err
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
