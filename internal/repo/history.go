package repo

import (
	"context"
	"database/sql"

	"taskgrid/internal/domain"
)

const historyCols = `id,project_id,task_id,user_id,action,COALESCE(action_text,'') AS action_text,action_date,duration_seconds`

func scanHistory(row rowScanner) (domain.TaskHistory, error) {
	var h domain.TaskHistory
	var duration sql.NullInt64
	err := row.Scan(&h.ID, &h.ProjectID, &h.TaskID, &h.UserID, &h.Action, &h.ActionText, &h.ActionDate, &duration)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if duration.Valid {
		h.DurationSeconds = &duration.Int64
	}
	return h, nil
}

// ListTaskHistory returns a task's history, newest first.
func (r Repo) ListTaskHistory(ctx context.Context, projectID, taskID int64) ([]domain.TaskHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyCols+` FROM task_history WHERE project_id=? AND task_id=? ORDER BY id DESC`, projectID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) CountTaskHistory(ctx context.Context, projectID, taskID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM task_history WHERE project_id=? AND task_id=?`, projectID, taskID).Scan(&n)
	return n, err
}

// StatusChangesTx returns the recorded STATE_CHANGE statuses for a task,
// newest first, limited to the given count. The action_text of a
// STATE_CHANGE row is the status the task entered.
func (r Repo) StatusChangesTx(ctx context.Context, tx *sql.Tx, projectID, taskID int64, limit int) ([]domain.TaskStatus, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT COALESCE(action_text,'') FROM task_history WHERE project_id=? AND task_id=? AND action=? ORDER BY id DESC LIMIT ?`,
		projectID, taskID, string(domain.ActionStateChange), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskStatus
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		status, err := domain.ParseTaskStatus(raw)
		if err != nil {
			continue
		}
		res = append(res, status)
	}
	return res, rows.Err()
}

// HistoryAfter returns up to limit history rows with id greater than after,
// oldest first. Feeds the webhook dispatcher cursor.
func (r Repo) HistoryAfter(ctx context.Context, limit int, after int64) ([]domain.TaskHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyCols+` FROM task_history WHERE id>? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LatestHistoryID returns the highest history row id, zero when empty.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM task_history`).Scan(&id)
	return id, err
}

// LastStateChangeTx returns the most recent STATE_CHANGE row for a task,
// ErrNotFound when the task has never transitioned.
func (r Repo) LastStateChangeTx(ctx context.Context, tx *sql.Tx, projectID, taskID int64) (domain.TaskHistory, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+historyCols+` FROM task_history WHERE project_id=? AND task_id=? AND action=? ORDER BY id DESC LIMIT 1`,
		projectID, taskID, string(domain.ActionStateChange))
	return scanHistory(row)
}

// LastStatusTx returns the status a task held before its current lock: the
// most recent STATE_CHANGE entry, or READY when the task was never
// transitioned.
func (r Repo) LastStatusTx(ctx context.Context, tx *sql.Tx, projectID, taskID int64) (domain.TaskStatus, error) {
	statuses, err := r.StatusChangesTx(ctx, tx, projectID, taskID, 1)
	if err != nil {
		return "", err
	}
	if len(statuses) == 0 {
		return domain.StatusReady, nil
	}
	return statuses[0], nil
}
