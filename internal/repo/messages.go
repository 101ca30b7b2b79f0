package repo

import (
	"context"
	"database/sql"

	"taskgrid/internal/domain"
)

const messageCols = `id,to_user_id,from_user_id,project_id,task_id,subject,COALESCE(text,'') AS text,message_type,read,created_at`

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var fromUser, projectID, taskID sql.NullInt64
	err := row.Scan(&m.ID, &m.ToUserID, &fromUser, &projectID, &taskID,
		&m.Subject, &m.Text, &m.MessageType, &m.Read, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if fromUser.Valid {
		m.FromUserID = &fromUser.Int64
	}
	if projectID.Valid {
		m.ProjectID = &projectID.Int64
	}
	if taskID.Valid {
		m.TaskID = &taskID.Int64
	}
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id,to_user_id,from_user_id,project_id,task_id,subject,text,message_type,read,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ToUserID, nullableInt64Ptr(m.FromUserID), nullableInt64Ptr(m.ProjectID), nullableInt64Ptr(m.TaskID),
		m.Subject, nullable(m.Text), string(m.MessageType), m.Read, m.CreatedAt)
	return err
}

type MessageFilters struct {
	ToUserID   int64
	UnreadOnly bool
	Limit      int
}

func (r Repo) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	clauses := []string{"to_user_id=?"}
	args := []any{f.ToUserID}
	if f.UnreadOnly {
		clauses = append(clauses, "read=0")
	}
	query := `SELECT ` + messageCols + ` FROM messages ` + joinClauses(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) MarkMessageRead(ctx context.Context, id string, toUserID int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET read=1 WHERE id=? AND to_user_id=?`, id, toUserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UnreadMessageCount(ctx context.Context, toUserID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE to_user_id=? AND read=0`, toUserID).Scan(&n)
	return n, err
}
