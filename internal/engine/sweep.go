package engine

import (
	"context"
	"time"

	"taskgrid/internal/domain"
	"taskgrid/internal/history"
)

// AutoUnlockTasks releases locks held past the project's lease. Each task
// is released in its own transaction with a fresh staleness check, so a
// sweep racing a legitimate unlock loses gracefully. Returns the number of
// locks released.
func (e Engine) AutoUnlockTasks(ctx context.Context, projectID int64) (int, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	ttl := e.lockTTL(p)
	cutoff := e.now().Add(-ttl).Format(time.RFC3339)

	stale, err := e.Repo.ListStaleLocks(ctx, projectID, cutoff)
	if err != nil {
		return 0, err
	}
	var n int
	for _, t := range stale {
		released, err := e.autoUnlockOne(ctx, projectID, t.ID, cutoff)
		if err != nil {
			return n, err
		}
		if released {
			n++
		}
	}
	return n, nil
}

func (e Engine) autoUnlockOne(ctx context.Context, projectID, taskID int64, cutoff string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, projectID, taskID)
	if err != nil {
		return false, err
	}
	if !t.Status.IsLocked() || t.LockedAt == nil || *t.LockedAt >= cutoff {
		return false, nil
	}

	action := domain.ActionAutoUnlockedForMapping
	if t.Status == domain.StatusLockedForValidation {
		action = domain.ActionAutoUnlockedForValidate
	}
	prev, err := e.Repo.LastStatusTx(ctx, tx, projectID, taskID)
	if err != nil {
		return false, err
	}
	holder := int64(0)
	if t.LockedBy != nil {
		holder = *t.LockedBy
	}
	duration := e.lockDuration(t.LockedAt)
	if err := e.History.Append(ctx, tx, history.Entry{
		ProjectID:       projectID,
		TaskID:          taskID,
		UserID:          holder,
		Action:          action,
		ActionText:      formatDurationPtr(duration),
		DurationSeconds: duration,
	}); err != nil {
		return false, err
	}
	t.Status = prev
	t.LockedBy = nil
	t.LockedAt = nil
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func formatDurationPtr(seconds *int64) string {
	if seconds == nil {
		return ""
	}
	return formatDuration(time.Duration(*seconds) * time.Second)
}
