package engine

import (
	"context"
	"errors"

	"taskgrid/internal/domain"
	"taskgrid/internal/repo"
)

// UndoTaskStatus reverts a task's most recent state change. Only the user
// who made that change, or a project manager, may undo it, and never while
// someone else holds the lock.
func (e Engine) UndoTaskStatus(ctx context.Context, projectID, taskID, userID int64) (domain.Task, error) {
	user, project, err := e.userAndProject(ctx, userID, projectID)
	if err != nil {
		return domain.Task{}, err
	}
	manager := e.CanUserAdminister(user, project) == nil

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, projectID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status.IsLocked() {
		return domain.Task{}, mappingErr(SubCodeTaskAlreadyLocked, "task %d is locked and cannot be undone", taskID)
	}

	last, err := e.Repo.LastStateChangeTx(ctx, tx, projectID, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, mappingErr(SubCodeInvalidTaskState, "task %d has no state change to undo", taskID)
		}
		return domain.Task{}, err
	}
	if !manager && last.UserID != userID {
		return domain.Task{}, mappingErr(SubCodeUndoPermissionError, "only the user who made the change can undo it")
	}

	changes, err := e.Repo.StatusChangesTx(ctx, tx, projectID, taskID, 2)
	if err != nil {
		return domain.Task{}, err
	}
	previous := domain.StatusReady
	if len(changes) > 1 {
		previous = changes[1]
	}
	if previous.IsLocked() || previous == domain.StatusSplit {
		return domain.Task{}, mappingErr(SubCodeInvalidTaskState, "cannot revert task %d to %s", taskID, previous)
	}

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Task{}, err
	}

	from := t.Status
	switch previous {
	case domain.StatusReady:
		t.MappedBy = nil
		t.ValidatedBy = nil
	case domain.StatusMapped, domain.StatusInvalidated:
		t.ValidatedBy = nil
	}
	if err := e.settleTx(ctx, tx, &t, &p, from, previous, userID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
