package engine

import (
	"context"

	"taskgrid/internal/domain"
	"taskgrid/internal/repo"
)

// Bulk operators commit once per task. A failure partway leaves the earlier
// tasks done, which matches how project managers use these: re-running the
// operator picks up where it stopped.

// eligibleTasks lists the project's tasks currently in one of the given
// statuses.
func (e Engine) eligibleTasks(ctx context.Context, projectID int64, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	want := make(map[domain.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	all, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range all {
		if want[t.Status] {
			out = append(out, t)
		}
	}
	return out, nil
}

// settleOne moves a single task to a settled status in its own transaction.
// The task is re-read inside the transaction and skipped when its status no
// longer matches the listing, so racing mappers are not trampled.
func (e Engine) settleOne(ctx context.Context, projectID, taskID, userID int64, expect, to domain.TaskStatus, comment string, mutate func(*domain.Task)) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, projectID, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != expect {
		return false, nil
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return false, err
	}
	if err := e.commentTx(ctx, tx, projectID, taskID, userID, comment); err != nil {
		return false, err
	}
	if mutate != nil {
		mutate(&t)
	}
	if err := e.settleTx(ctx, tx, &t, &p, expect, to, userID, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MapAllTasks marks every READY and INVALIDATED task as MAPPED on behalf of
// a project manager. Returns the number of tasks changed.
func (e Engine) MapAllTasks(ctx context.Context, projectID, userID int64) (int, error) {
	user, project, err := e.userAndProject(ctx, userID, projectID)
	if err != nil {
		return 0, err
	}
	if err := e.CanUserAdminister(user, project); err != nil {
		return 0, err
	}
	tasks, err := e.eligibleTasks(ctx, projectID, domain.StatusReady, domain.StatusInvalidated)
	if err != nil {
		return 0, err
	}
	var n int
	for _, t := range tasks {
		done, err := e.settleOne(ctx, projectID, t.ID, userID, t.Status, domain.StatusMapped, "", func(t *domain.Task) {
			t.MappedBy = &userID
		})
		if err != nil {
			return n, err
		}
		if done {
			n++
		}
	}
	return n, nil
}

// ValidateAllTasks marks every MAPPED task as VALIDATED.
func (e Engine) ValidateAllTasks(ctx context.Context, projectID, userID int64) (int, error) {
	user, project, err := e.userAndProject(ctx, userID, projectID)
	if err != nil {
		return 0, err
	}
	if err := e.CanUserAdminister(user, project); err != nil {
		return 0, err
	}
	tasks, err := e.eligibleTasks(ctx, projectID, domain.StatusMapped)
	if err != nil {
		return 0, err
	}
	var n int
	for _, t := range tasks {
		done, err := e.settleOne(ctx, projectID, t.ID, userID, t.Status, domain.StatusValidated, "", func(t *domain.Task) {
			t.ValidatedBy = &userID
		})
		if err != nil {
			return n, err
		}
		if done {
			n++
		}
	}
	return n, nil
}

// InvalidateAllTasks marks every MAPPED and VALIDATED task as INVALIDATED.
func (e Engine) InvalidateAllTasks(ctx context.Context, projectID, userID int64) (int, error) {
	user, project, err := e.userAndProject(ctx, userID, projectID)
	if err != nil {
		return 0, err
	}
	if err := e.CanUserAdminister(user, project); err != nil {
		return 0, err
	}
	tasks, err := e.eligibleTasks(ctx, projectID, domain.StatusMapped, domain.StatusValidated)
	if err != nil {
		return 0, err
	}
	var n int
	for _, t := range tasks {
		done, err := e.settleOne(ctx, projectID, t.ID, userID, t.Status, domain.StatusInvalidated, "", nil)
		if err != nil {
			return n, err
		}
		if done {
			n++
		}
	}
	return n, nil
}

// ResetAllBadImagery returns every BADIMAGERY task to READY.
func (e Engine) ResetAllBadImagery(ctx context.Context, projectID, userID int64) (int, error) {
	user, project, err := e.userAndProject(ctx, userID, projectID)
	if err != nil {
		return 0, err
	}
	if err := e.CanUserAdminister(user, project); err != nil {
		return 0, err
	}
	tasks, err := e.eligibleTasks(ctx, projectID, domain.StatusBadImagery)
	if err != nil {
		return 0, err
	}
	var n int
	for _, t := range tasks {
		done, err := e.settleOne(ctx, projectID, t.ID, userID, t.Status, domain.StatusReady, "Bad imagery task reset by project manager", nil)
		if err != nil {
			return n, err
		}
		if done {
			n++
		}
	}
	return n, nil
}

// ResetAllTasks returns every task except SPLIT ones to READY, clearing
// attribution. Locked tasks are released as part of the reset.
func (e Engine) ResetAllTasks(ctx context.Context, projectID, userID int64) (int, error) {
	user, project, err := e.userAndProject(ctx, userID, projectID)
	if err != nil {
		return 0, err
	}
	if err := e.CanUserAdminister(user, project); err != nil {
		return 0, err
	}
	tasks, err := e.eligibleTasks(ctx, projectID,
		domain.StatusMapped, domain.StatusValidated, domain.StatusInvalidated,
		domain.StatusBadImagery, domain.StatusLockedForMapping, domain.StatusLockedForValidation)
	if err != nil {
		return 0, err
	}
	var n int
	for _, t := range tasks {
		done, err := e.resetOne(ctx, projectID, t.ID, userID, t.Status)
		if err != nil {
			return n, err
		}
		if done {
			n++
		}
	}
	return n, nil
}

// resetOne forces a task back to READY. Locked tasks count against the
// project counters by their pre-lock status, so the history is consulted
// for the counter adjustment.
func (e Engine) resetOne(ctx context.Context, projectID, taskID, userID int64, expect domain.TaskStatus) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, projectID, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != expect {
		return false, nil
	}
	from := t.Status
	if t.Status.IsLocked() {
		from, err = e.Repo.LastStatusTx(ctx, tx, projectID, taskID)
		if err != nil {
			return false, err
		}
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return false, err
	}
	if err := e.commentTx(ctx, tx, projectID, taskID, userID, "Task reset by project manager"); err != nil {
		return false, err
	}
	t.MappedBy = nil
	t.ValidatedBy = nil
	if err := e.settleTx(ctx, tx, &t, &p, from, domain.StatusReady, userID, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
