package engine

import (
	"context"
	"time"

	"taskgrid/internal/domain"
	"taskgrid/internal/history"
)

// lockDuration returns the elapsed seconds since lockedAt, nil when the
// timestamp is absent or unparsable.
func (e Engine) lockDuration(lockedAt *string) *int64 {
	if lockedAt == nil {
		return nil
	}
	at, err := time.Parse(time.RFC3339, *lockedAt)
	if err != nil {
		return nil
	}
	s := int64(e.now().Sub(at).Seconds())
	if s < 0 {
		s = 0
	}
	return &s
}

func (e Engine) userAndProject(ctx context.Context, userID, projectID int64) (domain.User, domain.Project, error) {
	user, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, domain.Project{}, err
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.User{}, domain.Project{}, err
	}
	return user, project, nil
}

// LockTaskForMapping takes the mapping lease on a task. The status check
// happens on a re-read inside the transaction, so two racing callers
// serialize on the row and the loser sees the lock.
func (e Engine) LockTaskForMapping(ctx context.Context, projectID, taskID, userID int64) (domain.Task, error) {
	user, project, err := e.userAndProject(ctx, userID, projectID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.CanUserMap(ctx, user, project); err != nil {
		return domain.Task{}, err
	}

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
		return domain.Task{}, mappingErr(SubCodeTaskAlreadyLocked, "task %d is locked", taskID)
	}
	if err := ensureTransition(t.Status, domain.StatusLockedForMapping); err != nil {
		return domain.Task{}, err
	}
	held, err := e.Repo.UserHasTaskLockedTx(ctx, tx, userID, projectID)
	if err != nil {
		return domain.Task{}, err
	}
	if held {
		return domain.Task{}, mappingErr(SubCodeUserAlreadyHasLocked, "user %d already holds a task lock in project %d", userID, projectID)
	}

	now := e.now().Format(time.RFC3339)
	t.Status = domain.StatusLockedForMapping
	t.LockedBy = &userID
	t.LockedAt = &now
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.History.Append(ctx, tx, history.Entry{
		ProjectID: projectID,
		TaskID:    taskID,
		UserID:    userID,
		Action:    domain.ActionLockedForMapping,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// mappingUnlockStatuses are the outcomes a mapper may report.
var mappingUnlockStatuses = map[domain.TaskStatus]bool{
	domain.StatusMapped:     true,
	domain.StatusBadImagery: true,
	domain.StatusReady:      true,
}

// UnlockTaskAfterMapping releases a mapping lock with an outcome status.
func (e Engine) UnlockTaskAfterMapping(ctx context.Context, projectID, taskID, userID int64, newStatus domain.TaskStatus, comment string) (domain.Task, error) {
	if !mappingUnlockStatuses[newStatus] {
		return domain.Task{}, mappingErr(SubCodeInvalidUnlockState, "%s is not a valid mapping outcome", newStatus)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, projectID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.ensureMappingLockHolder(t, userID); err != nil {
		return domain.Task{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Task{}, err
	}
	from, err := e.Repo.LastStatusTx(ctx, tx, projectID, taskID)
	if err != nil {
		return domain.Task{}, err
	}

	if err := e.commentTx(ctx, tx, projectID, taskID, userID, comment); err != nil {
		return domain.Task{}, err
	}
	duration := e.lockDuration(t.LockedAt)
	if newStatus == domain.StatusMapped {
		t.MappedBy = &userID
	}
	if err := e.settleTx(ctx, tx, &t, &p, from, newStatus, userID, duration); err != nil {
		return domain.Task{}, err
	}
	if newStatus == domain.StatusMapped {
		if err := e.Repo.AddUserStatsTx(ctx, tx, userID, 1, 0, 0); err != nil {
			return domain.Task{}, err
		}
		if err := e.recomputeMappingLevelTx(ctx, tx, userID); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Notifier.NotifyMentions(ctx, projectID, taskID, userID, comment)
	return t, nil
}

// StopMappingTask releases a mapping lock without an outcome, reverting the
// task to its status before the lock.
func (e Engine) StopMappingTask(ctx context.Context, projectID, taskID, userID int64, comment string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, projectID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.ensureMappingLockHolder(t, userID); err != nil {
		return domain.Task{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Task{}, err
	}
	prev, err := e.Repo.LastStatusTx(ctx, tx, projectID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.commentTx(ctx, tx, projectID, taskID, userID, comment); err != nil {
		return domain.Task{}, err
	}
	duration := e.lockDuration(t.LockedAt)
	if err := e.settleTx(ctx, tx, &t, &p, prev, prev, userID, duration); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Notifier.NotifyMentions(ctx, projectID, taskID, userID, comment)
	return t, nil
}

func (e Engine) ensureMappingLockHolder(t domain.Task, userID int64) error {
	if t.Status != domain.StatusLockedForMapping {
		return mappingErr(SubCodeTaskNotLocked, "task %d is not locked for mapping", t.ID)
	}
	if t.LockedBy == nil || *t.LockedBy != userID {
		return mappingErr(SubCodeLockedByAnotherUser, "task %d is locked by another user", t.ID)
	}
	return nil
}

func ensureValidationLockHolder(t domain.Task, userID int64) error {
	if t.Status != domain.StatusLockedForValidation {
		return validatorErr(SubCodeTaskNotLocked, "task %d is not locked for validation", t.ID)
	}
	if t.LockedBy == nil || *t.LockedBy != userID {
		return validatorErr(SubCodeLockedByAnotherUser, "task %d is locked by another user", t.ID)
	}
	return nil
}

// validationLockStatuses are the settled statuses a validator may lock.
var validationLockStatuses = map[domain.TaskStatus]bool{
	domain.StatusMapped:      true,
	domain.StatusValidated:   true,
	domain.StatusInvalidated: true,
	domain.StatusBadImagery:  true,
}

// LockTasksForValidation locks a batch of tasks for validation in one
// transaction. If any task is ineligible the whole batch fails and no lock
// is taken.
func (e Engine) LockTasksForValidation(ctx context.Context, projectID int64, taskIDs []int64, userID int64) ([]domain.Task, error) {
	user, project, err := e.userAndProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.CanUserValidate(ctx, user, project); err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	held, err := e.Repo.UserHasTaskLockedTx(ctx, tx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, validatorErr(SubCodeUserAlreadyHasLocked, "user %d already holds a task lock in project %d", userID, projectID)
	}

	now := e.now().Format(time.RFC3339)
	locked := make([]domain.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := e.Repo.GetTaskTx(ctx, tx, projectID, id)
		if err != nil {
			return nil, err
		}
		if t.Status.IsLocked() {
			return nil, validatorErr(SubCodeTaskAlreadyLocked, "task %d is locked", id)
		}
		if !validationLockStatuses[t.Status] {
			return nil, validatorErr(SubCodeInvalidTaskState, "task %d is %s and cannot be locked for validation", id, t.Status)
		}
		t.Status = domain.StatusLockedForValidation
		t.LockedBy = &userID
		t.LockedAt = &now
		if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
			return nil, err
		}
		if err := e.History.Append(ctx, tx, history.Entry{
			ProjectID: projectID,
			TaskID:    id,
			UserID:    userID,
			Action:    domain.ActionLockedForValidation,
		}); err != nil {
			return nil, err
		}
		locked = append(locked, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return locked, nil
}

// ValidatedTask is one validator verdict in an unlock batch.
type ValidatedTask struct {
	TaskID  int64
	Status  domain.TaskStatus
	Comment string
}

// validationUnlockStatuses are the verdicts a validator may report.
var validationUnlockStatuses = map[domain.TaskStatus]bool{
	domain.StatusValidated:   true,
	domain.StatusInvalidated: true,
	domain.StatusBadImagery:  true,
}

// UnlockTasksAfterValidation applies validator verdicts to a batch of
// locked tasks in one transaction. Mapper notifications go out after
// commit, best effort.
func (e Engine) UnlockTasksAfterValidation(ctx context.Context, projectID int64, results []ValidatedTask, userID int64) ([]domain.Task, error) {
	type outcome struct {
		taskID   int64
		mapperID int64
		status   domain.TaskStatus
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}

	var outcomes []outcome
	var validatedCount int
	unlocked := make([]domain.Task, 0, len(results))
	for _, r := range results {
		if !validationUnlockStatuses[r.Status] {
			return nil, validatorErr(SubCodeInvalidUnlockState, "%s is not a valid validation verdict", r.Status)
		}
		t, err := e.Repo.GetTaskTx(ctx, tx, projectID, r.TaskID)
		if err != nil {
			return nil, err
		}
		if err := ensureValidationLockHolder(t, userID); err != nil {
			return nil, err
		}
		from, err := e.Repo.LastStatusTx(ctx, tx, projectID, r.TaskID)
		if err != nil {
			return nil, err
		}
		if err := e.commentTx(ctx, tx, projectID, r.TaskID, userID, r.Comment); err != nil {
			return nil, err
		}
		duration := e.lockDuration(t.LockedAt)
		if r.Status == domain.StatusValidated {
			t.ValidatedBy = &userID
			validatedCount++
		}
		if t.MappedBy != nil && (r.Status == domain.StatusValidated || r.Status == domain.StatusInvalidated) {
			outcomes = append(outcomes, outcome{taskID: r.TaskID, mapperID: *t.MappedBy, status: r.Status})
		}
		if r.Status == domain.StatusInvalidated && t.MappedBy != nil {
			if err := e.Repo.AddUserStatsTx(ctx, tx, *t.MappedBy, 0, 0, 1); err != nil {
				return nil, err
			}
		}
		if err := e.settleTx(ctx, tx, &t, &p, from, r.Status, userID, duration); err != nil {
			return nil, err
		}
		unlocked = append(unlocked, t)
	}
	if validatedCount > 0 {
		if err := e.Repo.AddUserStatsTx(ctx, tx, userID, 0, validatedCount, 0); err != nil {
			return nil, err
		}
		if err := e.recomputeMappingLevelTx(ctx, tx, userID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		e.Notifier.NotifyValidationOutcome(ctx, projectID, o.taskID, o.mapperID, userID, o.status)
	}
	for _, r := range results {
		e.Notifier.NotifyMentions(ctx, projectID, r.TaskID, userID, r.Comment)
	}
	return unlocked, nil
}

// StopValidationEntry is one task to release without a verdict.
type StopValidationEntry struct {
	TaskID  int64
	Comment string
}

// StopValidatingTasks releases validation locks without verdicts, reverting
// each task to its pre-lock status.
func (e Engine) StopValidatingTasks(ctx context.Context, projectID int64, entries []StopValidationEntry, userID int64) ([]domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	released := make([]domain.Task, 0, len(entries))
	for _, entry := range entries {
		t, err := e.Repo.GetTaskTx(ctx, tx, projectID, entry.TaskID)
		if err != nil {
			return nil, err
		}
		if err := ensureValidationLockHolder(t, userID); err != nil {
			return nil, err
		}
		prev, err := e.Repo.LastStatusTx(ctx, tx, projectID, entry.TaskID)
		if err != nil {
			return nil, err
		}
		if err := e.commentTx(ctx, tx, projectID, entry.TaskID, userID, entry.Comment); err != nil {
			return nil, err
		}
		duration := e.lockDuration(t.LockedAt)
		if err := e.settleTx(ctx, tx, &t, &p, prev, prev, userID, duration); err != nil {
			return nil, err
		}
		released = append(released, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		e.Notifier.NotifyMentions(ctx, projectID, entry.TaskID, userID, entry.Comment)
	}
	return released, nil
}
