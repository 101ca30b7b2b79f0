package engine

import (
	"context"
	"database/sql"

	"taskgrid/internal/domain"
	"taskgrid/internal/history"
)

// legalTransitions is the task state machine. Reverts (stop, undo, admin
// reset, auto unlock) bypass the table because their targets are derived
// from history rather than chosen by the caller.
var legalTransitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.StatusReady:               {domain.StatusLockedForMapping},
	domain.StatusLockedForMapping:    {domain.StatusMapped, domain.StatusBadImagery, domain.StatusReady, domain.StatusSplit},
	domain.StatusMapped:              {domain.StatusLockedForValidation},
	domain.StatusLockedForValidation: {domain.StatusValidated, domain.StatusInvalidated, domain.StatusBadImagery},
	domain.StatusValidated:           {domain.StatusLockedForValidation},
	domain.StatusInvalidated:         {domain.StatusLockedForMapping, domain.StatusLockedForValidation},
	domain.StatusBadImagery:          {domain.StatusLockedForValidation},
	domain.StatusSplit:               {},
}

func ensureTransition(from, to domain.TaskStatus) error {
	for _, t := range legalTransitions[from] {
		if t == to {
			return nil
		}
	}
	return mappingErr(SubCodeInvalidTaskState, "cannot move task from %s to %s", from, to)
}

// counted reports membership of a settled status in each counter set.
// tasks_mapped counts tasks that are mapped or beyond, so validating a
// task leaves it unchanged and invalidating removes it.
func countedMapped(s domain.TaskStatus) int {
	if s == domain.StatusMapped || s == domain.StatusValidated {
		return 1
	}
	return 0
}

func countedValidated(s domain.TaskStatus) int {
	if s == domain.StatusValidated {
		return 1
	}
	return 0
}

func countedBadImagery(s domain.TaskStatus) int {
	if s == domain.StatusBadImagery {
		return 1
	}
	return 0
}

// applyCounters adjusts the project's cached counters for a task moving
// between two settled statuses. Lock statuses never reach here.
func applyCounters(p *domain.Project, from, to domain.TaskStatus) {
	p.TasksMapped += countedMapped(to) - countedMapped(from)
	p.TasksValidated += countedValidated(to) - countedValidated(from)
	p.TasksBadImagery += countedBadImagery(to) - countedBadImagery(from)
}

// settleTx moves a task to a settled status inside tx: it records the
// STATE_CHANGE history row, clears the lock, updates the task row, and
// adjusts the project counters. from is the task's previous settled status.
func (e Engine) settleTx(ctx context.Context, tx *sql.Tx, t *domain.Task, p *domain.Project, from, to domain.TaskStatus, userID int64, duration *int64) error {
	if err := e.History.Append(ctx, tx, history.Entry{
		ProjectID:       t.ProjectID,
		TaskID:          t.ID,
		UserID:          userID,
		Action:          domain.ActionStateChange,
		ActionText:      string(to),
		DurationSeconds: duration,
	}); err != nil {
		return err
	}
	t.Status = to
	t.LockedBy = nil
	t.LockedAt = nil
	if err := e.Repo.UpdateTaskTx(ctx, tx, *t); err != nil {
		return err
	}
	applyCounters(p, from, to)
	return e.Repo.UpdateProjectCountersTx(ctx, tx, *p)
}

// commentTx records a COMMENT history row when text is non-empty.
func (e Engine) commentTx(ctx context.Context, tx *sql.Tx, projectID, taskID, userID int64, comment string) error {
	if comment == "" {
		return nil
	}
	return e.History.Append(ctx, tx, history.Entry{
		ProjectID:  projectID,
		TaskID:     taskID,
		UserID:     userID,
		Action:     domain.ActionComment,
		ActionText: comment,
	})
}
