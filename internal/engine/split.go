package engine

import (
	"context"

	"taskgrid/internal/domain"
	"taskgrid/internal/grid"
	"taskgrid/internal/history"
)

// maxSplitZoom caps how deep a task can be subdivided.
const maxSplitZoom = 18

// SplitTask subdivides a square task into its four child tiles at the next
// zoom level. The caller must hold the mapping lock on the parent. The
// parent becomes SPLIT and the children start as READY squares.
func (e Engine) SplitTask(ctx context.Context, projectID, taskID, userID int64) ([]domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if !t.IsSquare {
		return nil, SplitServiceError{SubCode: SubCodeTaskNotSquare, Message: "only square tasks can be split"}
	}
	if t.Zoom >= maxSplitZoom {
		return nil, SplitServiceError{SubCode: SubCodeSmallToSplit, Message: "task is too small to split further"}
	}
	if t.Status != domain.StatusLockedForMapping {
		return nil, mappingErr(SubCodeTaskNotLocked, "task %d must be locked for mapping before splitting", taskID)
	}
	if t.LockedBy == nil || *t.LockedBy != userID {
		return nil, mappingErr(SubCodeLockedByAnotherUser, "task %d is locked by another user", taskID)
	}
	from, err := e.Repo.LastStatusTx(ctx, tx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	switch from {
	case domain.StatusReady, domain.StatusMapped, domain.StatusBadImagery:
	default:
		return nil, SplitServiceError{SubCode: SubCodeInvalidTaskState, Message: "task cannot be split in its current state"}
	}

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	nextID, err := e.Repo.NextTaskIDTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}

	childZoom := t.Zoom + 1
	children := make([]domain.Task, 0, 4)
	for _, xy := range grid.ChildTiles(t.X, t.Y) {
		child := domain.Task{
			ID:        nextID,
			ProjectID: projectID,
			X:         xy[0],
			Y:         xy[1],
			Zoom:      childZoom,
			IsSquare:  true,
			Geometry:  grid.TileGeometry(xy[0], xy[1], childZoom),
			Status:    domain.StatusReady,
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, child); err != nil {
			return nil, err
		}
		if err := e.History.Append(ctx, tx, history.Entry{
			ProjectID:  projectID,
			TaskID:     child.ID,
			UserID:     userID,
			Action:     domain.ActionStateChange,
			ActionText: string(domain.StatusReady),
		}); err != nil {
			return nil, err
		}
		children = append(children, child)
		nextID++
	}

	duration := e.lockDuration(t.LockedAt)
	if err := e.settleTx(ctx, tx, &t, &p, from, domain.StatusSplit, userID, duration); err != nil {
		return nil, err
	}
	// The SPLIT parent stops counting as a task; its four children take
	// its place.
	p.TotalTasks += 3
	if err := e.Repo.UpdateProjectCountersTx(ctx, tx, p); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return children, nil
}
