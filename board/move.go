package board

import (
	"fmt"

	"pms-board/domain"
)

// Location addresses a slot in a column.
type Location struct {
	ColumnID string `json:"droppableId"`
	Index    int    `json:"index"`
}

// DragResult is a completed drag gesture. A nil Destination means the drop
// was cancelled.
type DragResult struct {
	Source      *Location `json:"source"`
	Destination *Location `json:"destination,omitempty"`
}

// StatusChange is the single outbound update produced by a cross-column move.
type StatusChange struct {
	SessionID string        `json:"sessionId,omitempty"`
	Seq       uint64        `json:"seq,omitempty"`
	ProjectID int64         `json:"projectId"`
	TaskID    int64         `json:"taskId"`
	From      domain.Status `json:"from"`
	To        domain.Status `json:"to"`
	Origin    Location      `json:"origin"`
}

// Apply moves a task as described by the drag result. Reordering inside a
// column returns a nil change; moving across columns rewrites the task's
// status and returns the change to persist. Invalid locations leave the
// board untouched.
func (b *Board) Apply(res DragResult) (*StatusChange, error) {
	if res.Destination == nil {
		return nil, nil
	}
	if res.Source == nil {
		return nil, ErrMissingSource
	}
	src, dst := *res.Source, *res.Destination

	si, ok := b.column(src.ColumnID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, src.ColumnID)
	}
	di, ok := b.column(dst.ColumnID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, dst.ColumnID)
	}
	srcItems := b.Columns[si].Tasks
	if src.Index < 0 || src.Index >= len(srcItems) {
		return nil, fmt.Errorf("%w: source %d of %d", ErrIndexOutOfRange, src.Index, len(srcItems))
	}

	if si == di {
		if dst.Index < 0 || dst.Index >= len(srcItems) {
			return nil, fmt.Errorf("%w: destination %d of %d", ErrIndexOutOfRange, dst.Index, len(srcItems))
		}
		moved := srcItems[src.Index]
		items := remove(srcItems, src.Index)
		b.Columns[si].Tasks = insert(items, dst.Index, moved)
		return nil, nil
	}

	dstItems := b.Columns[di].Tasks
	if dst.Index < 0 || dst.Index > len(dstItems) {
		return nil, fmt.Errorf("%w: destination %d of %d", ErrIndexOutOfRange, dst.Index, len(dstItems))
	}

	moved := srcItems[src.Index]
	change := &StatusChange{
		ProjectID: b.ProjectID,
		TaskID:    moved.ID,
		From:      moved.Status,
		To:        b.Columns[di].Name,
		Origin:    src,
	}
	moved.Status = b.Columns[di].Name
	b.Columns[si].Tasks = remove(srcItems, src.Index)
	b.Columns[di].Tasks = insert(dstItems, dst.Index, moved)
	return change, nil
}

// Restore puts a task back into the column of status, at index when it is
// in range and at the end otherwise.
func (b *Board) Restore(taskID int64, status domain.Status, index int) error {
	loc, task, ok := b.Find(taskID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	di, ok := b.column(string(status))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, status)
	}
	si, _ := b.column(loc.ColumnID)

	b.Columns[si].Tasks = remove(b.Columns[si].Tasks, loc.Index)
	task.Status = status
	items := b.Columns[di].Tasks
	if index < 0 || index > len(items) {
		index = len(items)
	}
	b.Columns[di].Tasks = insert(items, index, task)
	return nil
}

func remove(items []domain.Task, i int) []domain.Task {
	out := make([]domain.Task, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}

func insert(items []domain.Task, i int, t domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, t)
	return append(out, items[i:]...)
}
