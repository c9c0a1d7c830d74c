package board

import (
	"errors"
	"sort"

	"pms-board/domain"
)

var (
	ErrUnknownColumn   = errors.New("unknown column")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrMissingSource   = errors.New("drag result has no source")
	ErrTaskNotFound    = errors.New("task not on board")
)

// Column is one board lane; Name equals the status shared by its tasks.
type Column struct {
	Name  domain.Status `json:"name"`
	Tasks []domain.Task `json:"items"`
}

// Board is the partition of a project's tasks into columns. Tasks whose
// status is not a board stage are kept in Unrecognized and cannot be dragged.
type Board struct {
	ProjectID    int64         `json:"projectId"`
	Columns      []Column      `json:"columns"`
	Unrecognized []domain.Task `json:"unrecognized,omitempty"`
}

// Layout is the persisted order of task ids within each column.
type Layout map[domain.Status][]int64

// Partition groups tasks by status, one column per entry of statuses, keeping
// the relative order of tasks. Tasks matching no status are left out.
func Partition(tasks []domain.Task, statuses []domain.Status) []Column {
	cols := make([]Column, 0, len(statuses))
	seen := make(map[domain.Status]struct{}, len(statuses))
	for _, st := range statuses {
		if _, dup := seen[st]; dup {
			continue
		}
		seen[st] = struct{}{}
		items := make([]domain.Task, 0)
		for _, t := range tasks {
			if t.Status == st {
				items = append(items, t)
			}
		}
		cols = append(cols, Column{Name: st, Tasks: items})
	}
	return cols
}

// New builds a board for the project from the last fetched task list.
func New(projectID int64, tasks []domain.Task) *Board {
	b := &Board{
		ProjectID: projectID,
		Columns:   Partition(tasks, domain.Statuses()),
	}
	for _, t := range tasks {
		if !t.Status.Known() {
			b.Unrecognized = append(b.Unrecognized, t)
		}
	}
	return b
}

func (b *Board) column(name string) (int, bool) {
	for i := range b.Columns {
		if string(b.Columns[i].Name) == name {
			return i, true
		}
	}
	return -1, false
}

// Column returns the lane with the given name.
func (b *Board) Column(name domain.Status) (Column, bool) {
	i, ok := b.column(string(name))
	if !ok {
		return Column{}, false
	}
	return b.Columns[i], true
}

// Find locates a task by id.
func (b *Board) Find(taskID int64) (Location, domain.Task, bool) {
	for ci, col := range b.Columns {
		for ti, t := range col.Tasks {
			if t.ID == taskID {
				return Location{ColumnID: string(col.Name), Index: ti}, b.Columns[ci].Tasks[ti], true
			}
		}
	}
	return Location{}, domain.Task{}, false
}

// Tasks flattens the columns in board order.
func (b *Board) Tasks() []domain.Task {
	out := make([]domain.Task, 0)
	for _, col := range b.Columns {
		out = append(out, col.Tasks...)
	}
	return out
}

// Clone returns a deep copy safe to hand out while the original keeps mutating.
func (b *Board) Clone() *Board {
	cp := &Board{ProjectID: b.ProjectID, Columns: make([]Column, len(b.Columns))}
	for i, col := range b.Columns {
		cp.Columns[i] = Column{Name: col.Name, Tasks: append([]domain.Task{}, col.Tasks...)}
	}
	if len(b.Unrecognized) > 0 {
		cp.Unrecognized = append([]domain.Task(nil), b.Unrecognized...)
	}
	return cp
}

// Layout captures the current order of every column.
func (b *Board) Layout() Layout {
	out := make(Layout, len(b.Columns))
	for _, col := range b.Columns {
		ids := make([]int64, len(col.Tasks))
		for i, t := range col.Tasks {
			ids[i] = t.ID
		}
		out[col.Name] = ids
	}
	return out
}

// ApplyLayout reorders each column by a previously saved layout. Tasks the
// layout does not mention keep their fetched order after the ranked ones.
// Column membership never changes.
func (b *Board) ApplyLayout(l Layout) {
	for ci := range b.Columns {
		ids, ok := l[b.Columns[ci].Name]
		if !ok || len(ids) == 0 {
			continue
		}
		rank := make(map[int64]int, len(ids))
		for i, id := range ids {
			if _, dup := rank[id]; !dup {
				rank[id] = i
			}
		}
		items := b.Columns[ci].Tasks
		sort.SliceStable(items, func(i, j int) bool {
			ri, iok := rank[items[i].ID]
			rj, jok := rank[items[j].ID]
			switch {
			case iok && jok:
				return ri < rj
			case iok:
				return true
			default:
				return false
			}
		})
	}
}
