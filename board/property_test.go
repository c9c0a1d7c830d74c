package board

import (
	"reflect"
	"testing"

	"pgregory.net/rapid"

	"pms-board/domain"
)

var statusGen = rapid.SampledFrom([]domain.Status{domain.StatusToDo, domain.StatusPending, domain.StatusDone, "Blocked"})

func drawTasks(t *rapid.T) []domain.Task {
	n := rapid.IntRange(0, 25).Draw(t, "num_tasks")
	tasks := make([]domain.Task, n)
	for i := range tasks {
		tasks[i] = domain.Task{ID: int64(i + 1), Status: statusGen.Draw(t, "status"), ProjectID: 1}
	}
	return tasks
}

// Columns are a disjoint cover of the recognised tasks and keep input order.
func TestPropertyPartitionCoversTasks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := drawTasks(t)
		cols := Partition(tasks, domain.Statuses())

		seen := make(map[int64]int)
		for _, col := range cols {
			last := -1
			for _, tk := range col.Tasks {
				if tk.Status != col.Name {
					t.Fatalf("task %d with status %q in column %q", tk.ID, tk.Status, col.Name)
				}
				seen[tk.ID]++
				pos := int(tk.ID - 1)
				if pos <= last {
					t.Fatalf("column %q out of input order", col.Name)
				}
				last = pos
			}
		}
		for _, tk := range tasks {
			want := 0
			if tk.Status.Known() {
				want = 1
			}
			if seen[tk.ID] != want {
				t.Fatalf("task %d appears %d times, want %d", tk.ID, seen[tk.ID], want)
			}
		}
	})
}

func drawMove(t *rapid.T, b *Board, sameColumn bool) (DragResult, bool) {
	nonEmpty := make([]int, 0)
	for i, col := range b.Columns {
		if len(col.Tasks) > 0 {
			nonEmpty = append(nonEmpty, i)
		}
	}
	if len(nonEmpty) == 0 {
		return DragResult{}, false
	}
	si := rapid.SampledFrom(nonEmpty).Draw(t, "source_column")
	src := b.Columns[si]
	srcIdx := rapid.IntRange(0, len(src.Tasks)-1).Draw(t, "source_index")
	if sameColumn {
		dstIdx := rapid.IntRange(0, len(src.Tasks)-1).Draw(t, "dest_index")
		return DragResult{
			Source:      &Location{ColumnID: string(src.Name), Index: srcIdx},
			Destination: &Location{ColumnID: string(src.Name), Index: dstIdx},
		}, true
	}
	others := make([]int, 0)
	for i := range b.Columns {
		if i != si {
			others = append(others, i)
		}
	}
	di := rapid.SampledFrom(others).Draw(t, "dest_column")
	dst := b.Columns[di]
	dstIdx := rapid.IntRange(0, len(dst.Tasks)).Draw(t, "dest_index")
	return DragResult{
		Source:      &Location{ColumnID: string(src.Name), Index: srcIdx},
		Destination: &Location{ColumnID: string(dst.Name), Index: dstIdx},
	}, true
}

func statuses(b *Board) map[int64]domain.Status {
	out := make(map[int64]domain.Status)
	for _, tk := range b.Tasks() {
		out[tk.ID] = tk.Status
	}
	return out
}

func TestPropertyReorderKeepsStatuses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New(1, drawTasks(t))
		res, ok := drawMove(t, b, true)
		if !ok {
			t.Skip("no tasks to drag")
		}
		before := statuses(b)

		change, err := b.Apply(res)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if change != nil {
			t.Fatalf("reorder produced a status change")
		}
		if !reflect.DeepEqual(before, statuses(b)) {
			t.Fatalf("reorder changed statuses")
		}
	})
}

func TestPropertyCrossMoveChangesExactlyOneTask(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New(1, drawTasks(t))
		res, ok := drawMove(t, b, false)
		if !ok {
			t.Skip("no tasks to drag")
		}
		movedID := b.Columns[indexOf(b, res.Source.ColumnID)].Tasks[res.Source.Index].ID
		before := statuses(b)

		change, err := b.Apply(res)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if change == nil || change.TaskID != movedID || string(change.To) != res.Destination.ColumnID {
			t.Fatalf("unexpected change %#v", change)
		}
		after := statuses(b)
		for id, st := range before {
			if id == movedID {
				if string(after[id]) != res.Destination.ColumnID {
					t.Fatalf("moved task has status %q", after[id])
				}
				continue
			}
			if after[id] != st {
				t.Fatalf("task %d changed status", id)
			}
		}
		dst, _ := b.Column(domain.Status(res.Destination.ColumnID))
		if dst.Tasks[res.Destination.Index].ID != movedID {
			t.Fatalf("moved task not at destination index")
		}
	})
}

func TestPropertyCancelledDropLeavesBoard(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New(1, drawTasks(t))
		before := b.Clone()
		res, ok := drawMove(t, b, rapid.Bool().Draw(t, "same"))
		if !ok {
			t.Skip("no tasks to drag")
		}
		res.Destination = nil
		if change, err := b.Apply(res); change != nil || err != nil {
			t.Fatalf("cancelled drop returned %v %v", change, err)
		}
		if !reflect.DeepEqual(before, b) {
			t.Fatalf("cancelled drop changed board")
		}
	})
}

func indexOf(b *Board, name string) int {
	i, _ := b.column(name)
	return i
}
