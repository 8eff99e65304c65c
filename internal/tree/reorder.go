package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/treetodo/treetodo/internal/task"
)

// NextFlexIndex returns the flex index for a new task appended to the TODO
// column of siblings: the largest TODO flex index plus 2, or 2 when the
// column is empty.
func NextFlexIndex(siblings []*task.Task) int {
	highest := 0
	for _, s := range siblings {
		if s.Status == task.StatusTodo && s.FlexIndex > highest {
			highest = s.FlexIndex
		}
	}
	return highest + 2
}

// FlexIndexForPosition returns the flex index that places a dragged task at
// position pos (0-based) of a column whose indexes are 2, 4, 6...
// The odd result sorts strictly between the neighbors.
func FlexIndexForPosition(pos int) int {
	if pos < 0 {
		pos = 0
	}
	return 2*pos + 1
}

// SetStatusAndReorder moves a task to newStatus at the position newFlexIndex
// and renumbers every sibling in the affected status columns to 2, 4, 6...
// All changed tasks are persisted in one batch.
func (e *Engine) SetStatusAndReorder(ctx context.Context, ref task.Ref, newStatus task.Status, newFlexIndex int) (*task.Task, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("invalid status %d", newStatus)
	}

	var moved *task.Task
	err := e.do(ctx, func(ctx context.Context) error {
		t, err := e.resolve(ctx, ref)
		if err != nil {
			return err
		}
		siblings, err := e.children(ctx, task.ParentOf(t))
		if err != nil {
			return err
		}

		oldStatus := t.Status
		t.Status = newStatus
		t.FlexIndex = newFlexIndex

		var target, source []*task.Task
		for _, s := range siblings {
			if s.LocalID == t.LocalID {
				continue
			}
			switch s.Status {
			case newStatus:
				target = append(target, s)
			case oldStatus:
				source = append(source, s)
			}
		}

		changed := renumber(append(target, t), t.LocalID)
		if oldStatus != newStatus {
			changed = append(changed, renumber(source, 0)...)
		}
		if len(changed) == 0 {
			moved = t
			return nil
		}
		if err := e.store.BatchUpdate(ctx, changed); err != nil {
			return err
		}
		moved = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reorder task %s: %w", ref, err)
	}

	e.refreshIfShowing(ctx, task.ParentOf(moved))
	return moved, nil
}

// renumber sorts column by flex index and assigns 2, 4, 6... A tie with the
// dragged task puts the dragged task first. It returns the tasks whose index
// changed; the dragged task is always included.
func renumber(column []*task.Task, dragged task.LocalID) []*task.Task {
	sort.SliceStable(column, func(i, j int) bool {
		a, b := column[i], column[j]
		if a.FlexIndex != b.FlexIndex {
			return a.FlexIndex < b.FlexIndex
		}
		if a.LocalID == dragged || b.LocalID == dragged {
			return a.LocalID == dragged
		}
		return a.LocalID < b.LocalID
	})

	var changed []*task.Task
	for rank, t := range column {
		want := (rank + 1) * 2
		if t.FlexIndex != want || t.LocalID == dragged {
			t.FlexIndex = want
			changed = append(changed, t)
		}
	}
	return changed
}
