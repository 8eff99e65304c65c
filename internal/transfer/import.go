package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/treetodo/treetodo/internal/task"
)

// Replacer swaps a collaboration's local tasks for a new set. *store.DB
// implements it.
type Replacer interface {
	ReplaceCollaboration(ctx context.Context, collaboration string, tasks []*task.Task, cursor time.Time) error
}

// Adder inserts single tasks. *store.DB implements it.
type Adder interface {
	Add(ctx context.Context, t *task.Task) (task.LocalID, error)
}

// ForCollaboration returns copies of tasks ready to be inserted into
// collaboration: local ids are cleared and the collaboration is set.
func ForCollaboration(collaboration string, tasks []*task.Task) []*task.Task {
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		c := t.Clone()
		c.LocalID = 0
		c.ParentLocal = 0
		c.Collaboration = collaboration
		out = append(out, c)
	}
	return out
}

// ApplySnapshot replaces every local task of collaboration with tasks and
// adopts cursor, in one transaction.
func ApplySnapshot(ctx context.Context, r Replacer, collaboration string, tasks []*task.Task, cursor time.Time) error {
	if err := r.ReplaceCollaboration(ctx, collaboration, ForCollaboration(collaboration, tasks), cursor); err != nil {
		return fmt.Errorf("failed to apply snapshot of %s: %w", collaboration, err)
	}
	return nil
}

// CollaborationTasks converts the snapshot entries into tasks of
// collaboration, parents first. Entry ids become stable ids.
func (s *Snapshot) CollaborationTasks(collaboration string) ([]*task.Task, error) {
	var tasks []*task.Task
	for _, e := range s.topological() {
		status, err := task.ParseStatus(e.Status)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", e.ID, err)
		}
		tasks = append(tasks, &task.Task{
			Name:          e.Name,
			Description:   e.Description,
			Status:        status,
			FlexIndex:     e.FlexIndex,
			Collaboration: collaboration,
			StableID:      task.StableID(e.ID),
			ParentStable:  task.StableID(e.Parent),
		})
	}
	return tasks, nil
}

// ImportCollaboration replaces collaboration's local tasks with the snapshot
// and sets the cursor to the snapshot timestamp. It returns the number of
// tasks imported.
func ImportCollaboration(ctx context.Context, r Replacer, collaboration string, s *Snapshot) (int, error) {
	tasks, err := s.CollaborationTasks(collaboration)
	if err != nil {
		return 0, err
	}
	if err := r.ReplaceCollaboration(ctx, collaboration, tasks, s.Timestamp); err != nil {
		return 0, fmt.Errorf("failed to import snapshot: %w", err)
	}
	return len(tasks), nil
}

// ImportPrivate adds the snapshot as new private tasks under parent. Entry
// ids are remapped to freshly assigned local ids. It returns the number of
// tasks imported.
func ImportPrivate(ctx context.Context, a Adder, s *Snapshot, parent task.LocalID) (int, error) {
	ids := map[string]task.LocalID{rootKey: parent}
	n := 0
	for _, e := range s.topological() {
		status, err := task.ParseStatus(e.Status)
		if err != nil {
			return n, fmt.Errorf("task %s: %w", e.ID, err)
		}
		id, err := a.Add(ctx, &task.Task{
			Name:        e.Name,
			Description: e.Description,
			Status:      status,
			FlexIndex:   e.FlexIndex,
			ParentLocal: ids[e.Parent],
		})
		if err != nil {
			return n, fmt.Errorf("failed to import task %s: %w", e.ID, err)
		}
		ids[e.ID] = id
		n++
	}
	return n, nil
}
