package transfer

import (
	"context"
	"fmt"

	"github.com/treetodo/treetodo/internal/task"
)

// PrivateReader reads the private partition. *store.DB implements it.
type PrivateReader interface {
	Get(ctx context.Context, collaborative bool, id task.LocalID) (*task.Task, error)
	ByParent(ctx context.Context, parent task.LocalID) ([]*task.Task, error)
}

// MigrateOptions configures PlanMigration and MigrateTree.
type MigrateOptions struct {
	// Root is the private task to copy together with its descendants.
	Root task.LocalID

	// Collaboration receives the copy.
	Collaboration string

	// Parent is the stable id the copied root hangs under (default: the
	// collaboration root).
	Parent task.StableID

	// NewStableID generates ids for the copies (default: task.NewStableID)
	NewStableID func() task.StableID
}

// PlanMigration returns collaboration copies of the private subtree rooted
// at opts.Root, parents first. Copies keep name, description, status and
// flex index; ids and parents are rewritten to fresh stable ids.
// Nothing is written.
func PlanMigration(ctx context.Context, r PrivateReader, opts MigrateOptions) ([]*task.Task, error) {
	if opts.Collaboration == "" {
		return nil, fmt.Errorf("collaboration is required")
	}
	if opts.Parent == "" {
		opts.Parent = task.RootStable
	}
	if opts.NewStableID == nil {
		opts.NewStableID = task.NewStableID
	}

	root, err := r.Get(ctx, false, opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", opts.Root, err)
	}

	stable := map[task.LocalID]task.StableID{}
	copyOf := func(t *task.Task, parent task.StableID) *task.Task {
		c := &task.Task{
			Name:          t.Name,
			Description:   t.Description,
			Status:        t.Status,
			FlexIndex:     t.FlexIndex,
			Collaboration: opts.Collaboration,
			StableID:      opts.NewStableID(),
			ParentStable:  parent,
		}
		stable[t.LocalID] = c.StableID
		return c
	}

	plan := []*task.Task{copyOf(root, opts.Parent)}
	queue := []task.LocalID{root.LocalID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		children, err := r.ByParent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load children of %d: %w", id, err)
		}
		for _, child := range children {
			if _, done := stable[child.LocalID]; done {
				continue
			}
			plan = append(plan, copyOf(child, stable[id]))
			queue = append(queue, child.LocalID)
		}
	}
	return plan, nil
}

// MigrateTree copies the private subtree into the collaboration and returns
// the inserted copies. The private originals are left untouched.
func MigrateTree(ctx context.Context, r PrivateReader, a Adder, opts MigrateOptions) ([]*task.Task, error) {
	plan, err := PlanMigration(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	for _, t := range plan {
		id, err := a.Add(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to copy task %q: %w", t.Name, err)
		}
		t.LocalID = id
	}
	return plan, nil
}
