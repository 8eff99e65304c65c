package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/treetodo/treetodo/internal/store"
	"github.com/treetodo/treetodo/internal/task"
)

// RemoveTask deletes a task and all of its descendants. It returns the
// number of tasks deleted.
//
// Descendants are deleted before their ancestors and the target last, so a
// failed attempt leaves every remaining task reachable from the target and
// the next attempt re-derives what is left.
func (e *Engine) RemoveTask(ctx context.Context, ref task.Ref) (int, error) {
	var (
		deleted int
		parent  task.ParentRef
		found   bool
	)
	err := e.do(ctx, func(ctx context.Context) error {
		root, err := e.resolve(ctx, ref)
		if errors.Is(err, store.ErrNotFound) && found {
			// Target went away on a previous attempt; the cascade finished.
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		parent = task.ParentOf(root)

		doomed, err := e.subtree(ctx, task.Under(root), []*task.Task{root})
		if err != nil {
			return err
		}
		for i := len(doomed) - 1; i >= 0; i-- {
			if err := e.store.Delete(ctx, e.collaborative(), doomed[i].LocalID); err != nil {
				return fmt.Errorf("failed to delete %s: %w", task.RefOf(doomed[i]), err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("failed to remove task %s: %w", ref, err)
	}

	e.refreshIfShowing(ctx, parent)
	return deleted, nil
}

// subtree collects every descendant of parent breadth-first, appended to seed.
// Tasks already collected are not visited twice.
func (e *Engine) subtree(ctx context.Context, parent task.ParentRef, seed []*task.Task) ([]*task.Task, error) {
	order := seed
	seen := make(map[task.LocalID]bool, len(seed))
	for _, t := range seed {
		seen[t.LocalID] = true
	}

	queue := []task.ParentRef{parent}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		children, err := e.children(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if seen[child.LocalID] {
				continue
			}
			seen[child.LocalID] = true
			order = append(order, child)
			queue = append(queue, task.Under(child))
		}
	}
	return order, nil
}
