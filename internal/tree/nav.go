package tree

import (
	"context"
	"fmt"

	"github.com/treetodo/treetodo/internal/task"
)

// CurrentParent returns the level currently displayed.
func (e *Engine) CurrentParent() task.ParentRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentParent
}

// Breadcrumb returns the chain of opened tasks from the root down to the
// current level.
func (e *Engine) Breadcrumb() []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*task.Task, len(e.parentTree))
	for i, t := range e.parentTree {
		out[i] = t.Clone()
	}
	return out
}

// Current returns a copy of the tasks shown at the current level.
func (e *Engine) Current() []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*task.Task, len(e.current))
	for i, t := range e.current {
		out[i] = t.Clone()
	}
	return out
}

// Refresh reloads the current level from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	parent := e.CurrentParent()
	children, err := e.Children(ctx, parent)
	if err != nil {
		return fmt.Errorf("failed to load level %v: %w", parent, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentParent == parent {
		e.current = children
	}
	return nil
}

// Open descends into a task, making its children the current level.
func (e *Engine) Open(ctx context.Context, ref task.Ref) error {
	t, err := e.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", ref, err)
	}

	e.mu.Lock()
	e.parentTree = append(e.parentTree, t)
	e.currentParent = task.Under(t)
	e.mu.Unlock()

	return e.Refresh(ctx)
}

// Up returns to the parent level. It is a no-op at the root.
func (e *Engine) Up(ctx context.Context) error {
	e.mu.Lock()
	if n := len(e.parentTree); n > 0 {
		e.parentTree = e.parentTree[:n-1]
	}
	if n := len(e.parentTree); n > 0 {
		e.currentParent = task.Under(e.parentTree[n-1])
	} else {
		e.currentParent = task.Root
	}
	e.mu.Unlock()

	return e.Refresh(ctx)
}

// Reset returns to the root level and drops the breadcrumb.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.parentTree = nil
	e.currentParent = task.Root
	e.mu.Unlock()

	return e.Refresh(ctx)
}

// refreshIfShowing reloads the current level when parent is the level on
// screen. The change is already persisted, so a failed reload is only logged.
func (e *Engine) refreshIfShowing(ctx context.Context, parent task.ParentRef) {
	if e.CurrentParent() != parent {
		return
	}
	if err := e.Refresh(ctx); err != nil {
		e.logger.Printf("Warning: %v", err)
	}
}
