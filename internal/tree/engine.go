// Package tree implements the task tree engine: the mutation API both the UI
// and remote replay go through, and the in-memory view of the tree level
// currently displayed.
//
// An Engine is bound either to the private partition or to a single
// collaboration. Lookups transparently switch between local ids and stable
// ids depending on that binding.
package tree

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/treetodo/treetodo/internal/retry"
	"github.com/treetodo/treetodo/internal/store"
	"github.com/treetodo/treetodo/internal/task"
)

var (
	// ErrEmptyName is returned when a task would be created or renamed to an empty name.
	ErrEmptyName = errors.New("task name cannot be empty")

	// ErrWrongPartition is returned when a reference from the other id space is used.
	ErrWrongPartition = errors.New("reference does not belong to this tree")
)

// Store is the persistence the engine needs. *store.DB implements it.
type Store interface {
	Add(ctx context.Context, t *task.Task) (task.LocalID, error)
	Get(ctx context.Context, collaborative bool, id task.LocalID) (*task.Task, error)
	Update(ctx context.Context, t *task.Task) error
	Delete(ctx context.Context, collaborative bool, id task.LocalID) error
	BatchUpdate(ctx context.Context, tasks []*task.Task) error
	ByParent(ctx context.Context, parent task.LocalID) ([]*task.Task, error)
	ByParentInCollaboration(ctx context.Context, collaboration string, parent task.StableID) ([]*task.Task, error)
	ByCollaboration(ctx context.Context, collaboration string) ([]*task.Task, error)
	ByStableID(ctx context.Context, collaboration string, id task.StableID) (*task.Task, error)
}

// Config configures an Engine.
type Config struct {
	// Collaboration binds the engine to a collaboration; empty means private tasks.
	Collaboration string

	// Retry wraps every store call.
	Retry retry.Policy

	// NewStableID generates stable ids for collaboration tasks (default: task.NewStableID)
	NewStableID func() task.StableID

	// Logger for engine activity (default: stderr logger)
	Logger *log.Logger
}

// Engine is the single source of truth for the displayed task set.
type Engine struct {
	store  Store
	collab string
	policy retry.Policy
	newID  func() task.StableID
	logger *log.Logger

	mu            sync.Mutex
	currentParent task.ParentRef
	parentTree    []*task.Task
	current       []*task.Task
}

// New creates an Engine over st.
func New(st Store, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[tree] ", log.LstdFlags)
	}
	if cfg.NewStableID == nil {
		cfg.NewStableID = task.NewStableID
	}
	policy := cfg.Retry
	if policy.Retryable == nil {
		policy.Retryable = retryable
	}
	return &Engine{
		store:  st,
		collab: cfg.Collaboration,
		policy: policy,
		newID:  cfg.NewStableID,
		logger: cfg.Logger,
	}
}

// retryable keeps errors that another attempt cannot fix out of the retry loop.
func retryable(err error) bool {
	return !errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, store.ErrDuplicateStableID) &&
		!errors.Is(err, ErrWrongPartition) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Collaboration returns the collaboration the engine is bound to, or "".
func (e *Engine) Collaboration() string {
	return e.collab
}

func (e *Engine) collaborative() bool {
	return e.collab != ""
}

// do runs op under the retry policy.
func (e *Engine) do(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, e.policy, op)
}

// Get resolves a reference to a persisted task.
func (e *Engine) Get(ctx context.Context, ref task.Ref) (*task.Task, error) {
	var t *task.Task
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		t, err = e.resolve(ctx, ref)
		return err
	})
	return t, err
}

func (e *Engine) resolve(ctx context.Context, ref task.Ref) (*task.Task, error) {
	if !e.collaborative() {
		if ref.Stable != "" {
			return nil, fmt.Errorf("%s: %w", ref, ErrWrongPartition)
		}
		return e.store.Get(ctx, false, ref.Local)
	}

	if ref.Stable != "" {
		return e.store.ByStableID(ctx, e.collab, ref.Stable)
	}
	t, err := e.store.Get(ctx, true, ref.Local)
	if err != nil {
		return nil, err
	}
	if t.Collaboration != e.collab {
		return nil, fmt.Errorf("%s: %w", ref, ErrWrongPartition)
	}
	return t, nil
}

// Children returns the tasks directly under parent, ordered by flex index.
func (e *Engine) Children(ctx context.Context, parent task.ParentRef) ([]*task.Task, error) {
	var children []*task.Task
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		children, err = e.children(ctx, parent)
		return err
	})
	return children, err
}

func (e *Engine) children(ctx context.Context, parent task.ParentRef) ([]*task.Task, error) {
	if e.collaborative() {
		return e.store.ByParentInCollaboration(ctx, e.collab, parent.StableKey())
	}
	return e.store.ByParent(ctx, parent.LocalKey())
}

// All returns every task of the tree in breadth-first order.
func (e *Engine) All(ctx context.Context) ([]*task.Task, error) {
	if e.collaborative() {
		var tasks []*task.Task
		err := e.do(ctx, func(ctx context.Context) error {
			var err error
			tasks, err = e.store.ByCollaboration(ctx, e.collab)
			return err
		})
		return tasks, err
	}

	var all []*task.Task
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		all, err = e.subtree(ctx, task.Root, nil)
		return err
	})
	return all, err
}

// AddRequest describes a task to create.
type AddRequest struct {
	Name   string
	Parent task.ParentRef

	// StableID preserves identity when replaying a remote add. It is
	// generated when empty and the engine is bound to a collaboration.
	StableID task.StableID
}

// AddTask creates a task at the end of its parent's TODO column.
func (e *Engine) AddTask(ctx context.Context, req AddRequest) (*task.Task, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if !e.collaborative() && (req.StableID != "" || req.Parent.Stable != "") {
		return nil, fmt.Errorf("stable ids are only used in collaborations: %w", ErrWrongPartition)
	}
	if e.collaborative() && req.Parent.Local != 0 {
		return nil, fmt.Errorf("collaboration parents are referenced by stable id: %w", ErrWrongPartition)
	}

	t := &task.Task{
		Name:   name,
		Status: task.StatusTodo,
	}
	if e.collaborative() {
		t.Collaboration = e.collab
		t.ParentStable = req.Parent.StableKey()
		t.StableID = req.StableID
		if t.StableID == "" {
			t.StableID = e.newID()
		}
	} else {
		t.ParentLocal = req.Parent.LocalKey()
	}

	err := e.do(ctx, func(ctx context.Context) error {
		if !req.Parent.IsRoot() {
			ref := task.Ref{Local: req.Parent.Local, Stable: req.Parent.Stable}
			if _, err := e.resolve(ctx, ref); err != nil {
				return fmt.Errorf("failed to resolve parent %s: %w", ref, err)
			}
		}

		siblings, err := e.children(ctx, req.Parent)
		if err != nil {
			return err
		}
		t.FlexIndex = NextFlexIndex(siblings)

		id, err := e.store.Add(ctx, t)
		if err != nil {
			return err
		}
		t.LocalID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add task %q: %w", name, err)
	}

	e.refreshIfShowing(ctx, req.Parent)
	return t, nil
}

// RenameTask changes a task's name.
func (e *Engine) RenameTask(ctx context.Context, ref task.Ref, newName string) (*task.Task, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, ErrEmptyName
	}
	return e.mutate(ctx, ref, func(t *task.Task) { t.Name = newName })
}

// UpdateDescription replaces a task's description.
func (e *Engine) UpdateDescription(ctx context.Context, ref task.Ref, newDescription string) (*task.Task, error) {
	return e.mutate(ctx, ref, func(t *task.Task) { t.Description = newDescription })
}

func (e *Engine) mutate(ctx context.Context, ref task.Ref, apply func(t *task.Task)) (*task.Task, error) {
	var t *task.Task
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		t, err = e.resolve(ctx, ref)
		if err != nil {
			return err
		}
		apply(t)
		return e.store.Update(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", ref, err)
	}

	e.refreshIfShowing(ctx, task.ParentOf(t))
	return t, nil
}
