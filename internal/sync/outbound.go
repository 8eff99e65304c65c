package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/treetodo/treetodo/internal/api"
	"github.com/treetodo/treetodo/internal/oplog"
	"github.com/treetodo/treetodo/internal/task"
	"github.com/treetodo/treetodo/internal/transfer"
	"github.com/treetodo/treetodo/internal/tree"
)

// emit sends a change to the log and, once accepted, applies it locally and
// advances the cursor. A change the log refused is not applied.
// Must run on the consumer.
func (e *Engine) emit(ctx context.Context, c change) (*task.Task, error) {
	details, err := c.encode()
	if err != nil {
		return nil, err
	}
	op, err := e.transport.LogOperation(ctx, api.LogRequest{
		Collaboration: e.collab,
		Type:          c.typ,
		Details:       details,
		SocketID:      e.socketID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send %s operation: %w", c.typ, err)
	}

	// Operations logged by peers just before ours may still be on their way
	// as pushes. Replay them first so the cursor never jumps over them.
	var earlier []*oplog.Operation
	if e.hasCursor {
		cursor := e.cursor
		ops, err := e.transport.Operations(ctx, e.collab, &cursor)
		if err != nil {
			e.logger.Printf("Warning: failed to fetch operations before %d: %v", op.ID, err)
		}
		for _, o := range ops {
			if o.ID == op.ID {
				break
			}
			earlier = append(earlier, o)
		}
	}
	for _, o := range earlier {
		if o.Type == oplog.TypeInit {
			continue
		}
		if err := e.replay(ctx, o.Type, o.Details, o.CreatedAt); err != nil {
			e.notifier.Notify(Notice{Level: LevelError, Message: "Failed to replay " + string(o.Type), Err: err})
		}
	}

	t, err := e.apply(ctx, op.Type, op.Details)
	if err != nil {
		// The log has the operation; peers apply it even though we could not.
		e.notifier.Notify(Notice{Level: LevelError, Message: "Sent change could not be saved locally", Err: err})
		return nil, err
	}
	if err := e.advance(ctx, op.CreatedAt); err != nil {
		return t, err
	}
	return t, nil
}

// AddTask creates a task under parent in the collaboration.
func (e *Engine) AddTask(ctx context.Context, name string, parent task.ParentRef) (*task.Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, tree.ErrEmptyName
	}
	var t *task.Task
	err := e.submit(ctx, "add task", func(ctx context.Context) error {
		var err error
		t, err = e.emit(ctx, change{typ: oplog.TypeAdd, details: AddDetails{
			StableID: task.NewStableID(),
			ParentID: parent.StableKey(),
			Name:     name,
		}})
		return err
	})
	return t, err
}

// RenameTask changes a task's name.
func (e *Engine) RenameTask(ctx context.Context, id task.StableID, name string) (*task.Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, tree.ErrEmptyName
	}
	return e.update(ctx, UpdateDetails{Field: FieldName, StableID: id, Name: name})
}

// UpdateDescription replaces a task's description.
func (e *Engine) UpdateDescription(ctx context.Context, id task.StableID, description string) (*task.Task, error) {
	return e.update(ctx, UpdateDetails{Field: FieldDescription, StableID: id, Description: &description})
}

// SetStatus moves a task to status at position pos (0-based) of the column.
func (e *Engine) SetStatus(ctx context.Context, id task.StableID, status task.Status, pos int) (*task.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %d", status)
	}
	flex := tree.FlexIndexForPosition(pos)
	return e.update(ctx, UpdateDetails{Field: FieldStatus, StableID: id, Status: &status, FlexIndex: &flex})
}

func (e *Engine) update(ctx context.Context, d UpdateDetails) (*task.Task, error) {
	var t *task.Task
	err := e.submit(ctx, "update task", func(ctx context.Context) error {
		// Refuse to log changes to tasks we do not have.
		if _, err := e.tree.Get(ctx, task.ByStable(d.StableID)); err != nil {
			return err
		}
		var err error
		t, err = e.emit(ctx, change{typ: oplog.TypeUpdate, details: d})
		return err
	})
	return t, err
}

// RemoveTask deletes a task and its descendants everywhere.
func (e *Engine) RemoveTask(ctx context.Context, id task.StableID) error {
	return e.submit(ctx, "remove task", func(ctx context.Context) error {
		if _, err := e.tree.Get(ctx, task.ByStable(id)); err != nil {
			return err
		}
		_, err := e.emit(ctx, change{typ: oplog.TypeDelete, details: DeleteDetails{StableID: id}})
		return err
	})
}

// Share copies a private subtree into the collaboration under parent. The
// copies get fresh stable ids and reach every peer as regular operations.
func (e *Engine) Share(ctx context.Context, r transfer.PrivateReader, root task.LocalID, parent task.StableID) ([]*task.Task, error) {
	var shared []*task.Task
	err := e.submit(ctx, "share tasks", func(ctx context.Context) error {
		plan, err := transfer.PlanMigration(ctx, r, transfer.MigrateOptions{
			Root:          root,
			Collaboration: e.collab,
			Parent:        parent,
		})
		if err != nil {
			return err
		}
		for _, p := range shareChanges(plan) {
			t, err := e.emit(ctx, p)
			if err != nil {
				return err
			}
			if t != nil && p.typ == oplog.TypeAdd {
				shared = append(shared, t)
			}
		}
		return nil
	})
	return shared, err
}

// shareChanges turns migrated copies into operations: an add per task, then
// the description and status the add cannot carry.
func shareChanges(plan []*task.Task) []change {
	var out []change
	for _, t := range plan {
		out = append(out, change{typ: oplog.TypeAdd, details: AddDetails{
			StableID: t.StableID,
			ParentID: t.ParentStable,
			Name:     t.Name,
		}})
		if t.Description != "" {
			desc := t.Description
			out = append(out, change{typ: oplog.TypeUpdate, details: UpdateDetails{
				Field: FieldDescription, StableID: t.StableID, Description: &desc,
			}})
		}
		if t.Status != task.StatusTodo {
			status, flex := t.Status, t.FlexIndex
			out = append(out, change{typ: oplog.TypeUpdate, details: UpdateDetails{
				Field: FieldStatus, StableID: t.StableID, Status: &status, FlexIndex: &flex,
			}})
		}
	}
	return out
}

// Initialize logs the init operation of a freshly created collaboration and
// adopts its timestamp as the first cursor. Call it before Run.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.running.Load() {
		return ErrAlreadyRunning
	}
	tasks, err := e.tree.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to count tasks: %w", err)
	}
	details, err := change{typ: oplog.TypeInit, details: InitDetails{Tasks: len(tasks)}}.encode()
	if err != nil {
		return err
	}
	op, err := e.transport.LogOperation(ctx, api.LogRequest{
		Collaboration: e.collab,
		Type:          oplog.TypeInit,
		Details:       details,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", e.collab, err)
	}
	return e.advance(ctx, op.CreatedAt)
}
