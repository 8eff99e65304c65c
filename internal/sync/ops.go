package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/treetodo/treetodo/internal/oplog"
	"github.com/treetodo/treetodo/internal/store"
	"github.com/treetodo/treetodo/internal/task"
	"github.com/treetodo/treetodo/internal/tree"
)

// Update fields.
const (
	FieldName        = "name"
	FieldDescription = "description"
	FieldStatus      = "status"
)

// AddDetails are the details of an add operation.
type AddDetails struct {
	StableID task.StableID `json:"stableId"`
	ParentID task.StableID `json:"parentId"`
	Name     string        `json:"name"`
}

// UpdateDetails are the details of an update operation. Field selects which
// of the optional values applies.
type UpdateDetails struct {
	Field       string        `json:"field"`
	StableID    task.StableID `json:"stableId"`
	Name        string        `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *task.Status  `json:"status,omitempty"`
	FlexIndex   *int          `json:"flexIndex,omitempty"`
}

// DeleteDetails are the details of a delete operation.
type DeleteDetails struct {
	StableID task.StableID `json:"stableId"`
}

// InitDetails are the details of the init operation.
type InitDetails struct {
	Tasks int `json:"tasks"`
}

// change is an operation not yet sent to the log.
type change struct {
	typ     oplog.Type
	details any
}

func (c change) encode() (json.RawMessage, error) {
	raw, err := json.Marshal(c.details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s details: %w", c.typ, err)
	}
	return raw, nil
}

// apply replays an operation onto the tree. Operations whose target is gone,
// or adds that already happened, are no-ops. It returns the task the
// operation produced or touched, if any.
func (e *Engine) apply(ctx context.Context, typ oplog.Type, details json.RawMessage) (*task.Task, error) {
	switch typ {
	case oplog.TypeInit:
		return nil, nil

	case oplog.TypeAdd:
		var d AddDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return nil, fmt.Errorf("invalid add details: %w", err)
		}
		if d.StableID == "" {
			return nil, fmt.Errorf("invalid add details: missing stableId")
		}
		parent := task.Root
		if d.ParentID != "" {
			parent = task.UnderStable(d.ParentID)
		}
		t, err := e.tree.AddTask(ctx, tree.AddRequest{Name: d.Name, Parent: parent, StableID: d.StableID})
		switch {
		case errors.Is(err, store.ErrDuplicateStableID):
			e.logger.Printf("Task %s already exists, skipping add", d.StableID)
			return nil, nil
		case errors.Is(err, store.ErrNotFound):
			e.logger.Printf("Warning: parent %s of %s is gone, skipping add", d.ParentID, d.StableID)
			return nil, nil
		}
		return t, err

	case oplog.TypeUpdate:
		var d UpdateDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return nil, fmt.Errorf("invalid update details: %w", err)
		}
		ref := task.ByStable(d.StableID)
		var (
			t   *task.Task
			err error
		)
		switch d.Field {
		case FieldName:
			t, err = e.tree.RenameTask(ctx, ref, d.Name)
		case FieldDescription:
			desc := ""
			if d.Description != nil {
				desc = *d.Description
			}
			t, err = e.tree.UpdateDescription(ctx, ref, desc)
		case FieldStatus:
			if d.Status == nil {
				return nil, fmt.Errorf("invalid update details: missing status")
			}
			flex := tree.FlexIndexForPosition(0)
			if d.FlexIndex != nil {
				flex = *d.FlexIndex
			}
			t, err = e.tree.SetStatusAndReorder(ctx, ref, *d.Status, flex)
		default:
			return nil, fmt.Errorf("invalid update details: unknown field %q", d.Field)
		}
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Printf("Warning: task %s is gone, skipping %s update", d.StableID, d.Field)
			return nil, nil
		}
		return t, err

	case oplog.TypeDelete:
		var d DeleteDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return nil, fmt.Errorf("invalid delete details: %w", err)
		}
		_, err := e.tree.RemoveTask(ctx, task.ByStable(d.StableID))
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err

	default:
		return nil, fmt.Errorf("%q: %w", typ, oplog.ErrInvalidType)
	}
}
