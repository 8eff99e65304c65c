// Package task provides the data structures shared by the local store, the
// tree engine and the sync engine.
//
// A task lives in exactly one of two partitions:
//   - private tasks, identified by a storage-local LocalID and parented by
//     another task's LocalID
//   - collaboration tasks, identified across devices by a StableID and
//     parented by another task's StableID
//
// The two id spaces are distinct types so a lookup cannot accidentally mix them.
package task

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// LocalID is the auto-assigned, storage-local identity of a task.
// It is never shared across devices.
type LocalID int64

// StableID is the client-generated identity all collaborators agree on.
type StableID string

const (
	// RootLocal is the parent of top-level private tasks.
	RootLocal LocalID = -1

	// RootStable is the parent of top-level collaboration tasks.
	RootStable StableID = "-1"
)

// Status is the column a task is displayed in.
type Status int

const (
	StatusTodo Status = iota
	StatusDoing
	StatusDone
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusTodo:
		return "todo"
	case StatusDoing:
		return "doing"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	return s >= StatusTodo && s <= StatusDone
}

// ParseStatus accepts a status name or its numeric value.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "todo", "TODO":
		return StatusTodo, nil
	case "doing", "DOING":
		return StatusDoing, nil
	case "done", "DONE":
		return StatusDone, nil
	}
	n, err := strconv.Atoi(v)
	if err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return 0, fmt.Errorf("unknown status %q (want todo, doing or done)", v)
}

// Task is a single node of a task tree.
type Task struct {
	LocalID     LocalID `json:"-" yaml:"-" toml:"-"`
	Name        string  `json:"name" yaml:"name" toml:"name"`
	Description string  `json:"description" yaml:"description" toml:"description"`
	Status      Status  `json:"status" yaml:"status" toml:"status"`
	FlexIndex   int     `json:"flexIndex" yaml:"flex_index" toml:"flex_index"`

	// ParentLocal is used by private tasks only.
	ParentLocal LocalID `json:"-" yaml:"-" toml:"-"`

	// Collaboration, StableID and ParentStable are set for collaboration tasks only.
	Collaboration string   `json:"collaborationId,omitempty" yaml:"collaboration,omitempty" toml:"collaboration,omitempty"`
	StableID      StableID `json:"stableId,omitempty" yaml:"stable_id,omitempty" toml:"stable_id,omitempty"`
	ParentStable  StableID `json:"parentId,omitempty" yaml:"parent_id,omitempty" toml:"parent_id,omitempty"`
}

// IsCollaborative reports whether the task belongs to a collaboration.
func (t *Task) IsCollaborative() bool {
	return t.Collaboration != ""
}

// Clone returns a copy of t.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// Validate checks the partition invariants of a task.
func (t *Task) Validate() error {
	if !t.Status.Valid() {
		return fmt.Errorf("status must be todo, doing or done (got %d)", t.Status)
	}
	if t.IsCollaborative() {
		if t.StableID == "" {
			return fmt.Errorf("stable id is required for collaboration tasks")
		}
		if t.ParentStable == "" {
			return fmt.Errorf("parent id is required for collaboration tasks")
		}
		if t.ParentStable == t.StableID {
			return fmt.Errorf("task %s cannot be its own parent", t.StableID)
		}
		return nil
	}
	if t.StableID != "" || t.ParentStable != "" {
		return fmt.Errorf("private tasks cannot carry a stable id")
	}
	if t.LocalID != 0 && t.ParentLocal == t.LocalID {
		return fmt.Errorf("task %d cannot be its own parent", t.LocalID)
	}
	return nil
}

// NewStableID returns a fresh stable id: a millisecond timestamp followed by
// a random UUID.
func NewStableID() StableID {
	return StableID(fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()))
}
