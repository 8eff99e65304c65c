package task

import "fmt"

// Ref points at a task in either id space. Exactly one of Local or Stable is
// meaningful, depending on the partition the caller works in.
type Ref struct {
	Local  LocalID
	Stable StableID
}

// ByLocal references a private task.
func ByLocal(id LocalID) Ref { return Ref{Local: id} }

// ByStable references a collaboration task.
func ByStable(id StableID) Ref { return Ref{Stable: id} }

// RefOf returns the reference callers of the task's partition use.
func RefOf(t *Task) Ref {
	if t.IsCollaborative() {
		return ByStable(t.StableID)
	}
	return ByLocal(t.LocalID)
}

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool {
	return r.Local == 0 && r.Stable == ""
}

func (r Ref) String() string {
	if r.Stable != "" {
		return string(r.Stable)
	}
	return fmt.Sprintf("#%d", r.Local)
}

// ParentRef names the parent a task is attached to. The zero value is the root.
type ParentRef struct {
	Local  LocalID
	Stable StableID
}

// Root is the top level of a tree in either partition.
var Root = ParentRef{}

// UnderLocal attaches to a private parent.
func UnderLocal(id LocalID) ParentRef {
	if id == RootLocal {
		return Root
	}
	return ParentRef{Local: id}
}

// UnderStable attaches to a collaboration parent.
func UnderStable(id StableID) ParentRef {
	if id == RootStable {
		return Root
	}
	return ParentRef{Stable: id}
}

// Under attaches to the given task.
func Under(t *Task) ParentRef {
	if t.IsCollaborative() {
		return UnderStable(t.StableID)
	}
	return UnderLocal(t.LocalID)
}

// IsRoot reports whether p is the top level.
func (p ParentRef) IsRoot() bool {
	return p.Local == 0 && p.Stable == ""
}

// LocalKey returns the private parent id, RootLocal for the root.
func (p ParentRef) LocalKey() LocalID {
	if p.Local == 0 {
		return RootLocal
	}
	return p.Local
}

// StableKey returns the collaboration parent id, RootStable for the root.
func (p ParentRef) StableKey() StableID {
	if p.Stable == "" {
		return RootStable
	}
	return p.Stable
}

// ParentOf returns the reference to the parent a task is attached to.
func ParentOf(t *Task) ParentRef {
	if t.IsCollaborative() {
		return UnderStable(t.ParentStable)
	}
	return UnderLocal(t.ParentLocal)
}
