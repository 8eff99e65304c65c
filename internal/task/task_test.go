package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_Private(t *testing.T) {
	tk := &Task{Name: "Buy milk", ParentLocal: RootLocal}
	assert.NoError(t, tk.Validate())

	tk.StableID = "x"
	assert.Error(t, tk.Validate())
}

func TestValidate_Collaboration(t *testing.T) {
	tk := &Task{Name: "Buy milk", Collaboration: "team1", ParentStable: RootStable}
	assert.ErrorContains(t, tk.Validate(), "stable id is required")

	tk.StableID = NewStableID()
	assert.NoError(t, tk.Validate())

	tk.ParentStable = tk.StableID
	assert.ErrorContains(t, tk.Validate(), "own parent")
}

func TestValidate_Status(t *testing.T) {
	tk := &Task{Name: "x", Status: Status(7)}
	assert.Error(t, tk.Validate())
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{"todo": StatusTodo, "DOING": StatusDoing, "2": StatusDone} {
		got, err := ParseStatus(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStatus("later")
	assert.Error(t, err)
}

func TestNewStableID_Unique(t *testing.T) {
	a, b := NewStableID(), NewStableID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(string(a), "-"))
}

func TestParentRef_Keys(t *testing.T) {
	assert.True(t, UnderLocal(RootLocal).IsRoot())
	assert.True(t, UnderStable(RootStable).IsRoot())
	assert.Equal(t, RootLocal, Root.LocalKey())
	assert.Equal(t, RootStable, Root.StableKey())

	collab := &Task{Collaboration: "c", StableID: "s1", ParentStable: "p1"}
	assert.Equal(t, StableID("p1"), ParentOf(collab).StableKey())
	assert.Equal(t, ByStable("s1"), RefOf(collab))

	private := &Task{LocalID: 4, ParentLocal: RootLocal}
	assert.True(t, ParentOf(private).IsRoot())
	assert.Equal(t, LocalID(4), Under(private).LocalKey())
}
