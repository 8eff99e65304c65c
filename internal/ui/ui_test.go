package ui

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/treetodo/treetodo/internal/sync"
	"github.com/treetodo/treetodo/internal/task"
)

func init() {
	DisableColor()
}

func TestTree(t *testing.T) {
	tasks := []*task.Task{
		{LocalID: 1, ParentLocal: task.RootLocal, Name: "Groceries", FlexIndex: 2},
		{LocalID: 2, ParentLocal: 1, Name: "Milk", FlexIndex: 4},
		{LocalID: 3, ParentLocal: 1, Name: "Eggs", FlexIndex: 2},
		{LocalID: 4, ParentLocal: task.RootLocal, Name: "Taxes", Status: task.StatusDone, FlexIndex: 2},
	}

	lines := strings.Split(Tree(tasks), "\n")
	assert.Equal(t, []string{
		"[ ] Groceries 1",
		"  [ ] Eggs 3",
		"  [ ] Milk 2",
		"[x] Taxes 4",
	}, lines)
}

func TestBoard(t *testing.T) {
	out := Board([]*task.Task{
		{Collaboration: "team1", StableID: "s1", ParentStable: task.RootStable, Name: "Buy milk", FlexIndex: 2},
		{Collaboration: "team1", StableID: "s2", ParentStable: task.RootStable, Name: "Buy eggs", Status: task.StatusDoing, FlexIndex: 2},
	})
	assert.Contains(t, out, "TODO (1)")
	assert.Contains(t, out, "DOING (1)")
	assert.Contains(t, out, "DONE (0)")
	assert.Contains(t, out, "Buy milk s1")
}

func TestBreadcrumb(t *testing.T) {
	out := Breadcrumb("team1", []*task.Task{{Name: "Groceries"}, {Name: "Dairy"}})
	assert.Equal(t, "team1 › Groceries › Dairy", out)
}

func TestNotice(t *testing.T) {
	assert.Equal(t, "Caught up", Notice(sync.Notice{Message: "Caught up"}))
	assert.Equal(t, "Error: Failed to replay: boom",
		Notice(sync.Notice{Level: sync.LevelError, Message: "Failed to replay", Err: errors.New("boom")}))
}
