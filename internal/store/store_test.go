package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treetodo/treetodo/internal/task"
)

// openTestDB returns a fresh database in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func collabTask(collab string, id, parent task.StableID, name string) *task.Task {
	return &task.Task{
		Name:          name,
		Collaboration: collab,
		StableID:      id,
		ParentStable:  parent,
	}
}

func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, path, db.Path())

	tables := []string{"private_tasks", "collab_tasks", "cursors"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.InitSchema(context.Background()))
	require.NoError(t, db.InitSchema(context.Background()))
}

func TestAddGet_Private(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.Add(ctx, &task.Task{Name: "Buy milk", ParentLocal: task.RootLocal, FlexIndex: 2})
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := db.Get(ctx, false, id)
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", got.Name)
	assert.Equal(t, task.RootLocal, got.ParentLocal)
	assert.Equal(t, 2, got.FlexIndex)
	assert.False(t, got.IsCollaborative())

	_, err = db.Get(ctx, true, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPartitions_Independent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	privateID, err := db.Add(ctx, &task.Task{Name: "private", ParentLocal: task.RootLocal})
	require.NoError(t, err)
	collabID, err := db.Add(ctx, collabTask("team1", "s1", task.RootStable, "shared"))
	require.NoError(t, err)

	// Both partitions start counting at 1.
	assert.Equal(t, privateID, collabID)

	p, err := db.Get(ctx, false, privateID)
	require.NoError(t, err)
	c, err := db.Get(ctx, true, collabID)
	require.NoError(t, err)
	assert.Equal(t, "private", p.Name)
	assert.Equal(t, "shared", c.Name)
}

func TestAdd_DuplicateStableID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Add(ctx, collabTask("team1", "s1", task.RootStable, "first"))
	require.NoError(t, err)

	_, err = db.Add(ctx, collabTask("team1", "s1", task.RootStable, "second"))
	assert.ErrorIs(t, err, ErrDuplicateStableID)
	assert.False(t, IsTransient(err))

	// Same stable id in another collaboration is fine.
	_, err = db.Add(ctx, collabTask("team2", "s1", task.RootStable, "other"))
	require.NoError(t, err)

	tasks, err := db.ByCollaboration(ctx, "team1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestAdd_Invalid(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Add(context.Background(), &task.Task{Name: "x", Collaboration: "team1"})
	assert.Error(t, err)
}

func TestUpdate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.Add(ctx, collabTask("team1", "s1", task.RootStable, "old"))
	require.NoError(t, err)

	got, err := db.Get(ctx, true, id)
	require.NoError(t, err)
	got.Name = "new"
	got.Status = task.StatusDone
	got.FlexIndex = 8
	require.NoError(t, db.Update(ctx, got))

	again, err := db.ByStableID(ctx, "team1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "new", again.Name)
	assert.Equal(t, task.StatusDone, again.Status)
	assert.Equal(t, 8, again.FlexIndex)

	missing := got.Clone()
	missing.LocalID = 999
	assert.ErrorIs(t, db.Update(ctx, missing), ErrNotFound)
}

func TestBatchUpdate_AllOrNothing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a, err := db.Add(ctx, &task.Task{Name: "a", ParentLocal: task.RootLocal, FlexIndex: 2})
	require.NoError(t, err)
	b, err := db.Add(ctx, &task.Task{Name: "b", ParentLocal: task.RootLocal, FlexIndex: 4})
	require.NoError(t, err)

	ta, _ := db.Get(ctx, false, a)
	tb, _ := db.Get(ctx, false, b)
	ta.FlexIndex, tb.FlexIndex = 4, 2
	ghost := &task.Task{LocalID: 777, Name: "ghost", ParentLocal: task.RootLocal}

	err = db.BatchUpdate(ctx, []*task.Task{ta, tb, ghost})
	assert.ErrorIs(t, err, ErrNotFound)

	ta2, _ := db.Get(ctx, false, a)
	assert.Equal(t, 2, ta2.FlexIndex, "failed batch must not persist partial updates")

	require.NoError(t, db.BatchUpdate(ctx, []*task.Task{ta, tb}))
	children, err := db.ByParent(ctx, task.RootLocal)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "b", children[0].Name)
	assert.Equal(t, "a", children[1].Name)
}

func TestDelete_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.Add(ctx, &task.Task{Name: "x", ParentLocal: task.RootLocal})
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, false, id))
	require.NoError(t, db.Delete(ctx, false, id))

	_, err = db.Get(ctx, false, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestByParentInCollaboration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, tk := range []*task.Task{
		collabTask("team1", "root", task.RootStable, "root"),
		collabTask("team1", "c1", "root", "child 1"),
		collabTask("team1", "c2", "root", "child 2"),
		collabTask("team2", "c3", "root", "other collaboration"),
	} {
		_, err := db.Add(ctx, tk)
		require.NoError(t, err)
	}

	children, err := db.ByParentInCollaboration(ctx, "team1", "root")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	top, err := db.ByParentInCollaboration(ctx, "team1", task.RootStable)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, task.StableID("root"), top[0].StableID)
}

func TestReplaceCollaboration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Add(ctx, collabTask("team1", "stale", task.RootStable, "stale"))
	require.NoError(t, err)
	_, err = db.Add(ctx, collabTask("team2", "keep", task.RootStable, "keep"))
	require.NoError(t, err)

	cursor := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	err = db.ReplaceCollaboration(ctx, "team1", []*task.Task{
		collabTask("team1", "a", task.RootStable, "a"),
		collabTask("team1", "b", "a", "b"),
	}, cursor)
	require.NoError(t, err)

	tasks, err := db.ByCollaboration(ctx, "team1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	other, err := db.ByCollaboration(ctx, "team2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	got, ok, err := db.Cursor(ctx, "team1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, cursor.Equal(got))
}

func TestReplaceCollaboration_DuplicateRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Add(ctx, collabTask("team1", "old", task.RootStable, "old"))
	require.NoError(t, err)

	err = db.ReplaceCollaboration(ctx, "team1", []*task.Task{
		collabTask("team1", "dup", task.RootStable, "a"),
		collabTask("team1", "dup", task.RootStable, "b"),
	}, time.Now())
	assert.ErrorIs(t, err, ErrDuplicateStableID)

	tasks, err := db.ByCollaboration(ctx, "team1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "old", tasks[0].Name)
}

func TestCursor_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.Cursor(ctx, "team1")
	require.NoError(t, err)
	assert.False(t, ok)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	require.NoError(t, db.SetCursor(ctx, "team1", ts))
	require.NoError(t, db.SetCursor(ctx, "team1", ts.Add(time.Second)))

	got, ok, err := db.Cursor(ctx, "team1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ts.Add(time.Second).Equal(got))

	require.NoError(t, db.ClearCursor(ctx, "team1"))
	_, ok, err = db.Cursor(ctx, "team1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _ = db.Add(ctx, &task.Task{Name: "p", ParentLocal: task.RootLocal})
	_, _ = db.Add(ctx, collabTask("team1", "a", task.RootStable, "a"))
	_, _ = db.Add(ctx, collabTask("team1", "b", task.RootStable, "b"))

	n, err := db.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = db.Count(ctx, "team1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
