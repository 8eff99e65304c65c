package transfer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treetodo/treetodo/internal/store"
	"github.com/treetodo/treetodo/internal/task"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Version:       Version,
		Collaboration: "team1",
		Timestamp:     time.Date(2026, 5, 1, 12, 0, 0, 250000000, time.UTC),
		Tasks: []Entry{
			{ID: "a", Parent: "-1", Name: "Groceries", Status: "todo", FlexIndex: 2},
			{ID: "b", Parent: "a", Name: "Milk", Description: "2 litres", Status: "doing", FlexIndex: 2},
			{ID: "c", Parent: "a", Name: "Eggs", Status: "done", FlexIndex: 2},
		},
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"backup.json", FormatJSON},
		{"backup.YAML", FormatYAML},
		{"backup.yml", FormatYAML},
		{"dir/backup.toml", FormatTOML},
	}
	for _, tt := range tests {
		got, err := FormatFromPath(tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}

	_, err := FormatFromPath("backup.csv")
	assert.Error(t, err)
}

func TestEncodeDecode_AllFormats(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			want := sampleSnapshot()

			var buf bytes.Buffer
			require.NoError(t, want.Encode(&buf, format))

			got, err := Decode(&buf, format)
			require.NoError(t, err)
			assert.Equal(t, want.Collaboration, got.Collaboration)
			assert.True(t, want.Timestamp.Equal(got.Timestamp))
			assert.Equal(t, want.Tasks, got.Tasks)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Snapshot)
	}{
		{"bad version", func(s *Snapshot) { s.Version = 99 }},
		{"duplicate id", func(s *Snapshot) { s.Tasks[2].ID = "b" }},
		{"root id", func(s *Snapshot) { s.Tasks[0].ID = "-1" }},
		{"bad status", func(s *Snapshot) { s.Tasks[1].Status = "blocked" }},
		{"orphan", func(s *Snapshot) { s.Tasks[2].Parent = "zzz" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sampleSnapshot()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
	assert.NoError(t, sampleSnapshot().Validate())
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "team1.yaml")
	require.NoError(t, WriteFile(path, sampleSnapshot()))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got.Tasks, 3)
}

func TestImportCollaboration(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	_, err := db.Add(ctx, &task.Task{Name: "stale", Collaboration: "team1", StableID: "x", ParentStable: task.RootStable})
	require.NoError(t, err)

	snap := sampleSnapshot()
	n, err := ImportCollaboration(ctx, db, "team1", snap)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tasks, err := db.ByCollaboration(ctx, "team1")
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	cursor, ok, err := db.Cursor(ctx, "team1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, snap.Timestamp.Equal(cursor))

	milk, err := db.ByStableID(ctx, "team1", "b")
	require.NoError(t, err)
	assert.Equal(t, task.StableID("a"), milk.ParentStable)
	assert.Equal(t, task.StatusDoing, milk.Status)
	assert.Equal(t, "2 litres", milk.Description)
}

func TestImportPrivate_RemapsIDs(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	// Occupy a few ids so remapping is visible.
	for i := 0; i < 3; i++ {
		_, err := db.Add(ctx, &task.Task{Name: fmt.Sprintf("existing %d", i), ParentLocal: task.RootLocal})
		require.NoError(t, err)
	}

	n, err := ImportPrivate(ctx, db, sampleSnapshot(), task.RootLocal)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	top, err := db.ByParent(ctx, task.RootLocal)
	require.NoError(t, err)
	var groceries *task.Task
	for _, tk := range top {
		if tk.Name == "Groceries" {
			groceries = tk
		}
	}
	require.NotNil(t, groceries)

	children, err := db.ByParent(ctx, groceries.LocalID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestExportPrivate_RoundTrip(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	root, _ := db.Add(ctx, &task.Task{Name: "root", ParentLocal: task.RootLocal, FlexIndex: 2})
	_, _ = db.Add(ctx, &task.Task{Name: "child", ParentLocal: root, FlexIndex: 2})

	all, err := db.ByParent(ctx, task.RootLocal)
	require.NoError(t, err)
	children, err := db.ByParent(ctx, root)
	require.NoError(t, err)

	snap := FromTasks("", append(all, children...), time.Now())
	require.NoError(t, snap.Validate())
	assert.Equal(t, "-1", snap.Tasks[0].Parent)
	assert.Equal(t, snap.Tasks[0].ID, snap.Tasks[1].Parent)
}

func TestMigrateTree(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	root, _ := db.Add(ctx, &task.Task{Name: "Trip", ParentLocal: task.RootLocal, FlexIndex: 2})
	pack, _ := db.Add(ctx, &task.Task{Name: "Pack", ParentLocal: root, FlexIndex: 2, Status: task.StatusDoing})
	_, _ = db.Add(ctx, &task.Task{Name: "Socks", ParentLocal: pack, FlexIndex: 2, Description: "wool"})
	_, _ = db.Add(ctx, &task.Task{Name: "Unrelated", ParentLocal: task.RootLocal, FlexIndex: 4})

	n := 0
	copies, err := MigrateTree(ctx, db, db, MigrateOptions{
		Root:          root,
		Collaboration: "trip",
		NewStableID: func() task.StableID {
			n++
			return task.StableID(fmt.Sprintf("m%d", n))
		},
	})
	require.NoError(t, err)
	require.Len(t, copies, 3)

	assert.Equal(t, task.RootStable, copies[0].ParentStable)
	assert.Equal(t, copies[0].StableID, copies[1].ParentStable)
	assert.Equal(t, copies[1].StableID, copies[2].ParentStable)
	assert.Equal(t, task.StatusDoing, copies[1].Status)
	assert.Equal(t, "wool", copies[2].Description)

	shared, err := db.ByCollaboration(ctx, "trip")
	require.NoError(t, err)
	assert.Len(t, shared, 3)

	// Originals are untouched.
	private, err := db.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, private)
}

func TestPlanMigration_Missing(t *testing.T) {
	db := openStore(t)
	_, err := PlanMigration(context.Background(), db, MigrateOptions{Root: 42, Collaboration: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = PlanMigration(context.Background(), db, MigrateOptions{Root: 42})
	assert.Error(t, err)
}
