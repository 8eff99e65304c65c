package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/treetodo/treetodo/internal/store"
	"github.com/treetodo/treetodo/internal/task"
)

func genSnapshot(rt *rapid.T) *Snapshot {
	s := &Snapshot{Version: Version, Timestamp: time.Unix(rapid.Int64Range(0, 1<<32).Draw(rt, "ts"), 0).UTC()}
	n := rapid.IntRange(0, 15).Draw(rt, "n")
	for i := 0; i < n; i++ {
		parent := rootKey
		if i > 0 && rapid.Bool().Draw(rt, "nested") {
			parent = s.Tasks[rapid.IntRange(0, i-1).Draw(rt, "parent")].ID
		}
		s.Tasks = append(s.Tasks, Entry{
			ID:          fmt.Sprintf("id-%d", i),
			Parent:      parent,
			Name:        rapid.StringMatching(`[a-z ]{1,12}`).Draw(rt, "name"),
			Description: rapid.StringMatching(`[a-z]{0,8}`).Draw(rt, "desc"),
			Status:      rapid.SampledFrom([]string{"todo", "doing", "done"}).Draw(rt, "status"),
			FlexIndex:   rapid.IntRange(1, 40).Draw(rt, "flex"),
		})
	}
	return s
}

func sortedEntries(entries []Entry) []Entry {
	out := append([]Entry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Importing a snapshot into an empty store and exporting it again yields the
// same tasks.
func TestProperty_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		db, err := store.Open(filepath.Join(dir, fmt.Sprintf("roundtrip-%d.db", run)))
		if err != nil {
			rt.Fatalf("store.Open() failed: %v", err)
		}
		defer db.Close()
		ctx := context.Background()

		snap := genSnapshot(rt)
		if _, err := ImportCollaboration(ctx, db, "team1", snap); err != nil {
			rt.Fatalf("ImportCollaboration: %v", err)
		}

		tasks, err := db.ByCollaboration(ctx, "team1")
		if err != nil {
			rt.Fatalf("ByCollaboration: %v", err)
		}
		back := FromTasks("team1", tasks, snap.Timestamp)

		want, got := sortedEntries(snap.Tasks), sortedEntries(back.Tasks)
		if len(want) != len(got) {
			rt.Fatalf("got %d tasks, want %d", len(got), len(want))
		}
		for i := range want {
			if want[i] != got[i] {
				rt.Fatalf("task %d differs:\n got %+v\nwant %+v", i, got[i], want[i])
			}
		}

		cursor, ok, err := db.Cursor(ctx, "team1")
		if err != nil || !ok || !cursor.Equal(snap.Timestamp) {
			rt.Fatalf("cursor = %v, %v, %v; want %v", cursor, ok, err, snap.Timestamp)
		}
	})
}

// Stable ids stay unique within a collaboration no matter how often a
// remote add is replayed.
func TestProperty_StableIDUnique(t *testing.T) {
	dir := t.TempDir()
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		db, err := store.Open(filepath.Join(dir, fmt.Sprintf("unique-%d.db", run)))
		if err != nil {
			rt.Fatalf("store.Open() failed: %v", err)
		}
		defer db.Close()
		ctx := context.Background()

		ids := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d"}), 1, 20).Draw(rt, "ids")
		distinct := map[string]bool{}
		for _, id := range ids {
			_, _ = db.Add(ctx, &task.Task{
				Name:          id,
				Collaboration: "team1",
				StableID:      task.StableID(id),
				ParentStable:  task.RootStable,
			})
			distinct[id] = true
		}

		n, err := db.Count(ctx, "team1")
		if err != nil {
			rt.Fatalf("Count: %v", err)
		}
		if n != len(distinct) {
			rt.Fatalf("%d tasks stored for %d distinct stable ids", n, len(distinct))
		}
	})
}
