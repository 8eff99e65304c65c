package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treetodo/treetodo/internal/store"
)

type published struct {
	channel string
	event   string
	data    any
	exclude string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(channel, event string, data any, exclude string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{channel, event, data, exclude})
	return 2, f.err
}

// fixedClock always returns the same instant unless advanced.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestLog(t *testing.T, pub Publisher, clock *fixedClock) *Log {
	t.Helper()
	l, err := New(context.Background(), openDB(t), Config{
		Publisher: pub,
		Now:       clock.Now,
		Logger:    log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	return l
}

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func add(t *testing.T, l *Log, collab, stableID string) *Operation {
	t.Helper()
	op, err := l.Append(context.Background(), AppendRequest{
		Collaboration: collab,
		Type:          TypeAdd,
		Details:       json.RawMessage(`{"stableId":"` + stableID + `","parentId":"-1","name":"x"}`),
		SocketID:      "sock-1",
	})
	require.NoError(t, err)
	return op
}

func TestAppend_Validation(t *testing.T) {
	l := newTestLog(t, nil, newClock())
	ctx := context.Background()

	_, err := l.Append(ctx, AppendRequest{Collaboration: "team1", Type: "rename"})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = l.Append(ctx, AppendRequest{Type: TypeAdd})
	assert.Error(t, err)

	_, err = l.Append(ctx, AppendRequest{Collaboration: "team1", Type: TypeAdd, Details: json.RawMessage(`{nope`)})
	assert.Error(t, err)

	op, err := l.Append(ctx, AppendRequest{Collaboration: "team1", Type: TypeDelete})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(op.Details))
}

func TestAppend_FanOut(t *testing.T) {
	pub := &fakePublisher{}
	l := newTestLog(t, pub, newClock())

	op := add(t, l, "team1", "s1")

	require.Len(t, pub.sent, 1)
	got := pub.sent[0]
	assert.Equal(t, "private-team1", got.channel)
	assert.Equal(t, EventNewOperation, got.event)
	assert.Equal(t, "sock-1", got.exclude)
	pushed, ok := got.data.(Pushed)
	require.True(t, ok)
	assert.Equal(t, TypeAdd, pushed.Type)
	assert.True(t, op.CreatedAt.Equal(pushed.Timestamp))

	_, err := l.Append(context.Background(), AppendRequest{Collaboration: "team1", Type: TypeInit})
	require.NoError(t, err)
	assert.Len(t, pub.sent, 1, "init operations are not fanned out")
}

func TestAppend_PublishFailureKeepsOperation(t *testing.T) {
	pub := &fakePublisher{err: errors.New("hub down")}
	l := newTestLog(t, pub, newClock())

	add(t, l, "team1", "s1")

	n, err := l.Count(context.Background(), "team1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppend_CursorsStrictlyIncrease(t *testing.T) {
	clock := newClock()
	l := newTestLog(t, nil, clock)

	a := add(t, l, "team1", "a")
	b := add(t, l, "team1", "b")
	clock.Advance(-time.Hour)
	c := add(t, l, "team1", "c")

	assert.True(t, b.CreatedAt.After(a.CreatedAt))
	assert.True(t, c.CreatedAt.After(b.CreatedAt))
	assert.Equal(t, time.Microsecond, b.CreatedAt.Sub(a.CreatedAt))

	// Other collaborations have their own sequence.
	other := add(t, l, "team2", "a")
	assert.True(t, other.CreatedAt.Equal(clock.Now().Truncate(time.Microsecond)))
}

func TestAppend_ResumesAfterRestart(t *testing.T) {
	db := openDB(t)
	clock := newClock()
	cfg := Config{Now: clock.Now, Logger: log.New(io.Discard, "", 0)}

	first, err := New(context.Background(), db, cfg)
	require.NoError(t, err)
	a := add(t, first, "team1", "a")

	second, err := New(context.Background(), db, cfg)
	require.NoError(t, err)
	b := add(t, second, "team1", "b")

	assert.True(t, b.CreatedAt.After(a.CreatedAt))
}

func TestListSince(t *testing.T) {
	clock := newClock()
	l := newTestLog(t, nil, clock)
	ctx := context.Background()

	a := add(t, l, "team1", "a")
	clock.Advance(time.Second)
	b := add(t, l, "team1", "b")
	clock.Advance(time.Second)
	c := add(t, l, "team1", "c")
	add(t, l, "team2", "z")

	all, err := l.ListSince(ctx, "team1", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a.ID, all[0].ID)

	since := a.CreatedAt
	rest, err := l.ListSince(ctx, "team1", &since)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, b.ID, rest[0].ID)
	assert.Equal(t, c.ID, rest[1].ID)
	assert.JSONEq(t, `{"stableId":"b","parentId":"-1","name":"x"}`, string(rest[0].Details))

	latest := c.CreatedAt
	none, err := l.ListSince(ctx, "team1", &latest)
	require.NoError(t, err)
	assert.Empty(t, none)

	bogus := a.CreatedAt.Add(time.Millisecond)
	_, err = l.ListSince(ctx, "team1", &bogus)
	assert.ErrorIs(t, err, ErrCursorInvalid)

	// A cursor from another collaboration is not valid here.
	_, err = l.ListSince(ctx, "team2", &since)
	assert.ErrorIs(t, err, ErrCursorInvalid)
}

func TestPrune_InvalidatesOldCursors(t *testing.T) {
	clock := newClock()
	l := newTestLog(t, nil, clock)
	ctx := context.Background()

	yesterday := add(t, l, "team1", "a")
	clock.Advance(24 * time.Hour)
	today := add(t, l, "team1", "b")

	n, err := l.Prune(ctx, "team1", today.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	since := yesterday.CreatedAt
	_, err = l.ListSince(ctx, "team1", &since)
	assert.ErrorIs(t, err, ErrCursorInvalid)

	since = today.CreatedAt
	ops, err := l.ListSince(ctx, "team1", &since)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestPruneOnce_Retention(t *testing.T) {
	clock := newClock()
	l := newTestLog(t, nil, clock)
	ctx := context.Background()

	add(t, l, "team1", "old")
	add(t, l, "team2", "old")
	clock.Advance(48 * time.Hour)
	add(t, l, "team1", "new")

	// No retention keeps everything.
	l.pruneOnce(ctx)
	n, _ := l.Count(ctx, "team1")
	assert.Equal(t, 2, n)

	l.SetRetention(24 * time.Hour)
	assert.Equal(t, 24*time.Hour, l.Retention())
	l.pruneOnce(ctx)

	n, _ = l.Count(ctx, "team1")
	assert.Equal(t, 1, n)
	n, _ = l.Count(ctx, "team2")
	assert.Equal(t, 0, n)
}

func TestRunPruner_StopsOnCancel(t *testing.T) {
	l := newTestLog(t, nil, newClock())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.RunPruner(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPruner did not stop after cancel")
	}
}
