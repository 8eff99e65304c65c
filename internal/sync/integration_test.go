package sync

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/treetodo/treetodo/internal/client"
	"github.com/treetodo/treetodo/internal/retry"
	"github.com/treetodo/treetodo/internal/server"
	"github.com/treetodo/treetodo/internal/store"
	"github.com/treetodo/treetodo/internal/task"
	"github.com/treetodo/treetodo/internal/tree"
)

func startRelay(t *testing.T) string {
	t.Helper()
	s, err := server.New(&server.Config{
		Addr:       "127.0.0.1:0",
		DBPath:     filepath.Join(t.TempDir(), "server.db"),
		BcryptCost: bcrypt.MinCost,
		Logger:     log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return "http://" + s.Addr()
}

type device struct {
	db     *store.DB
	client *client.Client
	engine *Engine
}

func newDevice(t *testing.T, base string) *device {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	c, err := client.New(client.Config{BaseURL: base, Logger: quiet})
	require.NoError(t, err)

	db := openStore(t)
	policy := retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	e, err := New(Config{
		Store:          db,
		Tree:           tree.New(db, tree.Config{Collaboration: "team1", Retry: policy, Logger: quiet}),
		Transport:      c,
		Retry:          policy,
		HandoffTimeout: 5 * time.Second,
		Logger:         quiet,
	})
	require.NoError(t, err)
	return &device{db: db, client: c, engine: e}
}

type shape struct {
	Name   string
	Parent task.StableID
	Status task.Status
	Flex   int
}

func shapes(t *testing.T, db *store.DB) map[task.StableID]shape {
	t.Helper()
	tasks, err := db.ByCollaboration(context.Background(), "team1")
	require.NoError(t, err)
	out := map[task.StableID]shape{}
	for _, tk := range tasks {
		out[tk.StableID] = shape{Name: tk.Name, Parent: tk.ParentStable, Status: tk.Status, Flex: tk.FlexIndex}
	}
	return out
}

func TestIntegration_HandoffAndLivePush(t *testing.T) {
	ctx := context.Background()
	base := startRelay(t)

	alice := newDevice(t, base)
	require.NoError(t, alice.client.Create(ctx, "team1", "password1"))
	require.NoError(t, alice.engine.Initialize(ctx))
	run(t, alice.engine)

	groceries, err := alice.engine.AddTask(ctx, "Groceries", task.Root)
	require.NoError(t, err)
	under := task.UnderStable(groceries.StableID)
	for _, name := range []string{"Milk", "Eggs", "Bread"} {
		_, err := alice.engine.AddTask(ctx, name, under)
		require.NoError(t, err)
	}
	laundry, err := alice.engine.AddTask(ctx, "Laundry", task.Root)
	require.NoError(t, err)
	_, err = alice.engine.SetStatus(ctx, laundry.StableID, task.StatusDoing, 0)
	require.NoError(t, err)

	// Bob has never synced: he gets alice's five tasks through the handoff.
	bob := newDevice(t, base)
	require.NoError(t, bob.client.Join(ctx, "team1", "password1"))
	run(t, bob.engine)

	assert.Len(t, shapes(t, bob.db), 5)
	assert.Equal(t, shapes(t, alice.db), shapes(t, bob.db))
	assert.True(t, cursorOf(t, bob.db).Equal(cursorOf(t, alice.db)))

	// From now on changes travel as pushed operations.
	_, err = alice.engine.AddTask(ctx, "Taxes", task.Root)
	require.NoError(t, err)
	_, err = bob.engine.RenameTask(ctx, groceries.StableID, "Shopping")
	require.NoError(t, err)
	require.NoError(t, bob.engine.RemoveTask(ctx, laundry.StableID))

	require.Eventually(t, func() bool {
		a, b := shapes(t, alice.db), shapes(t, bob.db)
		return len(a) == 5 && assert.ObjectsAreEqual(a, b)
	}, 5*time.Second, 20*time.Millisecond)

	names := []string{}
	for _, s := range shapes(t, alice.db) {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"Bread", "Eggs", "Milk", "Shopping", "Taxes"}, names)
}

func TestIntegration_NobodyOnline(t *testing.T) {
	ctx := context.Background()
	base := startRelay(t)

	alice := newDevice(t, base)
	require.NoError(t, alice.client.Create(ctx, "team1", "password1"))

	// Alice never initialized and nobody else is online.
	err := alice.engine.Run(ctx)
	assert.ErrorIs(t, err, ErrNobodyAvailable)
}

func TestIntegration_SessionExpired(t *testing.T) {
	ctx := context.Background()
	base := startRelay(t)

	alice := newDevice(t, base)
	err := alice.engine.Run(ctx)
	assert.ErrorIs(t, err, client.ErrSessionExpired)
}
