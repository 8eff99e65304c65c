// Package sync keeps a collaboration's local task tree in step with the
// relay server.
//
// Local mutations are sent to the operation log first and applied to the
// tree only once the log accepted them. Operations pushed by the server are
// replayed onto the tree. Both paths, together with the startup catch-up and
// the snapshot handoff, run on a single consumer so the tree sees operations
// in cursor order.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treetodo/treetodo/internal/api"
	"github.com/treetodo/treetodo/internal/handoff"
	"github.com/treetodo/treetodo/internal/oplog"
	"github.com/treetodo/treetodo/internal/relay"
	"github.com/treetodo/treetodo/internal/retry"
	"github.com/treetodo/treetodo/internal/task"
	"github.com/treetodo/treetodo/internal/tree"
)

var (
	// ErrNobodyAvailable is returned when the engine has no usable cursor and
	// no peer provided the current version.
	ErrNobodyAvailable = errors.New("nobody is online to provide the current version")

	// ErrNotRunning is returned by mutations while Run is not active.
	ErrNotRunning = errors.New("sync engine is not running")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("sync engine is already running")
)

// Transport is the relay server as seen by the engine. *client.Client
// implements it.
type Transport interface {
	LogOperation(ctx context.Context, req api.LogRequest) (*oplog.Operation, error)
	Operations(ctx context.Context, collaboration string, since *time.Time) ([]*oplog.Operation, error)
	RequestCurrent(ctx context.Context, req api.CurrentVersionRequest) (*api.CurrentVersionResponse, error)
	Subscribe(ctx context.Context, collaboration string) (string, <-chan relay.Frame, error)
}

// Store holds the collaboration cursor and takes snapshots. *store.DB
// implements it.
type Store interface {
	Cursor(ctx context.Context, collaboration string) (time.Time, bool, error)
	SetCursor(ctx context.Context, collaboration string, cursor time.Time) error
	ReplaceCollaboration(ctx context.Context, collaboration string, tasks []*task.Task, cursor time.Time) error
}

// Config configures an Engine.
type Config struct {
	// Store keeps the cursor and receives snapshots.
	Store Store

	// Tree is the engine bound to the collaboration.
	Tree *tree.Engine

	// Transport reaches the relay server.
	Transport Transport

	// Notifier receives background failures (default: log only)
	Notifier Notifier

	// Retry wraps cursor writes and handoff requests (default: retry.DefaultPolicy)
	Retry retry.Policy

	// HandoffTimeout is how long to wait for a peer's snapshot (default: 10s)
	HandoffTimeout time.Duration

	// Logger for engine activity (default: stderr logger)
	Logger *log.Logger
}

// Engine synchronizes one collaboration.
type Engine struct {
	collab    string
	store     Store
	tree      *tree.Engine
	transport Transport
	notifier  Notifier
	policy    retry.Policy
	timeout   time.Duration
	logger    *log.Logger

	queue    *queue
	versions chan handoff.Version
	running  atomic.Bool
	ready    chan struct{}
	stopped  chan struct{}

	// Owned by the consumer.
	socketID  string
	cursor    time.Time
	hasCursor bool
}

// New creates an Engine for the collaboration cfg.Tree is bound to.
func New(cfg Config) (*Engine, error) {
	if cfg.Tree == nil || cfg.Tree.Collaboration() == "" {
		return nil, fmt.Errorf("sync engine needs a tree bound to a collaboration")
	}
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("sync engine needs a store and a transport")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier(cfg.Logger)
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 10 * time.Second
	}

	return &Engine{
		collab:    cfg.Tree.Collaboration(),
		store:     cfg.Store,
		tree:      cfg.Tree,
		transport: cfg.Transport,
		notifier:  cfg.Notifier,
		policy:    cfg.Retry,
		timeout:   cfg.HandoffTimeout,
		logger:    cfg.Logger,
		queue:     newQueue(),
		versions:  make(chan handoff.Version, 1),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

// Collaboration returns the synchronized collaboration.
func (e *Engine) Collaboration() string {
	return e.collab
}

// Tree returns the task tree the engine writes to.
func (e *Engine) Tree() *tree.Engine {
	return e.tree
}

// Ready is closed once the catch-up finished.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Run subscribes to the collaboration, catches up and then replays pushed
// operations until ctx is done. It returns nil on cancellation and the
// catch-up error, such as ErrNobodyAvailable, when the engine cannot start.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.stopped)
	defer e.queue.drain(ErrNotRunning)

	// Catch-up is the first job, so every mutation submitted from here on
	// runs after it.
	e.queue.push(job{name: "catch-up", run: e.catchUp, fatal: true})

	socketID, events, err := e.transport.Subscribe(ctx, e.collab)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", e.collab, err)
	}
	e.socketID = socketID

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.readPushes(gctx, events) })
	g.Go(func() error { return e.consume(gctx) })

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readPushes turns pushed events into jobs. Snapshots answering our own
// handoff request bypass the queue since the consumer is waiting for them.
func (e *Engine) readPushes(ctx context.Context, events <-chan relay.Frame) error {
	for {
		var f relay.Frame
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("push connection to %s closed", e.collab)
			}
			f = frame
		}

		switch f.Event {
		case oplog.EventNewOperation:
			var p oplog.Pushed
			if err := json.Unmarshal(f.Data, &p); err != nil {
				e.logger.Printf("Warning: bad %s event: %v", f.Event, err)
				continue
			}
			e.queue.push(job{name: "replay " + string(p.Type), run: func(ctx context.Context) error {
				return e.replay(ctx, p.Type, p.Details, p.Timestamp)
			}})

		case handoff.EventAskedForCurrentVersion:
			e.queue.push(job{name: "provide current version", run: e.provide})

		case handoff.EventGetCurrentVersion:
			var v handoff.Version
			if err := json.Unmarshal(f.Data, &v); err != nil {
				e.logger.Printf("Warning: bad %s event: %v", f.Event, err)
				continue
			}
			select {
			case e.versions <- v:
			default:
				e.logger.Printf("Warning: dropping unexpected current version")
			}
		}
	}
}

// consume runs queued jobs one at a time.
func (e *Engine) consume(ctx context.Context) error {
	for {
		j, err := e.queue.pop(ctx)
		if err != nil {
			return err
		}
		err = j.run(ctx)
		if j.done != nil {
			j.done <- err
		}
		if err == nil {
			continue
		}
		if j.fatal {
			return err
		}
		if j.done == nil && ctx.Err() == nil {
			e.notifier.Notify(Notice{Level: LevelError, Message: "Failed to " + j.name, Err: err})
		}
	}
}

// submit queues fn and waits for its result.
func (e *Engine) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	select {
	case <-e.stopped:
		return ErrNotRunning
	default:
	}

	done := make(chan error, 1)
	e.queue.push(job{name: name, run: fn, done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrNotRunning
	}
}

// replay applies a pushed or fetched operation unless the cursor already
// covers it, then advances the cursor.
func (e *Engine) replay(ctx context.Context, typ oplog.Type, details json.RawMessage, at time.Time) error {
	if e.hasCursor && !at.After(e.cursor) {
		return nil
	}
	if _, err := e.apply(ctx, typ, details); err != nil {
		return fmt.Errorf("failed to replay %s operation: %w", typ, err)
	}
	return e.advance(ctx, at)
}

// advance persists a new cursor.
func (e *Engine) advance(ctx context.Context, at time.Time) error {
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.store.SetCursor(ctx, e.collab, at)
	})
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	e.cursor = at
	e.hasCursor = true
	return nil
}

// loadCursor reads the persisted cursor into the consumer's copy.
func (e *Engine) loadCursor(ctx context.Context) error {
	return retry.Do(ctx, e.policy, func(ctx context.Context) error {
		cursor, ok, err := e.store.Cursor(ctx, e.collab)
		if err != nil {
			return err
		}
		e.cursor, e.hasCursor = cursor, ok
		return nil
	})
}
