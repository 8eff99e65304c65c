// Package handoff coordinates the server side of the snapshot handoff: a
// client without a usable cursor asks its peers for the current version of
// a collaboration, one peer claims the request and sends its whole task set,
// which is forwarded to the requester.
//
// The Coordinator owns the table of open request windows, at most one per
// collaboration. Every window carries a timer; the window and its timer are
// removed together when the snapshot is delivered, when nobody else is
// subscribed, or when the timer fires.
package handoff

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/treetodo/treetodo/internal/task"
)

// Push events.
const (
	// EventAskedForCurrentVersion probes the peers of a collaboration.
	EventAskedForCurrentVersion = "asked-for-current-version"

	// EventGetCurrentVersion answers the requester with a Version.
	EventGetCurrentVersion = "get-current-version"
)

// Messages returned to the requester.
const (
	MessageNobody        = "Noone to provide current version"
	MessageMayProvide    = "Someone may provide current version"
	MessageAlreadyAsking = "Someone is already asking for current version"
)

var (
	// ErrAlreadyAsking is returned when a window is already open for the collaboration.
	ErrAlreadyAsking = errors.New("someone is already asking for current version")

	// ErrWindowClosed is returned when a window was already claimed or does not exist.
	ErrWindowClosed = errors.New("data has already been provided")

	// ErrNotEstablished is returned when a snapshot is sent before claiming the window.
	ErrNotEstablished = errors.New("establish connection first")

	// ErrWrongSocket is returned when a snapshot comes from a socket other than the claimer.
	ErrWrongSocket = errors.New("wrong socket_id")
)

// Version is the data of a get-current-version event.
type Version struct {
	OK          bool         `json:"ok"`
	NooneOnline bool         `json:"nooneOnline,omitempty"`
	Tasks       []*task.Task `json:"tasks,omitempty"`
	Timestamp   *time.Time   `json:"timestamp,omitempty"`
}

// Sender delivers push events. *relay.Hub implements it.
type Sender interface {
	Publish(channel, event string, data any, exclude string) (int, error)
	SendTo(socketID, event string, data any) error
}

// Config configures a Coordinator.
type Config struct {
	// Timeout is how long a window waits for a snapshot (default: 5s)
	Timeout time.Duration

	// Channel maps a collaboration to its push channel.
	Channel func(collaboration string) string

	// Logger for coordinator activity (default: stderr logger)
	Logger *log.Logger
}

type window struct {
	requester string
	claimable bool
	provider  string
	timer     *time.Timer
}

// Coordinator is the service-scoped table of open handoff windows.
type Coordinator struct {
	sender  Sender
	timeout time.Duration
	channel func(string) string
	logger  *log.Logger

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a Coordinator sending events through sender.
func New(sender Sender, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[handoff] ", log.LstdFlags)
	}
	if cfg.Channel == nil {
		cfg.Channel = func(c string) string { return "private-" + c }
	}
	return &Coordinator{
		sender:  sender,
		timeout: cfg.Timeout,
		channel: cfg.Channel,
		logger:  cfg.Logger,
		windows: make(map[string]*window),
	}
}

// RequestCurrent opens a window for collaboration on behalf of the
// requesting socket and probes the other subscribers. ok is false when
// nobody else is subscribed; the window is closed again in that case.
func (c *Coordinator) RequestCurrent(collaboration, socketID string) (ok bool, message string, err error) {
	c.mu.Lock()
	if _, open := c.windows[collaboration]; open {
		c.mu.Unlock()
		return false, MessageAlreadyAsking, ErrAlreadyAsking
	}
	w := &window{requester: socketID, claimable: true}
	w.timer = time.AfterFunc(c.timeout, func() { c.expire(collaboration, w) })
	c.windows[collaboration] = w
	c.mu.Unlock()

	count, err := c.sender.Publish(c.channel(collaboration), EventAskedForCurrentVersion, struct{}{}, socketID)
	if err != nil {
		c.close(collaboration, w)
		return false, "", fmt.Errorf("failed to probe peers: %w", err)
	}

	// The requester counts as one subscriber.
	if count <= 1 {
		c.close(collaboration, w)
		return false, MessageNobody, nil
	}
	return true, MessageMayProvide, nil
}

// Establish lets a peer claim the open window. Only the first claim wins.
func (c *Coordinator) Establish(collaboration, socketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, open := c.windows[collaboration]
	if !open || !w.claimable {
		return ErrWindowClosed
	}
	w.claimable = false
	w.provider = socketID
	c.logger.Printf("Socket %s provides current version of %s", socketID, collaboration)
	return nil
}

// Deliver forwards the claimer's snapshot to the requester and closes the window.
func (c *Coordinator) Deliver(collaboration, socketID string, tasks []*task.Task, timestamp time.Time) error {
	c.mu.Lock()
	w, open := c.windows[collaboration]
	if !open || w.claimable {
		c.mu.Unlock()
		return ErrNotEstablished
	}
	if w.provider != socketID {
		c.mu.Unlock()
		return ErrWrongSocket
	}
	w.timer.Stop()
	delete(c.windows, collaboration)
	c.mu.Unlock()

	ts := timestamp.UTC()
	err := c.sender.SendTo(w.requester, EventGetCurrentVersion, Version{OK: true, Tasks: tasks, Timestamp: &ts})
	if err != nil {
		return fmt.Errorf("failed to forward snapshot to %s: %w", w.requester, err)
	}
	c.logger.Printf("Forwarded %d tasks of %s to %s", len(tasks), collaboration, w.requester)
	return nil
}

// expire closes a window nobody completed and tells the requester.
func (c *Coordinator) expire(collaboration string, w *window) {
	c.mu.Lock()
	if c.windows[collaboration] != w {
		// Already closed by another path.
		c.mu.Unlock()
		return
	}
	delete(c.windows, collaboration)
	c.mu.Unlock()

	if err := c.sender.SendTo(w.requester, EventGetCurrentVersion, Version{OK: false, NooneOnline: true}); err != nil {
		c.logger.Printf("Warning: failed to notify %s of timeout: %v", w.requester, err)
	}
}

// close removes w if it is still the open window of collaboration.
func (c *Coordinator) close(collaboration string, w *window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.timer.Stop()
	if c.windows[collaboration] == w {
		delete(c.windows, collaboration)
	}
}

// Len returns the number of open windows.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// Close stops every pending timer and forgets all windows.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, w := range c.windows {
		w.timer.Stop()
		delete(c.windows, name)
	}
}
