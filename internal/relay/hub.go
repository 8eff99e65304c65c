// Package relay provides the websocket pub/sub transport between the server
// and collaboration clients.
//
// Every connection gets a socket id, announced in a connection_established
// frame. A client subscribes to a private channel by presenting an auth
// token obtained over HTTP for its socket id. The server publishes events to
// a channel, optionally excluding the originating socket, or sends them to a
// single socket.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Frame events.
const (
	EventConnectionEstablished = "connection_established"
	EventSubscribe             = "subscribe"
	EventUnsubscribe           = "unsubscribe"
	EventSubscriptionSucceeded = "subscription_succeeded"
	EventSubscriptionError     = "subscription_error"
)

var (
	// ErrClosed is returned when publishing on a stopped hub.
	ErrClosed = errors.New("relay hub is closed")

	// ErrUnknownSocket is returned by SendTo for a socket that is not connected.
	ErrUnknownSocket = errors.New("socket is not connected")
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Established is the data of a connection_established frame.
type Established struct {
	SocketID string `json:"socket_id"`
}

// Subscribe is the data of a subscribe frame.
type Subscribe struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth"`
}

// Subscribed is the data of a subscription_succeeded frame.
type Subscribed struct {
	SubscriptionCount int `json:"subscription_count"`
}

// Config configures a Hub.
type Config struct {
	// Secret signs channel auth tokens (default: random per process)
	Secret []byte

	// QueueSize bounds pending outbound frames (default: 256)
	QueueSize int

	// WriteTimeout bounds a single websocket write (default: 5s)
	WriteTimeout time.Duration

	// Logger for hub activity (default: stderr logger)
	Logger *log.Logger
}

type client struct {
	id       string
	conn     *websocket.Conn
	channels map[string]bool
}

type outbound struct {
	channel string
	target  string
	exclude string
	data    []byte
}

// Hub tracks websocket connections and their channel subscriptions.
type Hub struct {
	secret       []byte
	writeTimeout time.Duration

	clients  map[string]*client
	channels map[string]map[string]*client
	mu       sync.RWMutex

	// Frames are delivered by a single loop in the order they were queued.
	queue chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a hub. Call Start before serving connections.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if len(cfg.Secret) == 0 {
		secret, err := NewSecret()
		if err != nil {
			return nil, err
		}
		cfg.Secret = secret
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		secret:       cfg.Secret,
		writeTimeout: cfg.WriteTimeout,
		clients:      make(map[string]*client),
		channels:     make(map[string]map[string]*client),
		queue:        make(chan outbound, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		logger:       cfg.Logger,
	}, nil
}

// Start launches the delivery loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.deliverLoop()
}

// Stop closes every connection and waits for the hub's goroutines.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for id, c := range h.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, id)
	}
	h.channels = make(map[string]map[string]*client)
	h.mu.Unlock()

	h.wg.Wait()
}

// Publish queues an event for every subscriber of channel except the socket
// named by exclude. It returns the number of subscribers at publish time,
// the excluded socket included.
func (h *Hub) Publish(channel, event string, data any, exclude string) (int, error) {
	frame, err := encode(event, channel, data)
	if err != nil {
		return 0, err
	}
	count := h.SubscriberCount(channel)
	if err := h.enqueue(outbound{channel: channel, exclude: exclude, data: frame}); err != nil {
		return count, err
	}
	return count, nil
}

// SendTo queues an event for a single socket.
func (h *Hub) SendTo(socketID, event string, data any) error {
	h.mu.RLock()
	_, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", socketID, ErrUnknownSocket)
	}

	frame, err := encode(event, "", data)
	if err != nil {
		return err
	}
	return h.enqueue(outbound{target: socketID, data: frame})
}

func encode(event, channel string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Channel: channel, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return frame, nil
}

func (h *Hub) enqueue(msg outbound) error {
	select {
	case <-h.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case h.queue <- msg:
		return nil
	case <-h.ctx.Done():
		return ErrClosed
	}
}

// SubscriberCount returns the number of sockets subscribed to channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// IsSubscribed reports whether a socket is subscribed to channel.
func (h *Hub) IsSubscribed(socketID, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][socketID]
	return ok
}

// ClientCount returns the current number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliverLoop writes queued frames to their recipients.
func (h *Hub) deliverLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.queue:
			h.mu.RLock()
			var recipients []*client
			if msg.target != "" {
				if c, ok := h.clients[msg.target]; ok {
					recipients = append(recipients, c)
				}
			} else {
				for id, c := range h.channels[msg.channel] {
					if id != msg.exclude {
						recipients = append(recipients, c)
					}
				}
			}
			h.mu.RUnlock()

			// Write outside the lock so a slow client does not block subscriptions.
			for _, c := range recipients {
				if err := h.write(c, msg.data); err != nil {
					h.logger.Printf("Failed to send to %s: %v", c.id, err)
					h.removeClient(c)
				}
			}
		}
	}
}

func (h *Hub) write(c *client, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request to a websocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		channels: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Printf("Client %s connected (total: %d)", c.id, clientCount)

	// The socket id is announced before the read loop starts, so it is
	// always the first frame the client sees.
	frame, _ := encode(EventConnectionEstablished, "", Established{SocketID: c.id})
	if err := h.write(c, frame); err != nil {
		h.removeClient(c)
		return
	}

	h.wg.Add(1)
	go h.readLoop(c)
}

// readLoop handles subscription frames until the client disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	for {
		_, data, err := c.conn.Read(h.ctx)
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Printf("Warning: bad frame from %s: %v", c.id, err)
			continue
		}

		switch f.Event {
		case EventSubscribe:
			h.handleSubscribe(c, f.Data)
		case EventUnsubscribe:
			var sub Subscribe
			if err := json.Unmarshal(f.Data, &sub); err == nil {
				h.unsubscribe(c, sub.Channel)
			}
		}
	}
}

func (h *Hub) handleSubscribe(c *client, data json.RawMessage) {
	var sub Subscribe
	if err := json.Unmarshal(data, &sub); err != nil || sub.Channel == "" {
		h.reply(c, EventSubscriptionError, "", map[string]string{"error": "invalid subscribe request"})
		return
	}
	if _, ok := CollaborationOf(sub.Channel); !ok || !h.verify(c.id, sub.Channel, sub.Auth) {
		h.reply(c, EventSubscriptionError, sub.Channel, map[string]string{"error": "channel authorization failed"})
		return
	}

	h.mu.Lock()
	members, ok := h.channels[sub.Channel]
	if !ok {
		members = make(map[string]*client)
		h.channels[sub.Channel] = members
	}
	members[c.id] = c
	c.channels[sub.Channel] = true
	count := len(members)
	h.mu.Unlock()

	h.reply(c, EventSubscriptionSucceeded, sub.Channel, Subscribed{SubscriptionCount: count})
}

// reply is queued so it stays ordered with events published to the socket.
func (h *Hub) reply(c *client, event, channel string, data any) {
	frame, err := encode(event, channel, data)
	if err != nil {
		h.logger.Printf("Warning: %v", err)
		return
	}
	if err := h.enqueue(outbound{target: c.id, data: frame}); err != nil {
		h.logger.Printf("Warning: failed to reply to %s: %v", c.id, err)
	}
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(c.channels, channel)
}

// removeClient drops a connection and its subscriptions.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, exists := h.clients[c.id]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for channel := range c.channels {
		if members, ok := h.channels[channel]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	clientCount := len(h.clients)
	h.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Client %s disconnected (total: %d)", c.id, clientCount)
}
