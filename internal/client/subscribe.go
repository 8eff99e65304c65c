package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"

	"github.com/treetodo/treetodo/internal/api"
	"github.com/treetodo/treetodo/internal/relay"
)

// ErrSubscriptionRefused is returned when the hub rejects a subscribe frame.
var ErrSubscriptionRefused = errors.New("subscription refused")

// Subscribe opens the push connection, subscribes to the collaboration
// channel and returns the socket id the server assigned together with the
// events published to the channel. The channel is closed when ctx is done or
// the connection drops.
func (c *Client) Subscribe(ctx context.Context, collaboration string) (string, <-chan relay.Frame, error) {
	wsURL := "ws" + strings.TrimPrefix(c.endpoint(api.PathWebSocket), "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	// Snapshots can be large.
	conn.SetReadLimit(16 << 20)

	fail := func(err error) (string, <-chan relay.Frame, error) {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return "", nil, err
	}

	first, err := readFrame(ctx, conn)
	if err != nil {
		return fail(err)
	}
	if first.Event != relay.EventConnectionEstablished {
		return fail(fmt.Errorf("unexpected first frame %q", first.Event))
	}
	var est relay.Established
	if err := json.Unmarshal(first.Data, &est); err != nil || est.SocketID == "" {
		return fail(fmt.Errorf("invalid connection_established frame"))
	}

	channel := relay.ChannelName(collaboration)
	auth, err := c.ChannelAuth(ctx, est.SocketID, channel)
	if err != nil {
		return fail(err)
	}

	sub, _ := json.Marshal(relay.Subscribe{Channel: channel, Auth: auth})
	frame, _ := json.Marshal(relay.Frame{Event: relay.EventSubscribe, Data: sub})
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fail(fmt.Errorf("failed to subscribe: %w", err))
	}

	reply, err := readFrame(ctx, conn)
	if err != nil {
		return fail(err)
	}
	switch reply.Event {
	case relay.EventSubscriptionSucceeded:
	case relay.EventSubscriptionError:
		return fail(fmt.Errorf("%s: %w", reply.Data, ErrSubscriptionRefused))
	default:
		return fail(fmt.Errorf("unexpected frame %q while subscribing", reply.Event))
	}

	c.logger.Printf("Subscribed to %s as %s", channel, est.SocketID)

	events := make(chan relay.Frame, 64)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			f, err := readFrame(ctx, conn)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Printf("Warning: push connection closed: %v", err)
				}
				return
			}
			select {
			case events <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return est.SocketID, events, nil
}

func readFrame(ctx context.Context, conn *websocket.Conn) (relay.Frame, error) {
	var f relay.Frame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return f, fmt.Errorf("failed to read frame: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}
