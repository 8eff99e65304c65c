// Package client talks to the relay server: the collaboration and operation
// endpoints over HTTP and the push channel over a websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/treetodo/treetodo/internal/api"
	"github.com/treetodo/treetodo/internal/collab"
	"github.com/treetodo/treetodo/internal/handoff"
	"github.com/treetodo/treetodo/internal/oplog"
	"github.com/treetodo/treetodo/internal/session"
)

var (
	// ErrSessionExpired is returned when the server no longer knows the
	// session. The caller has to join the collaboration again.
	ErrSessionExpired = errors.New("session expired, join the collaboration again")

	// ErrChannelDenied is returned when the server refuses to sign a channel.
	ErrChannelDenied = errors.New("channel authorization denied")

	// ErrRejected is returned for other validation failures.
	ErrRejected = errors.New("request rejected by server")
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
	err     error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap returns the sentinel the status maps to, if any.
func (e *StatusError) Unwrap() error { return e.err }

// Config configures a Client.
type Config struct {
	// BaseURL of the relay server (default: "http://localhost:8080")
	BaseURL string

	// Timeout bounds every HTTP request (default: 30s)
	Timeout time.Duration

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// Client is a relay server client bound to one cookie session.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *log.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[client] ", log.LstdFlags)
	}

	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		base:   base,
		http:   &http.Client{Jar: jar, Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}, nil
}

// Session returns the current session id, or "" when there is none.
func (c *Client) Session() string {
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name == session.CookieName {
			return ck.Value
		}
	}
	return ""
}

// Restore reuses a session id saved from an earlier Session call.
func (c *Client) Restore(sid string) {
	if sid == "" {
		return
	}
	c.http.Jar.SetCookies(c.base, []*http.Cookie{{Name: session.CookieName, Value: sid, Path: "/"}})
}

// Create registers a collaboration and starts a session for it.
func (c *Client) Create(ctx context.Context, name, password string) error {
	return c.post(ctx, api.PathCreate, "", api.Credentials{Name: name, Password: password}, nil)
}

// Join starts a session for an existing collaboration.
func (c *Client) Join(ctx context.Context, name, password string) error {
	return c.post(ctx, api.PathJoin, "", api.Credentials{Name: name, Password: password}, nil)
}

// Leave ends the session.
func (c *Client) Leave(ctx context.Context) error {
	return c.post(ctx, api.PathLeave, "", struct{}{}, nil)
}

// LogOperation appends an operation to the collaboration's log.
func (c *Client) LogOperation(ctx context.Context, req api.LogRequest) (*oplog.Operation, error) {
	var op oplog.Operation
	if err := c.post(ctx, api.PathLogOperation, "", req, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Operations lists the operations after since; nil lists the whole log.
// A cursor the server no longer knows yields oplog.ErrCursorInvalid.
func (c *Client) Operations(ctx context.Context, collaboration string, since *time.Time) ([]*oplog.Operation, error) {
	var resp api.GetResponse
	err := c.post(ctx, api.PathGetOperation, "", api.GetRequest{Collaboration: collaboration, Timestamp: since}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// RequestCurrent sends one step of the snapshot handoff.
func (c *Client) RequestCurrent(ctx context.Context, req api.CurrentVersionRequest) (*api.CurrentVersionResponse, error) {
	var resp api.CurrentVersionResponse
	if err := c.post(ctx, api.PathRequest, req.Type, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChannelAuth obtains the subscription token of channel for socketID.
func (c *Client) ChannelAuth(ctx context.Context, socketID, channel string) (string, error) {
	var resp api.ChannelAuthResponse
	if err := c.post(ctx, api.PathChannelAuth, "", api.ChannelAuthRequest{SocketID: socketID, Channel: channel}, &resp); err != nil {
		return "", err
	}
	return resp.Auth, nil
}

// Health fetches the server health status.
func (c *Client) Health(ctx context.Context) (*api.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(api.PathHealth), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	var h api.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode health: %w", err)
	}
	return &h, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// post sends body as JSON to path and decodes a 2xx answer into out.
// kind distinguishes the steps of PathRequest when mapping errors.
func (c *Client) post(ctx context.Context, path, kind string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, path, kind)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response, path, kind string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &StatusError{Code: resp.StatusCode}

	var body api.Error
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		e.Message = body.Error
	} else {
		var cv api.CurrentVersionResponse
		if json.Unmarshal(data, &cv) == nil {
			e.Message = cv.Message
		}
	}
	e.err = sentinel(resp.StatusCode, path, kind)
	return e
}

// sentinel maps a status code to the error of the package that owns the
// failing concern.
func sentinel(code int, path, kind string) error {
	switch code {
	case api.StatusLoginTimeout:
		return ErrSessionExpired
	case http.StatusGone:
		if path == api.PathGetOperation {
			return oplog.ErrCursorInvalid
		}
	case http.StatusConflict:
		switch {
		case path == api.PathCreate:
			return collab.ErrExists
		case kind == api.RequestGetCurrentVersion:
			return handoff.ErrAlreadyAsking
		case kind == api.RequestEstablish:
			return handoff.ErrWindowClosed
		case kind == api.RequestSendCurrentVersion:
			return handoff.ErrNotEstablished
		}
	case http.StatusUnauthorized:
		switch {
		case path == api.PathJoin:
			return collab.ErrBadCredentials
		case path == api.PathChannelAuth:
			return ErrChannelDenied
		case kind == api.RequestSendCurrentVersion:
			return handoff.ErrWrongSocket
		}
	case http.StatusUnprocessableEntity:
		if path == api.PathLogOperation {
			return oplog.ErrInvalidType
		}
		return ErrRejected
	case http.StatusBadRequest:
		return ErrRejected
	}
	return nil
}
