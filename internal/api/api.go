// Package api defines the JSON bodies exchanged between the relay server
// and its clients.
package api

import (
	"encoding/json"
	"time"

	"github.com/treetodo/treetodo/internal/oplog"
	"github.com/treetodo/treetodo/internal/task"
)

// StatusLoginTimeout is returned when a request has no session for the
// collaboration it names.
const StatusLoginTimeout = 440

// Paths of the HTTP surface.
const (
	PathCreate       = "/collaborations/create"
	PathJoin         = "/collaborations/join"
	PathLeave        = "/collaborations/leave"
	PathLogOperation = "/operations/log"
	PathGetOperation = "/operations/get"
	PathRequest      = "/request-current"
	PathChannelAuth  = "/pusher/channel-auth"
	PathWebSocket    = "/ws"
	PathHealth       = "/health"
)

// Request types of PathRequest.
const (
	RequestGetCurrentVersion  = "get-current-version"
	RequestEstablish          = "establish-connection"
	RequestSendCurrentVersion = "send-current-version"
)

// Credentials is the body of create and join.
type Credentials struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// CollaborationResponse answers create and join.
type CollaborationResponse struct {
	Name string `json:"name"`
}

// LogRequest is the body of PathLogOperation.
type LogRequest struct {
	Collaboration string          `json:"collaborationId"`
	Type          oplog.Type      `json:"type"`
	Details       json.RawMessage `json:"details"`
	SocketID      string          `json:"socketId,omitempty"`
}

// GetRequest is the body of PathGetOperation. A nil Timestamp asks for the
// whole log.
type GetRequest struct {
	Collaboration string     `json:"collaborationId"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// GetResponse answers PathGetOperation.
type GetResponse struct {
	Operations []*oplog.Operation `json:"operations"`
}

// CurrentVersionRequest is the body of PathRequest.
type CurrentVersionRequest struct {
	Type          string       `json:"type"`
	Collaboration string       `json:"collaborationId"`
	SocketID      string       `json:"socketId"`
	Tasks         []*task.Task `json:"tasks,omitempty"`
	Timestamp     *time.Time   `json:"timestamp,omitempty"`
}

// CurrentVersionResponse answers PathRequest.
type CurrentVersionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ChannelAuthRequest is the body of PathChannelAuth.
type ChannelAuthRequest struct {
	SocketID string `json:"socketId"`
	Channel  string `json:"channelName"`
}

// ChannelAuthResponse answers PathChannelAuth.
type ChannelAuthResponse struct {
	Auth string `json:"auth"`
}

// Health answers PathHealth.
type Health struct {
	Status   string `json:"status"`
	Clients  int    `json:"clients"`
	Handoffs int    `json:"handoffs"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Error string `json:"error"`
}
