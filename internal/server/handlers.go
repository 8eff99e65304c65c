package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/treetodo/treetodo/internal/api"
	"github.com/treetodo/treetodo/internal/collab"
	"github.com/treetodo/treetodo/internal/handoff"
	"github.com/treetodo/treetodo/internal/oplog"
	"github.com/treetodo/treetodo/internal/relay"
	"github.com/treetodo/treetodo/internal/session"
)

// maxBodyBytes bounds request bodies; snapshots are the largest.
const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.Error{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// handleCreate registers a collaboration and starts a session for it.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.Credentials
	if !decode(w, r, &req) {
		return
	}

	c, err := s.registry.Create(r.Context(), req.Name, req.Password)
	switch {
	case errors.Is(err, collab.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, collab.ErrInvalidName), errors.Is(err, collab.ErrInvalidPassword):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.logger.Printf("Failed to create collaboration: %v", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while creating the collaboration")
		return
	}

	s.sessions.Start(w, c.Name)
	s.logger.Printf("Collaboration %s created", c.Name)
	writeJSON(w, http.StatusCreated, api.CollaborationResponse{Name: c.Name})
}

// handleJoin verifies credentials and starts a session.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req api.Credentials
	if !decode(w, r, &req) {
		return
	}

	c, err := s.registry.Verify(r.Context(), req.Name, req.Password)
	if errors.Is(err, collab.ErrBadCredentials) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		s.logger.Printf("Failed to join collaboration: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	s.sessions.Start(w, c.Name)
	writeJSON(w, http.StatusOK, api.CollaborationResponse{Name: c.Name})
}

// handleLeave ends the caller's session.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.sessions.Destroy(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleLogOperation appends an operation and fans it out.
func (s *Server) handleLogOperation(w http.ResponseWriter, r *http.Request) {
	var req api.LogRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.authorized(w, r, req.Collaboration) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	op, err := s.log.Append(r.Context(), oplog.AppendRequest{
		Collaboration: req.Collaboration,
		Type:          req.Type,
		Details:       req.Details,
		SocketID:      req.SocketID,
	})
	if errors.Is(err, oplog.ErrInvalidType) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Printf("Failed to log operation: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

// handleGetOperations lists the operations after the caller's cursor.
func (s *Server) handleGetOperations(w http.ResponseWriter, r *http.Request) {
	var req api.GetRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.authorized(w, r, req.Collaboration) {
		return
	}

	ops, err := s.log.ListSince(r.Context(), req.Collaboration, req.Timestamp)
	if errors.Is(err, oplog.ErrCursorInvalid) {
		writeError(w, http.StatusGone, "Operation with given timestamp not found")
		return
	}
	if err != nil {
		s.logger.Printf("Failed to list operations: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if ops == nil {
		ops = []*oplog.Operation{}
	}
	writeJSON(w, http.StatusOK, api.GetResponse{Operations: ops})
}

// handleRequestCurrent drives the snapshot handoff.
func (s *Server) handleRequestCurrent(w http.ResponseWriter, r *http.Request) {
	var req api.CurrentVersionRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.authorized(w, r, req.Collaboration) {
		return
	}
	if req.SocketID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Type {
	case api.RequestGetCurrentVersion:
		ok, msg, err := s.handoff.RequestCurrent(req.Collaboration, req.SocketID)
		if errors.Is(err, handoff.ErrAlreadyAsking) {
			writeJSON(w, http.StatusConflict, api.CurrentVersionResponse{OK: false, Message: msg})
			return
		}
		if err != nil {
			s.logger.Printf("Failed to request current version: %v", err)
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		writeJSON(w, http.StatusOK, api.CurrentVersionResponse{OK: ok, Message: msg})

	case api.RequestEstablish:
		if err := s.handoff.Establish(req.Collaboration, req.SocketID); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, api.CurrentVersionResponse{OK: true})

	case api.RequestSendCurrentVersion:
		if req.Timestamp == nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		err := s.handoff.Deliver(req.Collaboration, req.SocketID, req.Tasks, *req.Timestamp)
		switch {
		case errors.Is(err, handoff.ErrNotEstablished):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, handoff.ErrWrongSocket):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, relay.ErrUnknownSocket):
			writeError(w, http.StatusGone, "Requester is no longer connected")
		case err != nil:
			s.logger.Printf("Failed to deliver current version: %v", err)
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
		default:
			writeJSON(w, http.StatusOK, api.CurrentVersionResponse{OK: true})
		}

	default:
		writeError(w, http.StatusBadRequest, "Invalid request type")
	}
}

// handleChannelAuth signs a subscription token for the caller's channel.
func (s *Server) handleChannelAuth(w http.ResponseWriter, r *http.Request) {
	var req api.ChannelAuthRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SocketID == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, _ := session.FromContext(r.Context())
	if req.Channel != relay.ChannelName(sess.Collaboration) {
		writeError(w, http.StatusUnauthorized, "You do not have permission to access this channel")
		return
	}
	writeJSON(w, http.StatusOK, api.ChannelAuthResponse{Auth: s.hub.Authorize(req.SocketID, req.Channel)})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.Health{
		Status:   "ok",
		Clients:  s.hub.ClientCount(),
		Handoffs: s.handoff.Len(),
	})
}
