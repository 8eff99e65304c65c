package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/treetodo/treetodo/internal/api"
	"github.com/treetodo/treetodo/internal/session"
)

const loginTimeout = "Login Time-out: You do not have permission to access this collaboration"

// withSession rejects requests without a live session and stores the
// session in the request context.
func (s *Server) withSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessions.Lookup(w, r)
		if !ok {
			writeError(w, api.StatusLoginTimeout, loginTimeout)
			return
		}
		next(w, r.WithContext(session.NewContext(r.Context(), sess)))
	})
}

// authorized checks that the session belongs to collaboration.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request, collaboration string) bool {
	sess, ok := session.FromContext(r.Context())
	if !ok || collaboration == "" || sess.Collaboration != collaboration {
		writeError(w, api.StatusLoginTimeout, loginTimeout)
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes the websocket upgrade through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// logRequests logs failed requests.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= 400 {
			s.logger.Printf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
		}
	})
}
