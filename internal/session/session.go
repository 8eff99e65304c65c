// Package session keeps the server-side association between a browser or
// CLI client and the collaboration it joined.
//
// Sessions live in memory and are identified by the "sid" cookie. They
// expire after a period of inactivity; every request that finds a session
// pushes its expiry forward.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CookieName is the session cookie.
const CookieName = "sid"

// DefaultTTL is the inactivity timeout.
const DefaultTTL = 30 * time.Minute

// Session is one joined client.
type Session struct {
	ID            string
	Collaboration string
	Expires       time.Time
}

// Manager stores sessions in memory.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager with the given inactivity timeout.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Start creates a session for collaboration and sets its cookie on w.
func (m *Manager) Start(w http.ResponseWriter, collaboration string) *Session {
	s := &Session{
		ID:            uuid.NewString(),
		Collaboration: collaboration,
		Expires:       m.now().Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.setCookie(w, s)
	return s
}

// Lookup returns the live session of the request, extending its expiry and
// refreshing the cookie on w. ok is false when there is none.
func (m *Manager) Lookup(w http.ResponseWriter, r *http.Request) (s Session, ok bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return Session{}, false
	}

	m.mu.Lock()
	found, exists := m.sessions[cookie.Value]
	now := m.now()
	if exists && now.After(found.Expires) {
		delete(m.sessions, found.ID)
		exists = false
	}
	if exists {
		found.Expires = now.Add(m.ttl)
		s = *found
	}
	m.mu.Unlock()

	if !exists {
		return Session{}, false
	}
	m.setCookie(w, &s)
	return s, true
}

// Destroy ends the request's session and clears its cookie.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(CookieName); err == nil {
		m.mu.Lock()
		delete(m.sessions, cookie.Value)
		m.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *Manager) setCookie(w http.ResponseWriter, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.Expires,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// Len returns the number of stored sessions, expired ones included until
// the next sweep.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes expired sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if now.After(s.Expires) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

type ctxKey struct{}

// NewContext returns ctx carrying s.
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored by NewContext.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
