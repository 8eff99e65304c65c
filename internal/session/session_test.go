package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(ttl time.Duration) (*Manager, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(ttl)
	m.now = c.now
	return m, c
}

func requestWith(cookie *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if cookie != nil {
		r.AddCookie(cookie)
	}
	return r
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestStartAndLookup(t *testing.T) {
	m, _ := newTestManager(time.Minute)

	rec := httptest.NewRecorder()
	s := m.Start(rec, "team1")
	cookie := sessionCookie(t, rec)
	assert.Equal(t, s.ID, cookie.Value)
	assert.True(t, cookie.HttpOnly)

	got, ok := m.Lookup(httptest.NewRecorder(), requestWith(cookie))
	require.True(t, ok)
	assert.Equal(t, "team1", got.Collaboration)

	_, ok = m.Lookup(httptest.NewRecorder(), requestWith(nil))
	assert.False(t, ok)
	_, ok = m.Lookup(httptest.NewRecorder(), requestWith(&http.Cookie{Name: CookieName, Value: "forged"}))
	assert.False(t, ok)
}

func TestLookup_RollingExpiry(t *testing.T) {
	m, c := newTestManager(30 * time.Minute)

	rec := httptest.NewRecorder()
	m.Start(rec, "team1")
	cookie := sessionCookie(t, rec)

	// Activity every 20 minutes keeps the session alive.
	for i := 0; i < 4; i++ {
		c.t = c.t.Add(20 * time.Minute)
		_, ok := m.Lookup(httptest.NewRecorder(), requestWith(cookie))
		require.True(t, ok, "lookup %d", i)
	}

	// 31 idle minutes expire it.
	c.t = c.t.Add(31 * time.Minute)
	_, ok := m.Lookup(httptest.NewRecorder(), requestWith(cookie))
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestDestroy(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	rec := httptest.NewRecorder()
	m.Start(rec, "team1")
	cookie := sessionCookie(t, rec)

	out := httptest.NewRecorder()
	m.Destroy(out, requestWith(cookie))
	assert.Equal(t, -1, sessionCookie(t, out).MaxAge)

	_, ok := m.Lookup(httptest.NewRecorder(), requestWith(cookie))
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	m, c := newTestManager(time.Minute)
	m.Start(httptest.NewRecorder(), "a")
	c.t = c.t.Add(30 * time.Second)
	m.Start(httptest.NewRecorder(), "b")

	c.t = c.t.Add(45 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := NewContext(context.Background(), Session{ID: "x", Collaboration: "team1"})
	s, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "team1", s.Collaboration)
}
