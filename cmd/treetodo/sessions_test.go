package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "sessions.yaml")

	f, err := loadSessions(path)
	require.NoError(t, err)
	_, _, err = f.resolve("")
	assert.Error(t, err)

	f.remember("team1", "http://localhost:8080", "sid-1")
	f.remember("team2", "http://localhost:8080", "sid-2")
	require.NoError(t, f.save(path))

	loaded, err := loadSessions(path)
	require.NoError(t, err)
	name, s, err := loaded.resolve("")
	require.NoError(t, err)
	assert.Equal(t, "team2", name)
	assert.Equal(t, "sid-2", s.Session)

	name, s, err = loaded.resolve("team1")
	require.NoError(t, err)
	assert.Equal(t, "team1", name)
	assert.Equal(t, "sid-1", s.Session)

	loaded.forget("team2")
	_, _, err = loaded.resolve("")
	assert.Error(t, err)
	_, _, err = loaded.resolve("team2")
	assert.ErrorContains(t, err, "not a member")
}
