package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/treetodo/treetodo/internal/client"
	"github.com/treetodo/treetodo/internal/sync"
)

func TestExplain(t *testing.T) {
	assert.NoError(t, explain(nil))

	err := explain(fmt.Errorf("failed to log operation: %w", client.ErrSessionExpired))
	assert.ErrorIs(t, err, client.ErrSessionExpired)
	assert.ErrorContains(t, err, "collab join")

	err = explain(sync.ErrNobodyAvailable)
	assert.ErrorIs(t, err, sync.ErrNobodyAvailable)
	assert.ErrorContains(t, err, "collab watch")

	other := errors.New("boom")
	assert.Equal(t, other, explain(other))
}
