package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/treetodo/treetodo/internal/api"
	"github.com/treetodo/treetodo/internal/handoff"
	"github.com/treetodo/treetodo/internal/oplog"
	"github.com/treetodo/treetodo/internal/retry"
	"github.com/treetodo/treetodo/internal/transfer"
)

// catchUp replays the operations logged since the cursor. Without a cursor,
// or when the server pruned it, it asks a peer for the current version.
func (e *Engine) catchUp(ctx context.Context) error {
	if err := e.loadCursor(ctx); err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}

	if e.hasCursor {
		cursor := e.cursor
		ops, err := e.transport.Operations(ctx, e.collab, &cursor)
		switch {
		case err == nil:
			if err := e.replayAll(ctx, ops); err != nil {
				return err
			}
			e.logger.Printf("Caught up on %s with %d operations", e.collab, len(ops))
			close(e.ready)
			return nil
		case errors.Is(err, oplog.ErrCursorInvalid):
			e.logger.Printf("Cursor of %s is no longer in the log, asking peers", e.collab)
		default:
			return fmt.Errorf("failed to fetch operations: %w", err)
		}
	}

	if err := e.requestSnapshot(ctx); err != nil {
		return err
	}
	close(e.ready)
	return nil
}

// replayAll applies fetched operations in log order.
func (e *Engine) replayAll(ctx context.Context, ops []*oplog.Operation) error {
	for _, op := range ops {
		if op.Type == oplog.TypeInit {
			continue
		}
		if err := e.replay(ctx, op.Type, op.Details, op.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// requestSnapshot runs the requester side of the handoff and replaces the
// local tasks with the snapshot a peer provided.
func (e *Engine) requestSnapshot(ctx context.Context) error {
	// Drop any answer left over from an earlier request.
	select {
	case <-e.versions:
	default:
	}

	policy := e.policy
	policy.Retryable = func(err error) bool { return errors.Is(err, handoff.ErrAlreadyAsking) }

	var resp *api.CurrentVersionResponse
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		resp, err = e.transport.RequestCurrent(ctx, api.CurrentVersionRequest{
			Type:          api.RequestGetCurrentVersion,
			Collaboration: e.collab,
			SocketID:      e.socketID,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to request current version: %w", err)
	}
	if !resp.OK {
		return ErrNobodyAvailable
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	var v handoff.Version
	select {
	case v = <-e.versions:
	case <-timer.C:
		return ErrNobodyAvailable
	case <-ctx.Done():
		return ctx.Err()
	}
	if !v.OK || v.Timestamp == nil {
		return ErrNobodyAvailable
	}

	err = retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return transfer.ApplySnapshot(ctx, e.store, e.collab, v.Tasks, *v.Timestamp)
	})
	if err != nil {
		return err
	}
	e.cursor = *v.Timestamp
	e.hasCursor = true

	e.logger.Printf("Received %d tasks of %s", len(v.Tasks), e.collab)
	if err := e.tree.Reset(ctx); err != nil {
		e.logger.Printf("Warning: failed to refresh view: %v", err)
	}
	return nil
}

// provide answers a peer's request for the current version. A device that
// never caught up has nothing authoritative to offer and stays silent, as
// does one that loses the race to claim the request.
func (e *Engine) provide(ctx context.Context) error {
	if !e.hasCursor {
		return nil
	}

	_, err := e.transport.RequestCurrent(ctx, api.CurrentVersionRequest{
		Type:          api.RequestEstablish,
		Collaboration: e.collab,
		SocketID:      e.socketID,
	})
	if errors.Is(err, handoff.ErrWindowClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim request: %w", err)
	}

	tasks, err := e.tree.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to read tasks: %w", err)
	}
	cursor := e.cursor
	_, err = e.transport.RequestCurrent(ctx, api.CurrentVersionRequest{
		Type:          api.RequestSendCurrentVersion,
		Collaboration: e.collab,
		SocketID:      e.socketID,
		Tasks:         tasks,
		Timestamp:     &cursor,
	})
	if err != nil {
		return fmt.Errorf("failed to send current version: %w", err)
	}
	e.logger.Printf("Provided %d tasks of %s", len(tasks), e.collab)
	return nil
}
