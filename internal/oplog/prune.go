package oplog

import (
	"context"
	"fmt"
	"time"
)

// Prune deletes the operations created before the given time. An empty
// collaboration prunes every collaboration. It returns the number of
// operations removed.
//
// Clients whose cursor was pruned get ErrCursorInvalid on their next
// catch-up and recover through a snapshot handoff.
func (l *Log) Prune(ctx context.Context, collaboration string, before time.Time) (int64, error) {
	query := `DELETE FROM operations WHERE created_at < ?`
	args := []any{before.UTC().UnixMicro()}
	if collaboration != "" {
		query += ` AND collaboration_id = ?`
		args = append(args, collaboration)
	}

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned operations: %w", err)
	}
	return n, nil
}

// SetRetention changes how long operations are kept. Zero keeps them forever.
func (l *Log) SetRetention(d time.Duration) {
	l.retentionMu.Lock()
	defer l.retentionMu.Unlock()
	l.retention = d
}

// Retention returns the current retention.
func (l *Log) Retention() time.Duration {
	l.retentionMu.RLock()
	defer l.retentionMu.RUnlock()
	return l.retention
}

// RunPruner prunes operations older than the retention every interval until
// ctx is cancelled. Failures are logged and the loop continues.
func (l *Log) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pruneOnce(ctx)
		}
	}
}

func (l *Log) pruneOnce(ctx context.Context) {
	retention := l.Retention()
	if retention <= 0 {
		return
	}
	n, err := l.Prune(ctx, "", l.now().Add(-retention))
	if err != nil {
		l.logger.Printf("Warning: %v", err)
		return
	}
	if n > 0 {
		l.logger.Printf("Pruned %d operations older than %s", n, retention)
	}
}
