package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor returns the last applied operation timestamp of a collaboration.
// ok is false when the device has never synchronized it.
func (db *DB) Cursor(ctx context.Context, collaboration string) (cursor time.Time, ok bool, err error) {
	var raw string
	err = db.conn.QueryRowContext(ctx,
		`SELECT last_update FROM cursors WHERE collaboration_id = ?`, collaboration).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, classify("failed to read cursor", err)
	}
	cursor, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cursor %q: %w", raw, err)
	}
	return cursor, true, nil
}

// SetCursor stores the last applied operation timestamp of a collaboration.
func (db *DB) SetCursor(ctx context.Context, collaboration string, cursor time.Time) error {
	return setCursor(ctx, db.conn, collaboration, cursor)
}

// ClearCursor forgets the cursor of a collaboration.
func (db *DB) ClearCursor(ctx context.Context, collaboration string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM cursors WHERE collaboration_id = ?`, collaboration); err != nil {
		return classify("failed to clear cursor", err)
	}
	return nil
}

func setCursor(ctx context.Context, ex execer, collaboration string, cursor time.Time) error {
	_, err := ex.ExecContext(ctx, `
	INSERT INTO cursors (collaboration_id, last_update) VALUES (?, ?)
	ON CONFLICT(collaboration_id) DO UPDATE SET last_update = excluded.last_update`,
		collaboration, cursor.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classify("failed to store cursor", err)
	}
	return nil
}
