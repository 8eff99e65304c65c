// Package oplog is the server-side operation log of every collaboration.
//
// Each appended operation gets a createdAt cursor: a UTC timestamp with
// microsecond precision that strictly increases within a collaboration.
// Clients present the cursor of the last operation they applied to fetch
// what they missed; a cursor that is not an exact entry of the log (for
// example because the log was pruned past it) is rejected with
// ErrCursorInvalid so the client falls back to a snapshot handoff.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

var (
	// ErrCursorInvalid is returned by ListSince when the cursor is not an
	// entry of the log.
	ErrCursorInvalid = errors.New("cursor not found in operation log")

	// ErrInvalidType is returned by Append for an unknown operation type.
	ErrInvalidType = errors.New("invalid operation type")
)

// Type is the kind of mutation an operation describes.
type Type string

const (
	TypeAdd    Type = "add"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"

	// TypeInit gives the creator of a collaboration its first cursor. It is
	// stored but never fanned out or replayed.
	TypeInit Type = "init"
)

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	switch t {
	case TypeAdd, TypeUpdate, TypeDelete, TypeInit:
		return true
	}
	return false
}

// EventNewOperation is the push event carrying a freshly appended operation.
const EventNewOperation = "new-operation"

// Operation is one entry of the log.
type Operation struct {
	ID            int64           `json:"id"`
	Collaboration string          `json:"collaborationId"`
	Type          Type            `json:"type"`
	Details       json.RawMessage `json:"details"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Pushed is the payload of a new-operation event.
type Pushed struct {
	Type      Type            `json:"type"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher fans events out to the subscribers of a channel, skipping the
// connection named by exclude. It returns the live subscriber count.
type Publisher interface {
	Publish(channel, event string, data any, exclude string) (int, error)
}

// Config configures a Log.
type Config struct {
	// Publisher receives new operations (optional).
	Publisher Publisher

	// Channel maps a collaboration to its push channel.
	Channel func(collaboration string) string

	// Now is the clock (default: time.Now)
	Now func() time.Time

	// Logger for log activity (default: stderr logger)
	Logger *log.Logger
}

// Log stores operations in SQLite.
type Log struct {
	db        *sql.DB
	publisher Publisher
	channel   func(string) string
	now       func() time.Time
	logger    *log.Logger

	// mu serializes appends so cursors stay strictly increasing.
	mu   sync.Mutex
	last map[string]time.Time

	retention   time.Duration
	retentionMu sync.RWMutex
}

// New creates a Log over db and ensures its schema.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Log, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[oplog] ", log.LstdFlags)
	}
	if cfg.Channel == nil {
		cfg.Channel = func(c string) string { return "private-" + c }
	}

	l := &Log{
		db:        db,
		publisher: cfg.Publisher,
		channel:   cfg.Channel,
		now:       cfg.Now,
		logger:    cfg.Logger,
		last:      make(map[string]time.Time),
	}
	if err := l.InitSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// InitSchema creates the operations table. It is idempotent.
func (l *Log) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collaboration_id TEXT NOT NULL,
		type TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_cursor ON operations(collaboration_id, created_at);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize operation log schema: %w", err)
	}
	return nil
}

// AppendRequest describes an operation to append.
type AppendRequest struct {
	Collaboration string
	Type          Type
	Details       json.RawMessage

	// SocketID is the originating connection, excluded from the fan-out.
	SocketID string
}

// Append validates and stores an operation, then pushes it to the other
// subscribers of the collaboration unless it is an init operation.
func (l *Log) Append(ctx context.Context, req AppendRequest) (*Operation, error) {
	if req.Collaboration == "" {
		return nil, fmt.Errorf("collaboration is required")
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	details := req.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	if !json.Valid(details) {
		return nil, fmt.Errorf("details must be valid JSON")
	}

	// Publishing under the lock keeps pushes in cursor order.
	l.mu.Lock()
	defer l.mu.Unlock()

	op, err := l.insert(ctx, req.Collaboration, req.Type, details)
	if err != nil {
		return nil, err
	}

	if op.Type != TypeInit && l.publisher != nil {
		pushed := Pushed{Type: op.Type, Details: op.Details, Timestamp: op.CreatedAt}
		if _, err := l.publisher.Publish(l.channel(op.Collaboration), EventNewOperation, pushed, req.SocketID); err != nil {
			// The operation is stored; peers pick it up on their next catch-up.
			l.logger.Printf("Warning: failed to publish operation %d: %v", op.ID, err)
		}
	}
	return op, nil
}

// insert must be called with l.mu held.
func (l *Log) insert(ctx context.Context, collaboration string, typ Type, details json.RawMessage) (*Operation, error) {
	last, ok := l.last[collaboration]
	if !ok {
		var err error
		last, err = l.latest(ctx, collaboration)
		if err != nil {
			return nil, err
		}
	}

	createdAt := l.now().UTC().Truncate(time.Microsecond)
	if !createdAt.After(last) {
		createdAt = last.Add(time.Microsecond)
	}

	res, err := l.db.ExecContext(ctx, `
	INSERT INTO operations (collaboration_id, type, details, created_at)
	VALUES (?, ?, ?, ?)`,
		collaboration, string(typ), string(details), createdAt.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to append operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read operation id: %w", err)
	}
	l.last[collaboration] = createdAt

	return &Operation{
		ID:            id,
		Collaboration: collaboration,
		Type:          typ,
		Details:       details,
		CreatedAt:     createdAt,
	}, nil
}

// latest returns the newest cursor stored for collaboration, or the zero time.
func (l *Log) latest(ctx context.Context, collaboration string) (time.Time, error) {
	var micros sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM operations WHERE collaboration_id = ?`, collaboration).Scan(&micros)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest cursor: %w", err)
	}
	if !micros.Valid {
		return time.Time{}, nil
	}
	return time.UnixMicro(micros.Int64).UTC(), nil
}

// ListSince returns the operations of collaboration with a createdAt strictly
// after since, oldest first. A nil since returns the whole log. A non-nil
// since must be the createdAt of an existing entry, otherwise
// ErrCursorInvalid is returned.
func (l *Log) ListSince(ctx context.Context, collaboration string, since *time.Time) ([]*Operation, error) {
	after := int64(-1 << 62)
	if since != nil {
		after = since.UTC().Truncate(time.Microsecond).UnixMicro()

		var exists int
		err := l.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM operations WHERE collaboration_id = ? AND created_at = ?`,
			collaboration, after).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check cursor: %w", err)
		}
		if exists == 0 {
			return nil, ErrCursorInvalid
		}
	}

	rows, err := l.db.QueryContext(ctx, `
	SELECT id, collaboration_id, type, details, created_at FROM operations
	WHERE collaboration_id = ? AND created_at > ?
	ORDER BY created_at ASC`, collaboration, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var (
			op      Operation
			typ     string
			details string
			micros  int64
		)
		if err := rows.Scan(&op.ID, &op.Collaboration, &typ, &details, &micros); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Type = Type(typ)
		op.Details = json.RawMessage(details)
		op.CreatedAt = time.UnixMicro(micros).UTC()
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

// Count returns the number of stored operations of collaboration.
func (l *Log) Count(ctx context.Context, collaboration string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations WHERE collaboration_id = ?`, collaboration).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}
