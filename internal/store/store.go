// Package store provides the local SQLite persistence for task trees.
//
// The database runs in embedded mode (ncruces/go-sqlite3, no CGO) with WAL
// enabled. It holds two independent partitions:
//   - private_tasks: offline tasks keyed by an auto-assigned id, parented by id
//   - collab_tasks: collaboration tasks, additionally keyed by the
//     (collaboration_id, stable_id) pair which is enforced unique
//
// A third table, cursors, keeps the last applied operation timestamp of
// every collaboration this device takes part in.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/treetodo/treetodo/internal/task"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateStableID is returned when a (collaboration, stable id) pair
	// is already taken.
	ErrDuplicateStableID = errors.New("stable id already exists in collaboration")
)

// IsTransient reports whether err is a busy/locked condition worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}

// IsUniqueViolation reports whether err comes from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE)
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path and creates
// the schema if needed.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	conn, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, path: path}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// OpenSQLite opens an embedded SQLite database file with WAL and a busy
// timeout, creating its directory if needed. The server's operation log and
// collaboration registry share this setup.
func OpenSQLite(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return conn, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates tables and indexes. It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS private_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		flex_index INTEGER NOT NULL DEFAULT 0,
		parent_id INTEGER NOT NULL DEFAULT -1
	);

	CREATE TABLE IF NOT EXISTS collab_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collaboration_id TEXT NOT NULL,
		stable_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '-1',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		flex_index INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cursors (
		collaboration_id TEXT PRIMARY KEY,
		last_update TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_private_parent ON private_tasks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_collab_collaboration ON collab_tasks(collaboration_id);
	CREATE INDEX IF NOT EXISTS idx_collab_parent ON collab_tasks(collaboration_id, parent_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_collab_stable ON collab_tasks(collaboration_id, stable_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Add inserts a task into its partition and returns the assigned local id.
// The partition is chosen by whether the task carries a collaboration.
func (db *DB) Add(ctx context.Context, t *task.Task) (task.LocalID, error) {
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("invalid task: %w", err)
	}

	var (
		res sql.Result
		err error
	)
	if t.IsCollaborative() {
		res, err = db.conn.ExecContext(ctx, `
		INSERT INTO collab_tasks (collaboration_id, stable_id, parent_id, name, description, status, flex_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.Collaboration, string(t.StableID), string(t.ParentStable),
			t.Name, t.Description, int(t.Status), t.FlexIndex)
	} else {
		res, err = db.conn.ExecContext(ctx, `
		INSERT INTO private_tasks (parent_id, name, description, status, flex_index)
		VALUES (?, ?, ?, ?, ?)`,
			int64(t.ParentLocal), t.Name, t.Description, int(t.Status), t.FlexIndex)
	}
	if err != nil {
		return 0, classify("failed to add task", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return task.LocalID(id), nil
}

// Get retrieves a task by its local id within a partition.
// Returns ErrNotFound if the task does not exist.
func (db *DB) Get(ctx context.Context, collaborative bool, id task.LocalID) (*task.Task, error) {
	var row *sql.Row
	if collaborative {
		row = db.conn.QueryRowContext(ctx, selectCollab+` WHERE id = ?`, int64(id))
		return scanCollab(row)
	}
	row = db.conn.QueryRowContext(ctx, selectPrivate+` WHERE id = ?`, int64(id))
	return scanPrivate(row)
}

// Update writes every mutable field of an existing task.
// Returns ErrNotFound if the task does not exist.
func (db *DB) Update(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return update(ctx, db.conn, t)
}

// BatchUpdate writes all tasks in one transaction; either all or none are
// persisted.
func (db *DB) BatchUpdate(ctx context.Context, tasks []*task.Task) error {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid task: %w", err)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		if err := update(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("failed to commit transaction", err)
	}
	return nil
}

func update(ctx context.Context, ex execer, t *task.Task) error {
	var (
		res sql.Result
		err error
	)
	if t.IsCollaborative() {
		res, err = ex.ExecContext(ctx, `
		UPDATE collab_tasks
		SET collaboration_id = ?, stable_id = ?, parent_id = ?, name = ?, description = ?, status = ?, flex_index = ?
		WHERE id = ?`,
			t.Collaboration, string(t.StableID), string(t.ParentStable),
			t.Name, t.Description, int(t.Status), t.FlexIndex, int64(t.LocalID))
	} else {
		res, err = ex.ExecContext(ctx, `
		UPDATE private_tasks
		SET parent_id = ?, name = ?, description = ?, status = ?, flex_index = ?
		WHERE id = ?`,
			int64(t.ParentLocal), t.Name, t.Description, int(t.Status), t.FlexIndex, int64(t.LocalID))
	}
	if err != nil {
		return classify(fmt.Sprintf("failed to update task %d", t.LocalID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", t.LocalID, ErrNotFound)
	}
	return nil
}

// Delete removes a task by local id. Returns nil if it doesn't exist (idempotent).
func (db *DB) Delete(ctx context.Context, collaborative bool, id task.LocalID) error {
	table := "private_tasks"
	if collaborative {
		table = "collab_tasks"
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, int64(id)); err != nil {
		return classify(fmt.Sprintf("failed to delete task %d", id), err)
	}
	return nil
}

// ByParent returns the private tasks attached to parent, ordered by flex index.
func (db *DB) ByParent(ctx context.Context, parent task.LocalID) ([]*task.Task, error) {
	rows, err := db.conn.QueryContext(ctx,
		selectPrivate+` WHERE parent_id = ? ORDER BY flex_index ASC, id ASC`, int64(parent))
	if err != nil {
		return nil, classify("failed to query children", err)
	}
	defer rows.Close()
	return scanAll(rows, scanPrivate)
}

// ByParentInCollaboration returns the collaboration tasks attached to parent.
func (db *DB) ByParentInCollaboration(ctx context.Context, collaboration string, parent task.StableID) ([]*task.Task, error) {
	rows, err := db.conn.QueryContext(ctx,
		selectCollab+` WHERE collaboration_id = ? AND parent_id = ? ORDER BY flex_index ASC, id ASC`,
		collaboration, string(parent))
	if err != nil {
		return nil, classify("failed to query children", err)
	}
	defer rows.Close()
	return scanAll(rows, scanCollab)
}

// ByCollaboration returns every task of a collaboration.
func (db *DB) ByCollaboration(ctx context.Context, collaboration string) ([]*task.Task, error) {
	rows, err := db.conn.QueryContext(ctx,
		selectCollab+` WHERE collaboration_id = ? ORDER BY id ASC`, collaboration)
	if err != nil {
		return nil, classify("failed to query collaboration", err)
	}
	defer rows.Close()
	return scanAll(rows, scanCollab)
}

// ByStableID retrieves a collaboration task by its stable id.
// Returns ErrNotFound if the task does not exist.
func (db *DB) ByStableID(ctx context.Context, collaboration string, id task.StableID) (*task.Task, error) {
	row := db.conn.QueryRowContext(ctx,
		selectCollab+` WHERE collaboration_id = ? AND stable_id = ?`, collaboration, string(id))
	return scanCollab(row)
}

// DeleteCollaboration removes every task of a collaboration and returns how
// many rows were deleted.
func (db *DB) DeleteCollaboration(ctx context.Context, collaboration string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM collab_tasks WHERE collaboration_id = ?`, collaboration)
	if err != nil {
		return 0, classify("failed to delete collaboration tasks", err)
	}
	return res.RowsAffected()
}

// ReplaceCollaboration deletes every task of a collaboration, inserts tasks
// in its place and stores cursor, all in a single transaction.
func (db *DB) ReplaceCollaboration(ctx context.Context, collaboration string, tasks []*task.Task, cursor time.Time) error {
	for _, t := range tasks {
		if t.Collaboration != collaboration {
			return fmt.Errorf("task %s belongs to %q, not %q", t.StableID, t.Collaboration, collaboration)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid task: %w", err)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM collab_tasks WHERE collaboration_id = ?`, collaboration); err != nil {
		return classify("failed to clear collaboration", err)
	}
	for _, t := range tasks {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO collab_tasks (collaboration_id, stable_id, parent_id, name, description, status, flex_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.Collaboration, string(t.StableID), string(t.ParentStable),
			t.Name, t.Description, int(t.Status), t.FlexIndex)
		if err != nil {
			return classify("failed to import task", err)
		}
	}
	if err := setCursor(ctx, tx, collaboration, cursor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("failed to commit transaction", err)
	}
	return nil
}

// Count returns the number of tasks in a partition. An empty collaboration
// counts private tasks.
func (db *DB) Count(ctx context.Context, collaboration string) (int, error) {
	var count int
	var err error
	if collaboration == "" {
		err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM private_tasks`).Scan(&count)
	} else {
		err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM collab_tasks WHERE collaboration_id = ?`, collaboration).Scan(&count)
	}
	if err != nil {
		return 0, classify("failed to count tasks", err)
	}
	return count, nil
}

// classify wraps err, mapping unique-index violations to ErrDuplicateStableID.
func classify(msg string, err error) error {
	if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) {
		return fmt.Errorf("%s: %w", msg, errors.Join(ErrDuplicateStableID, err))
	}
	return fmt.Errorf("%s: %w", msg, err)
}
