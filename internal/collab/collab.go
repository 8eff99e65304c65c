// Package collab is the server's registry of collaborations: a name and a
// bcrypt password hash per collaboration.
package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/treetodo/treetodo/internal/store"
)

const (
	// MaxNameLength is the longest accepted collaboration name.
	MaxNameLength = 156

	MinPasswordLength = 8
	MaxPasswordLength = 64
)

var (
	ErrExists          = errors.New("a collaboration with this name already exists")
	ErrInvalidName     = fmt.Errorf("collaboration name must be 1-%d letters, digits, '-' or '_'", MaxNameLength)
	ErrInvalidPassword = fmt.Errorf("password must be %d-%d printable ASCII characters", MinPasswordLength, MaxPasswordLength)
	ErrBadCredentials  = errors.New("collaboration not found or password incorrect")
)

var (
	nameRe     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	passwordRe = regexp.MustCompile(`^[\x21-\x7E]+$`)
)

// ValidateName checks the characters and length of a collaboration name.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength || !nameRe.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// ValidatePassword checks the characters and length of a password.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength || !passwordRe.MatchString(password) {
		return ErrInvalidPassword
	}
	return nil
}

// Collaboration is a registered collaboration.
type Collaboration struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry stores collaborations in SQLite.
type Registry struct {
	db   *sql.DB
	cost int
}

// NewRegistry creates a registry over db and ensures its schema. cost is the
// bcrypt cost; zero uses bcrypt.DefaultCost.
func NewRegistry(ctx context.Context, db *sql.DB, cost int) (*Registry, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	r := &Registry{db: db, cost: cost}

	schema := `
	CREATE TABLE IF NOT EXISTS collaborations (
		name TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize collaboration schema: %w", err)
	}
	return r, nil
}

// Create registers a new collaboration.
func (r *Registry) Create(ctx context.Context, name, password string) (*Collaboration, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	c := &Collaboration{Name: name, CreatedAt: time.Now().UTC()}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO collaborations (name, password_hash, created_at) VALUES (?, ?, ?)`,
		name, string(hash), c.CreatedAt.UnixMilli())
	if store.IsUniqueViolation(err) {
		return nil, ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create collaboration: %w", err)
	}
	return c, nil
}

// Verify checks a name/password pair. Unknown names and wrong passwords both
// return ErrBadCredentials.
func (r *Registry) Verify(ctx context.Context, name, password string) (*Collaboration, error) {
	var (
		hash    string
		created int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT password_hash, created_at FROM collaborations WHERE name = ?`, name).Scan(&hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up collaboration: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return &Collaboration{Name: name, CreatedAt: time.UnixMilli(created).UTC()}, nil
}

// Exists reports whether a collaboration is registered.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collaborations WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up collaboration: %w", err)
	}
	return n > 0, nil
}
