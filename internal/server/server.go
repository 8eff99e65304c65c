// Package server is the relay server: the HTTP surface collaboration clients
// talk to, the websocket hub that pushes operations to them, the operation
// log, and the snapshot handoff coordinator.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/treetodo/treetodo/internal/api"
	"github.com/treetodo/treetodo/internal/collab"
	"github.com/treetodo/treetodo/internal/handoff"
	"github.com/treetodo/treetodo/internal/oplog"
	"github.com/treetodo/treetodo/internal/relay"
	"github.com/treetodo/treetodo/internal/session"
	"github.com/treetodo/treetodo/internal/store"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	// DBPath is the SQLite file holding collaborations and the operation log.
	DBPath string

	// Secret signs channel auth tokens (default: random per process)
	Secret []byte

	// SessionTTL is the session inactivity timeout (default: 30m)
	SessionTTL time.Duration

	// HandoffTimeout bounds a snapshot handoff window (default: 5s)
	HandoffTimeout time.Duration

	// OplogRetention prunes operations older than this; zero keeps them.
	OplogRetention time.Duration

	// PruneInterval is how often the pruner runs (default: 1h)
	PruneInterval time.Duration

	// BcryptCost for collaboration passwords (default: bcrypt.DefaultCost)
	BcryptCost int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":8080",
		DBPath:         "treetodo-server.db",
		SessionTTL:     session.DefaultTTL,
		HandoffTimeout: 5 * time.Second,
		PruneInterval:  time.Hour,
	}
}

// Server wires the relay components together.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	db       *sql.DB
	hub      *relay.Hub
	log      *oplog.Log
	registry *collab.Registry
	handoff  *handoff.Coordinator
	sessions *session.Manager

	pruneInterval time.Duration

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New opens the server database and builds every component.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.DBPath == "" {
		config.DBPath = defaults.DBPath
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = defaults.PruneInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	prefixed := func(prefix string) *log.Logger {
		return log.New(config.Logger.Writer(), prefix, config.Logger.Flags())
	}

	db, err := store.OpenSQLite(config.DBPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:          config.Addr,
		db:            db,
		pruneInterval: config.PruneInterval,
		ctx:           ctx,
		cancel:        cancel,
		logger:        config.Logger,
	}

	fail := func(err error) (*Server, error) {
		cancel()
		_ = db.Close()
		return nil, err
	}

	s.hub, err = relay.NewHub(relay.Config{Secret: config.Secret, Logger: prefixed("[relay] ")})
	if err != nil {
		return fail(err)
	}
	s.log, err = oplog.New(ctx, db, oplog.Config{
		Publisher: s.hub,
		Channel:   relay.ChannelName,
		Logger:    prefixed("[oplog] "),
	})
	if err != nil {
		return fail(err)
	}
	s.log.SetRetention(config.OplogRetention)

	s.registry, err = collab.NewRegistry(ctx, db, config.BcryptCost)
	if err != nil {
		return fail(err)
	}
	s.handoff = handoff.New(s.hub, handoff.Config{
		Timeout: config.HandoffTimeout,
		Channel: relay.ChannelName,
		Logger:  prefixed("[handoff] "),
	})
	s.sessions = session.NewManager(config.SessionTTL)

	return s, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+api.PathCreate, s.handleCreate)
	mux.HandleFunc("POST "+api.PathJoin, s.handleJoin)
	mux.HandleFunc("POST "+api.PathLeave, s.handleLeave)
	mux.Handle("POST "+api.PathLogOperation, s.withSession(s.handleLogOperation))
	mux.Handle("POST "+api.PathGetOperation, s.withSession(s.handleGetOperations))
	mux.Handle("POST "+api.PathRequest, s.withSession(s.handleRequestCurrent))
	mux.Handle("POST "+api.PathChannelAuth, s.withSession(s.handleChannelAuth))
	mux.Handle("GET "+api.PathWebSocket, s.hub)
	mux.HandleFunc("GET "+api.PathHealth, s.handleHealth)
	return s.logRequests(mux)
}

// Start begins serving and the background loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.Start()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.log.RunPruner(s.ctx, s.pruneInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.sessions.RunSweeper(s.ctx, time.Minute)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping relay server")

	s.cancel()
	s.handoff.Close()
	s.hub.Stop()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.logger.Println("Relay server stopped")
	return nil
}

// SetOplogRetention changes the pruning retention at runtime.
func (s *Server) SetOplogRetention(d time.Duration) {
	s.log.SetRetention(d)
	s.logger.Printf("Operation log retention set to %s", d)
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
