package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treetodo/treetodo/internal/config"
	"github.com/treetodo/treetodo/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run the relay server",
	Long: `Run the relay server collaborations synchronize through.

The server keeps the collaboration registry and the operation log, pushes
every logged operation to subscribed devices over WebSocket and brokers
snapshot handoffs between them.

Endpoints:
  POST /collaborations/{create,join,leave}
  POST /operations/{log,get}
  POST /request-current
  POST /pusher/channel-auth
  GET  /ws             (WebSocket)
  GET  /health

Changing server.oplog_retention in the config file applies without restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Addr
		}

		srv, err := server.New(&server.Config{
			Addr:           addr,
			DBPath:         cfg.Server.DB,
			Secret:         []byte(cfg.Server.Secret),
			SessionTTL:     cfg.Server.SessionTTL,
			HandoffTimeout: cfg.Server.HandoffTimeout,
			OplogRetention: cfg.Server.OplogRetention,
			PruneInterval:  cfg.Server.PruneInterval,
			Logger:         logger("server"),
		})
		if err != nil {
			fatalf("failed to create server: %v", err)
		}
		if err := srv.Start(); err != nil {
			fatalf("failed to start server: %v", err)
		}

		if cfg.Path != "" {
			reload := logger("config")
			err := config.Watch(cfg.Path, func(c *config.Config) {
				srv.SetOplogRetention(c.Server.OplogRetention)
				reload.Printf("Reloaded %s (oplog retention %v)", cfg.Path, c.Server.OplogRetention)
			}, func(err error) {
				reload.Printf("Warning: failed to reload %s: %v", cfg.Path, err)
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: config changes will not be applied: %v\n", err)
			}
		}

		fmt.Printf("Relay server listening on http://%s\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay server...")
		if err := srv.Stop(); err != nil {
			fatalf("during shutdown: %v", err)
		}
		fmt.Println("Relay server stopped")
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "address to listen on (default: server.addr)")
	rootCmd.AddCommand(serveCmd)
}
