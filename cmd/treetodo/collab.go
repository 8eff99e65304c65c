package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treetodo/treetodo/internal/client"
	"github.com/treetodo/treetodo/internal/store"
	"github.com/treetodo/treetodo/internal/sync"
	"github.com/treetodo/treetodo/internal/task"
	"github.com/treetodo/treetodo/internal/tree"
	"github.com/treetodo/treetodo/internal/ui"
)

var collabName string

var collabCmd = &cobra.Command{
	Use:     "collab",
	GroupID: "sync",
	Short:   "Work on shared task trees",
	Long: `Create, join and edit collaborations: task trees shared through a relay
server. Collaboration tasks are identified by their stable id.

Every command connects, catches up with changes made while this device was
offline and then applies its own change. Use 'collab watch' to stay online,
receive changes live and provide the current version to devices that join.`,
}

var collabCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a collaboration",
	Long: `Create a collaboration on the server and become its first member.

With --share, a private task and everything under it is copied into the new
collaboration.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		password := passwordFlag(cmd, true)
		share, _ := cmd.Flags().GetInt64("share")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := newClient()
		if err := c.Create(ctx, name, password); err != nil {
			fatalf("failed to create %s: %v", name, err)
		}
		rememberSession(name, c)

		cs := connect(name, c)
		defer cs.close()
		if err := cs.engine.Initialize(ctx); err != nil {
			fatalf("%v", err)
		}
		cs.start(ctx)
		if err := cs.waitReady(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Println(ui.Success("Created collaboration %s", name))

		if share > 0 {
			shared, err := cs.engine.Share(ctx, cs.db, task.LocalID(share), task.RootStable)
			if err != nil {
				fatalf("failed to share task %d: %v", share, err)
			}
			fmt.Println(ui.Success("Shared %d task(s)", len(shared)))
		}
	},
}

var collabJoinCmd = &cobra.Command{
	Use:   "join <name>",
	Short: "Join a collaboration and download its tasks",
	Long: `Join a collaboration. A device joining for the first time gets the
current version from a member who is online; someone must be running
'treetodo collab watch' (or another command) at that moment.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		password := passwordFlag(cmd, false)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := newClient()
		if err := c.Join(ctx, name, password); err != nil {
			fatalf("failed to join %s: %v", name, err)
		}
		rememberSession(name, c)

		cs := connect(name, c)
		defer cs.close()
		cs.start(ctx)
		if err := cs.waitReady(ctx); err != nil {
			fatalf("%v", err)
		}
		all, err := cs.engine.Tree().All(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(ui.Success("Joined %s (%d tasks)", name, len(all)))
	},
}

var collabLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "End the session of a collaboration",
	Long: `End the session of a collaboration. Local copies of its tasks are kept;
use --purge to delete them too.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		purge, _ := cmd.Flags().GetBool("purge")
		sessions, name, c := restore()

		if err := c.Leave(context.Background()); err != nil && !errors.Is(err, client.ErrSessionExpired) {
			fatalf("failed to leave %s: %v", name, err)
		}
		sessions.forget(name)
		if err := sessions.save(sessionPath()); err != nil {
			fatalf("%v", err)
		}

		if purge {
			db := openStore()
			defer db.Close()
			n, err := db.DeleteCollaboration(context.Background(), name)
			if err != nil {
				fatalf("%v", err)
			}
			if err := db.ClearCursor(context.Background(), name); err != nil {
				fatalf("%v", err)
			}
			fmt.Println(ui.Success("Left %s and deleted %d local task(s)", name, n))
			return
		}
		fmt.Println(ui.Success("Left %s", name))
	},
}

var collabSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Catch up with changes made elsewhere",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withCollab(func(ctx context.Context, eng *sync.Engine) error {
			return showLevel(ctx, eng.Tree(), eng.Collaboration(), task.Ref{})
		})
	},
}

var collabWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay online and print the tree as it changes",
	Long: `Stay connected to the collaboration. Changes from other members are
replayed as they arrive, and devices joining for the first time can get the
current version from this one.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		interval, _ := cmd.Flags().GetDuration("interval")
		_, name, c := restore()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cs := connect(name, c)
		defer cs.close()
		cs.start(ctx)
		if err := cs.waitReady(ctx); err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("Watching %s\n", name)
		fmt.Println("\nPress Ctrl+C to stop...")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last string
		for {
			all, err := cs.engine.Tree().All(ctx)
			if err == nil {
				if out := ui.Tree(all); out != last {
					fmt.Printf("\n%s\n%s\n", ui.Breadcrumb(name, nil), out)
					last = out
				}
			}
			select {
			case <-ctx.Done():
				return
			case err := <-cs.done:
				cs.done <- err
				if err != nil {
					fatalf("%v", err)
				}
				return
			case <-ticker.C:
			}
		}
	},
}

var collabAddCmd = &cobra.Command{
	Use:   "add <name>...",
	Short: "Add a shared task",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		parent, _ := cmd.Flags().GetString("parent")
		withCollab(func(ctx context.Context, eng *sync.Engine) error {
			t, err := eng.AddTask(ctx, strings.Join(args, " "), task.UnderStable(task.StableID(parent)))
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Added %q as %s", t.Name, ui.ID(t)))
			return nil
		})
	},
}

var collabListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "Show shared tasks",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		parent, _ := cmd.Flags().GetString("parent")
		whole, _ := cmd.Flags().GetBool("tree")
		offline, _ := cmd.Flags().GetBool("offline")

		show := func(ctx context.Context, eng *tree.Engine) error {
			if whole {
				all, err := eng.All(ctx)
				if err != nil {
					return err
				}
				fmt.Println(ui.Tree(all))
				return nil
			}
			var ref task.Ref
			if parent != string(task.RootStable) {
				ref = task.ByStable(task.StableID(parent))
			}
			return showLevel(ctx, eng, eng.Collaboration(), ref)
		}

		if offline {
			sessions, err := loadSessions(sessionPath())
			if err != nil {
				fatalf("%v", err)
			}
			name, _, err := sessions.resolve(collabName)
			if err != nil {
				fatalf("%v", err)
			}
			db := openStore()
			defer db.Close()
			eng := tree.New(db, tree.Config{Collaboration: name, Retry: retryPolicy(), Logger: logger("tree")})
			if err := show(context.Background(), eng); err != nil {
				db.Close()
				fatalf("%v", err)
			}
			return
		}
		withCollab(func(ctx context.Context, eng *sync.Engine) error {
			return show(ctx, eng.Tree())
		})
	},
}

var collabRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Remove a shared task and everything under it",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withCollab(func(ctx context.Context, eng *sync.Engine) error {
			if err := eng.RemoveTask(ctx, task.StableID(args[0])); err != nil {
				return err
			}
			fmt.Println(ui.Success("Removed %s", args[0]))
			return nil
		})
	},
}

var collabRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>...",
	Short: "Rename a shared task",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withCollab(func(ctx context.Context, eng *sync.Engine) error {
			t, err := eng.RenameTask(ctx, task.StableID(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Renamed %s to %q", ui.ID(t), t.Name))
			return nil
		})
	},
}

var collabDescribeCmd = &cobra.Command{
	Use:   "describe <id> [description...]",
	Short: "Set or clear a shared task's description",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withCollab(func(ctx context.Context, eng *sync.Engine) error {
			t, err := eng.UpdateDescription(ctx, task.StableID(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Updated description of %s", ui.ID(t)))
			return nil
		})
	},
}

var collabMoveCmd = &cobra.Command{
	Use:   "move <id> <todo|doing|done>",
	Short: "Move a shared task to a column and position",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		status, err := task.ParseStatus(args[1])
		if err != nil {
			fatalf("%v", err)
		}
		pos, _ := cmd.Flags().GetInt("position")
		withCollab(func(ctx context.Context, eng *sync.Engine) error {
			t, err := eng.SetStatus(ctx, task.StableID(args[0]), status, pos)
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Moved %s to %s", ui.ID(t), t.Status))
			return nil
		})
	},
}

var collabShareCmd = &cobra.Command{
	Use:   "share <private-id>",
	Short: "Copy a private task and its subtree into the collaboration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ref := localRef(args[0])
		parent, _ := cmd.Flags().GetString("parent")
		withCollab(func(ctx context.Context, eng *sync.Engine) error {
			db := openStore()
			defer db.Close()
			shared, err := eng.Share(ctx, db, ref.Local, task.StableID(parent))
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Shared %d task(s)", len(shared)))
			return nil
		})
	},
}

// collabSession is a running sync engine over the local database.
type collabSession struct {
	db     *store.DB
	engine *sync.Engine
	cancel context.CancelFunc
	done   chan error
}

func newClient() *client.Client {
	c, err := client.New(client.Config{BaseURL: cfg.Client.ServerURL, Logger: logger("client")})
	if err != nil {
		fatalf("%v", err)
	}
	return c
}

func rememberSession(name string, c *client.Client) {
	sessions, err := loadSessions(sessionPath())
	if err == nil {
		sessions.remember(name, cfg.Client.ServerURL, c.Session())
		err = sessions.save(sessionPath())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: session not saved: %v\n", err)
	}
}

// restore returns a client carrying the saved session of the selected
// collaboration.
func restore() (*sessionFile, string, *client.Client) {
	sessions, err := loadSessions(sessionPath())
	if err != nil {
		fatalf("%v", err)
	}
	name, saved, err := sessions.resolve(collabName)
	if err != nil {
		fatalf("%v", err)
	}
	c, err := client.New(client.Config{BaseURL: saved.Server, Logger: logger("client")})
	if err != nil {
		fatalf("%v", err)
	}
	c.Restore(saved.Session)
	return sessions, name, c
}

func connect(name string, c *client.Client) *collabSession {
	db := openStore()
	t := tree.New(db, tree.Config{Collaboration: name, Retry: retryPolicy(), Logger: logger("tree")})
	eng, err := sync.New(sync.Config{
		Store:     db,
		Tree:      t,
		Transport: c,
		Notifier: sync.NotifierFunc(func(n sync.Notice) {
			fmt.Fprintln(os.Stderr, ui.Notice(n))
		}),
		Retry:          retryPolicy(),
		HandoffTimeout: cfg.Client.HandoffTimeout,
		Logger:         logger("sync"),
	})
	if err != nil {
		db.Close()
		fatalf("%v", err)
	}
	return &collabSession{db: db, engine: eng, done: make(chan error, 1)}
}

func (cs *collabSession) start(ctx context.Context) {
	ctx, cs.cancel = context.WithCancel(ctx)
	go func() {
		cs.done <- cs.engine.Run(ctx)
	}()
}

// waitReady blocks until the engine caught up or failed to.
func (cs *collabSession) waitReady(ctx context.Context) error {
	select {
	case <-cs.engine.Ready():
		return nil
	case err := <-cs.done:
		cs.done <- err
		if err == nil {
			err = ctx.Err()
		}
		return explain(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *collabSession) close() {
	if cs.cancel != nil {
		cs.cancel()
		<-cs.done
	}
	cs.db.Close()
}

// explain adds the next step to errors the user can act on.
func explain(err error) error {
	switch {
	case errors.Is(err, client.ErrSessionExpired):
		return fmt.Errorf("%w (run 'treetodo collab join' again)", err)
	case errors.Is(err, sync.ErrNobodyAvailable):
		return fmt.Errorf("%w (ask a member to run 'treetodo collab watch')", err)
	}
	return err
}

// withCollab connects to the selected collaboration, catches up and runs fn.
func withCollab(fn func(ctx context.Context, eng *sync.Engine) error) {
	_, name, c := restore()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cs := connect(name, c)
	cs.start(ctx)
	err := cs.waitReady(ctx)
	if err == nil {
		err = explain(fn(ctx, cs.engine))
	}
	cs.close()
	if err != nil {
		fatalf("%v", err)
	}
}

func init() {
	collabCmd.PersistentFlags().StringVarP(&collabName, "collab", "c", "", "collaboration to use (default: the last one joined)")

	collabCreateCmd.Flags().String("password", "", "collaboration password (prompted when omitted)")
	collabCreateCmd.Flags().Int64("share", 0, "private task to copy into the collaboration")
	collabJoinCmd.Flags().String("password", "", "collaboration password (prompted when omitted)")
	collabLeaveCmd.Flags().Bool("purge", false, "delete the local copy of the collaboration's tasks")
	collabWatchCmd.Flags().Duration("interval", time.Second, "how often to check for changes to print")
	collabAddCmd.Flags().StringP("parent", "p", string(task.RootStable), "parent task id")
	collabListCmd.Flags().StringP("parent", "p", string(task.RootStable), "show the children of this task")
	collabListCmd.Flags().Bool("tree", false, "show the whole tree")
	collabListCmd.Flags().Bool("offline", false, "show the local copy without connecting")
	collabMoveCmd.Flags().Int("position", 0, "zero-based position in the target column")
	collabShareCmd.Flags().StringP("parent", "p", string(task.RootStable), "shared task to copy under")

	collabCmd.AddCommand(
		collabCreateCmd, collabJoinCmd, collabLeaveCmd, collabSyncCmd, collabWatchCmd,
		collabAddCmd, collabListCmd, collabRemoveCmd, collabRenameCmd, collabDescribeCmd,
		collabMoveCmd, collabShareCmd,
	)
	rootCmd.AddCommand(collabCmd)
}
