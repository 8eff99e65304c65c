package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treetodo/treetodo/internal/task"
	"github.com/treetodo/treetodo/internal/tree"
	"github.com/treetodo/treetodo/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Manage private tasks",
	Long: `Manage the private task tree. Private tasks are identified by their
local number and are never sent to a server.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <name>...",
	Short: "Add a task at the end of its parent's TODO column",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		parent, _ := cmd.Flags().GetInt64("parent")
		withPrivate(func(ctx context.Context, eng *tree.Engine) error {
			t, err := eng.AddTask(ctx, tree.AddRequest{
				Name:   strings.Join(args, " "),
				Parent: task.UnderLocal(task.LocalID(parent)),
			})
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Added %q as %s", t.Name, ui.ID(t)))
			return nil
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "Show tasks",
	Long: `Show the children of a task as TODO, DOING and DONE columns, or the
whole tree with --tree.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		parent, _ := cmd.Flags().GetInt64("parent")
		whole, _ := cmd.Flags().GetBool("tree")
		withPrivate(func(ctx context.Context, eng *tree.Engine) error {
			if whole {
				all, err := eng.All(ctx)
				if err != nil {
					return err
				}
				fmt.Println(ui.Tree(all))
				return nil
			}
			var ref task.Ref
			if parent != int64(task.RootLocal) {
				ref = task.ByLocal(task.LocalID(parent))
			}
			return showLevel(ctx, eng, "private", ref)
		})
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Remove a task and everything under it",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ref := localRef(args[0])
		withPrivate(func(ctx context.Context, eng *tree.Engine) error {
			n, err := eng.RemoveTask(ctx, ref)
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Removed %d task(s)", n))
			return nil
		})
	},
}

var taskRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>...",
	Short: "Rename a task",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ref := localRef(args[0])
		withPrivate(func(ctx context.Context, eng *tree.Engine) error {
			t, err := eng.RenameTask(ctx, ref, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Renamed %s to %q", ui.ID(t), t.Name))
			return nil
		})
	},
}

var taskDescribeCmd = &cobra.Command{
	Use:   "describe <id> [description...]",
	Short: "Set or clear a task's description",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ref := localRef(args[0])
		withPrivate(func(ctx context.Context, eng *tree.Engine) error {
			t, err := eng.UpdateDescription(ctx, ref, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Updated description of %s", ui.ID(t)))
			return nil
		})
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <id> <todo|doing|done>",
	Short: "Move a task to a column and position",
	Long: `Move a task to a status column. --position is the zero-based slot in
the target column; the task lands before the task currently there.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ref := localRef(args[0])
		status, err := task.ParseStatus(args[1])
		if err != nil {
			fatalf("%v", err)
		}
		pos, _ := cmd.Flags().GetInt("position")
		withPrivate(func(ctx context.Context, eng *tree.Engine) error {
			t, err := eng.SetStatusAndReorder(ctx, ref, status, tree.FlexIndexForPosition(pos))
			if err != nil {
				return err
			}
			fmt.Println(ui.Success("Moved %s to %s", ui.ID(t), t.Status))
			return nil
		})
	},
}

func localRef(arg string) task.Ref {
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid task id %q", arg)
	}
	return task.ByLocal(task.LocalID(id))
}

// showLevel prints the children of ref, or of the root when ref is zero.
func showLevel(ctx context.Context, eng *tree.Engine, title string, ref task.Ref) error {
	var err error
	if ref.IsZero() {
		err = eng.Reset(ctx)
	} else {
		err = eng.Open(ctx, ref)
	}
	if err != nil {
		return err
	}
	fmt.Println(ui.Breadcrumb(title, eng.Breadcrumb()))
	fmt.Println(ui.Board(eng.Current()))
	return nil
}

// withPrivate runs fn against the private tree of the local database.
func withPrivate(fn func(ctx context.Context, eng *tree.Engine) error) {
	db := openStore()
	defer db.Close()

	eng := tree.New(db, tree.Config{Retry: retryPolicy(), Logger: logger("tree")})
	if err := fn(context.Background(), eng); err != nil {
		db.Close()
		fatalf("%v", err)
	}
}

func init() {
	taskAddCmd.Flags().Int64P("parent", "p", int64(task.RootLocal), "parent task id")
	taskListCmd.Flags().Int64P("parent", "p", int64(task.RootLocal), "show the children of this task")
	taskListCmd.Flags().Bool("tree", false, "show the whole tree")
	taskMoveCmd.Flags().Int("position", 0, "zero-based position in the target column")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskRenameCmd, taskDescribeCmd, taskMoveCmd)
	rootCmd.AddCommand(taskCmd)
}
