package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/treetodo/treetodo/internal/task"
	"github.com/treetodo/treetodo/internal/transfer"
	"github.com/treetodo/treetodo/internal/tree"
	"github.com/treetodo/treetodo/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "advanced",
	Short:   "Write tasks to a JSON, YAML or TOML file",
	Long: `Write the private tree, or a collaboration's local copy with --collab,
to a snapshot file. The format follows the extension: .json, .yaml/.yml or
.toml.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		collaboration, _ := cmd.Flags().GetString("collab")
		ctx := context.Background()

		db := openStore()
		defer db.Close()

		at := time.Now().UTC()
		if collaboration != "" {
			if cursor, ok, err := db.Cursor(ctx, collaboration); err == nil && ok {
				at = cursor
			}
		}

		eng := tree.New(db, tree.Config{Collaboration: collaboration, Retry: retryPolicy(), Logger: logger("tree")})
		all, err := eng.All(ctx)
		if err != nil {
			db.Close()
			fatalf("%v", err)
		}
		if err := transfer.WriteFile(args[0], transfer.FromTasks(collaboration, all, at)); err != nil {
			db.Close()
			fatalf("%v", err)
		}
		fmt.Println(ui.Success("Exported %d task(s) to %s", len(all), args[0]))
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Read tasks from a JSON, YAML or TOML file",
	Long: `Read a snapshot file.

Without --collab the tasks are added to the private tree, under --parent.
With --collab the local copy of the collaboration is replaced by the snapshot
and its timestamp becomes the sync cursor; changes logged after it are
replayed on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		collaboration, _ := cmd.Flags().GetString("collab")
		parent, _ := cmd.Flags().GetInt64("parent")
		ctx := context.Background()

		s, err := transfer.ReadFile(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		db := openStore()
		defer db.Close()

		var n int
		if collaboration != "" {
			n, err = transfer.ImportCollaboration(ctx, db, collaboration, s)
		} else {
			n, err = transfer.ImportPrivate(ctx, db, s, task.LocalID(parent))
		}
		if err != nil {
			db.Close()
			fatalf("%v", err)
		}
		fmt.Println(ui.Success("Imported %d task(s) from %s", n, args[0]))
	},
}

func init() {
	exportCmd.Flags().String("collab", "", "export this collaboration instead of the private tree")
	importCmd.Flags().String("collab", "", "replace this collaboration's local copy")
	importCmd.Flags().Int64P("parent", "p", int64(task.RootLocal), "private task to import under")

	rootCmd.AddCommand(exportCmd, importCmd)
}
