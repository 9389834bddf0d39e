package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskify/tasksync/internal/export"
	"github.com/taskify/tasksync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "tasks",
	Short:   "Write all tasks to a file or stdout",
	Long: `Write all tasks as json, jsonl, yaml or toml. Without a file, output goes
to stdout. The format defaults to the file extension, or jsonl.

Examples:
  taskify export tasks.jsonl
  taskify export --format yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatText, _ := cmd.Flags().GetString("format")
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		if formatText == "" {
			formatText = string(export.FormatJSONL)
			if ext := filepath.Ext(path); ext != "" {
				formatText = ext
			}
		}
		f, err := export.ParseFormat(formatText)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		tasks := a.repo.List()
		sortBoard(tasks)

		if path == "" {
			return export.Write(cmd.OutOrStdout(), f, tasks)
		}
		if err := export.WriteFile(path, f, tasks); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d task(s) to %s\n", ui.RenderPass("✓"), len(tasks), path)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "tasks",
	Short:   "Import tasks from a JSON Lines file",
	Long: `Import tasks from JSON Lines, one task per line. New ids are added;
existing tasks are replaced only by a newer copy. Imported tasks are pushed
on the next sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		// #nosec G304 - user-supplied import path
		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer file.Close()

		tasks, result, err := export.ReadJSONL(file, time.Now())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		if err := export.Import(ctx, a.repo, tasks, result, dryRun); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s: %d added, %d updated, %d skipped (%d read)\n",
			ui.RenderPass("✓"), verb, result.Added, result.Updated, result.Skipped, result.Read)
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  %s %s\n", ui.RenderWarn("•"), e)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "", "json, jsonl, yaml or toml")
	importCmd.Flags().Bool("dry-run", false, "report what would change without writing")

	rootCmd.AddCommand(exportCmd, importCmd)
}
