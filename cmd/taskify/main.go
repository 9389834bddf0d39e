// Command taskify is an offline-first task board. Edits land in a local
// store first and are reconciled with a remote document store in the
// background.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskify/tasksync/internal/config"
	"github.com/taskify/tasksync/internal/ui"
)

var (
	configPath  string
	offlineFlag bool
	noColor     bool
	verbose     bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "taskify",
	Short: "Offline-first task board with background sync",
	Long: `taskify keeps your tasks in a local store and syncs them with a remote
store whenever it is reachable. Every edit works offline.

Run "taskify daemon" to keep syncing in the background, or "taskify sync"
for a single pass.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || ui.ColorDisabledByEnv() {
			ui.DisableColor()
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $HOME/.taskify/config.yaml)")
	pf.BoolVar(&offlineFlag, "offline", false, "do not contact the remote store")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")
	pf.BoolVarP(&verbose, "verbose", "v", false, "show component logs")
}

func renderNote(s string) string {
	return ui.RenderMuted("  " + s)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
