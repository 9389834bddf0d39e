package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"

	"github.com/taskify/tasksync/internal/daemon"
	"github.com/taskify/tasksync/internal/dashboard"
	"github.com/taskify/tasksync/internal/reconcile"
	"github.com/taskify/tasksync/internal/ui"
)

const shutdownTimeout = 30 * time.Second

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one reconciliation pass now",
	Long: `Reconcile the local store with the remote store once: pending deletes
are replayed, local changes are pushed and remote changes are pulled. The
newer copy of each task wins.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		d, err := a.newDaemon(false)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		res, err := d.SyncNow(ctx)
		if errors.Is(err, daemon.ErrOffline) {
			fmt.Fprintf(out, "%s Offline; %d local change(s) waiting\n", ui.RenderWarn("!"), unsynced(a))
			return nil
		}
		if err != nil {
			return err
		}
		printResult(out, res)
		if res.Outcome == reconcile.OutcomeFailed {
			return res.Err()
		}
		return nil
	},
}

func printResult(out io.Writer, res *reconcile.Result) {
	mark := ui.RenderPass("✓")
	switch res.Outcome {
	case reconcile.OutcomePartial:
		mark = ui.RenderWarn("!")
	case reconcile.OutcomeFailed:
		mark = ui.RenderFail("✗")
	}
	fmt.Fprintf(out, "%s Sync %s: %d pushed, %d pulled, %d deleted (%s)\n",
		mark, res.Outcome, res.Pushed, res.Pulled, res.Deleted, res.Duration().Round(time.Millisecond))
	for _, f := range res.Failures {
		fmt.Fprintf(out, "  %s %s\n", ui.RenderFail("•"), f.Error())
	}
}

// unsynced counts tasks never pushed plus deletes not yet replayed.
func unsynced(a *app) int {
	n := len(a.repo.PendingDeletes())
	for _, t := range a.repo.List() {
		if t.OwnerID == "" {
			n++
		}
	}
	return n
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		out := cmd.OutOrStdout()
		state := ui.RenderPass(string(reconcile.StateOnline))
		if !a.monitor.Online() {
			state = ui.RenderWarn(string(reconcile.StateOffline))
		}

		principal := a.repo.Principal()
		if principal == "" {
			principal = ui.RenderMuted("(not signed in)")
		}

		remoteDesc := cfg.Remote.Backend
		switch cfg.Remote.Backend {
		case "http":
			remoteDesc += " " + cfg.Remote.URL
		case "redis":
			remoteDesc += " " + cfg.Remote.Redis.Addr
		}

		fmt.Fprintf(out, "%-16s %s\n", "State:", state)
		fmt.Fprintf(out, "%-16s %s\n", "Remote:", remoteDesc)
		fmt.Fprintf(out, "%-16s %s\n", "Principal:", principal)
		fmt.Fprintf(out, "%-16s %s (%s)\n", "Local store:", cfg.Storage.Path, cfg.Storage.Backend)
		fmt.Fprintf(out, "%-16s %d\n", "Tasks:", a.repo.Len())
		fmt.Fprintf(out, "%-16s %d\n", "Not pushed:", unsynced(a)-len(a.repo.PendingDeletes()))
		fmt.Fprintf(out, "%-16s %d\n", "Pending deletes:", len(a.repo.PendingDeletes()))
		if err := a.repo.PersistErr(); err != nil {
			fmt.Fprintf(out, "%-16s %s\n", "Storage error:", ui.RenderFail(err.Error()))
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep syncing in the background",
	Long: `Run the sync daemon in the foreground. It syncs on startup, whenever the
remote store reports a change, whenever another taskify process edits the
local store, when connectivity comes back, and every sync.interval.

It also fires due-date reminders and, with dashboard.enabled, serves a
WebSocket status feed on dashboard.port.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dashboardOn, _ := cmd.Flags().GetBool("dashboard")
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
			dashboardOn = true
		}
		dashboardOn = dashboardOn || cfg.Dashboard.Enabled

		ctx := context.Background()
		a, err := openApp(ctx, cfg, appOptions{})
		if err != nil {
			return err
		}

		d, err := a.newDaemon(true)
		if err != nil {
			_ = a.close()
			return err
		}

		stopReminders := func() {}
		if cfg.Reminder.Enabled {
			stopReminders = a.followReminders()
		}

		var dash *dashboard.Server
		var handler *dashboard.Handler
		if dashboardOn {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: a.logger("dashboard"),
			})
			handler = dashboard.NewHandler(dash, a.repo, a.engine.Status(), a.logger("dashboard"))
			handler.Attach()
			if err := dash.Start(); err != nil {
				_ = a.close()
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dashboard on ws://%s/ws\n", dash.GetAddr())
		}

		if a.prober != nil {
			if err := a.prober.Start(ctx); err != nil {
				_ = a.close()
				return err
			}
		}
		if err := d.Start(ctx); err != nil {
			_ = a.close()
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Sync daemon running (Ctrl+C to stop)\n", ui.RenderAccent("⟳"))

		wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
			"dashboard": func(ctx context.Context) error {
				if dash == nil {
					return nil
				}
				handler.Detach()
				return dash.Stop()
			},
			"sync": func(ctx context.Context) error {
				err := d.Stop()
				stopReminders()
				return errors.Join(err, a.close())
			},
		})

		if code := <-wait; code != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", code)
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the WebSocket status dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "dashboard port (implies --dashboard)")

	rootCmd.AddCommand(syncCmd, statusCmd, daemonCmd)
}
