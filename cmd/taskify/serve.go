package main

import (
	"context"
	"fmt"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"

	"github.com/taskify/tasksync/internal/config"
	"github.com/taskify/tasksync/internal/remote"
	"github.com/taskify/tasksync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run a remote task store server",
	Long: `Serve a remote task store over HTTP, with live snapshots over WebSocket.
Devices point remote.url at it.

Backends:
  memory   tasks live in this process only
  sqlite   tasks are kept in server.db_path
  redis    tasks are kept in remote.redis.addr; several servers can share it

Examples:
  taskify serve
  taskify serve --addr :9000 --backend sqlite`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Server.Addr, _ = flags.GetString("addr")
		}
		if flags.Changed("backend") {
			cfg.Server.Backend, _ = flags.GetString("backend")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logs := config.OpenLogs(cfg.Log, false)
		defer logs.Close()

		ctx := context.Background()
		rs, closeStore, err := openServerStore(ctx, logs)
		if err != nil {
			return err
		}

		srv := server.New(&server.Config{
			Addr:   cfg.Server.Addr,
			Store:  rs,
			Logger: logs.Logger("server"),
		})
		if err := srv.Start(); err != nil {
			_ = closeStore()
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Serving %s store on %s (Ctrl+C to stop)\n", cfg.Server.Backend, srv.GetAddr())

		wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				if err := srv.Stop(ctx); err != nil {
					_ = closeStore()
					return err
				}
				return closeStore()
			},
		})
		if code := <-wait; code != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", code)
		}
		return nil
	},
}

func openServerStore(ctx context.Context, logs *config.Logs) (remote.Store, func() error, error) {
	switch cfg.Server.Backend {
	case "sqlite":
		s, err := remote.OpenSQL(ctx, cfg.Server.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		s, err := remote.OpenRedis(ctx, remote.RedisConfig{
			Addr:     cfg.Remote.Redis.Addr,
			Password: cfg.Remote.Redis.Password,
			DB:       cfg.Remote.Redis.DB,
			Prefix:   cfg.Remote.Redis.Prefix,
		}, logs.Logger("redis"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return remote.NewMemoryStore(), func() error { return nil }, nil
	}
}

func init() {
	serveCmd.Flags().String("addr", ":8787", "address to listen on")
	serveCmd.Flags().String("backend", "memory", "memory, sqlite or redis")

	rootCmd.AddCommand(serveCmd)
}
