package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"finger/internal/logging"
	"finger/internal/server"
)

// serveCmd runs the server in the foreground. The daemon supervisor spawns
// exactly this command as its detached child.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
			return err
		}

		logger := logging.NewFileLogger(cfg.LogFile(), logging.LevelInfo)
		defer func() { _ = logger.Close() }()
		logger.SetMirror(os.Stderr)

		app, err := server.New(server.Options{
			Config: cfg,
			Logger: logger.Component("server"),
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return app.Run(ctx)
	},
}
