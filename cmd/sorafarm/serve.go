package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/config"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/driver"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/driver/sora"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/scheduler"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/server"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/store/sqlite"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sorafarm server",
	Long: `Start the sorafarm HTTP server and scheduler.

The scheduler hydrates pending jobs from the database on startup, so a
restart resumes where the previous process left off. Shutting down (via
Ctrl+C or SIGTERM) drains in-flight work gracefully.

Examples:
  sorafarm serve                 # Start on default port 8080
  sorafarm serve --port 3000     # Start on custom port
  sorafarm serve --host 0.0.0.0  # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		cfgMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		if serveHost != "" {
			cfgMgr.Get().Server.Host = serveHost
		}
		if servePort != "" {
			cfgMgr.Get().Server.Port = servePort
		}
		cfgMgr.Watch()

		st, err := sqlite.New(cfgMgr.Get().Storage.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		drivers := driver.NewRegistry(logger)
		drivers.Register(&sora.Factory{Logger: logger})

		sched := scheduler.New(st, drivers, cfgMgr, logger)

		srv, err := server.New(server.Config{
			Store:         st,
			Scheduler:     sched,
			ConfigManager: cfgMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
