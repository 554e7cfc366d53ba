package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"famlink/internal/agent"
	"famlink/internal/host"
	"famlink/internal/lifecycle"
	"famlink/internal/logging"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	foreground bool
	biometric  bool
	deviceName string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&foreground, "foreground", true, "Start in the foreground state so a signed-in child syncs immediately")
	runCmd.Flags().BoolVar(&biometric, "biometric", false, "Answer biometric prompts with success")
	runCmd.Flags().StringVar(&deviceName, "device-name", "", "Name reported to embedded content (defaults to the hostname)")
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.LoggerConfig{
		Format: cfg.Log.Format,
		Level:  logging.ParseLevel(cfg.Log.Level),
	})
	logger.Info("Starting famlink-agent", "version", Version, "authority", cfg.Authority.Kind)

	a, err := agent.New(ctx, agent.Options{
		Config:  cfg,
		Device:  host.NewDesktopDevice(deviceName, biometric),
		Logger:  logger,
		Version: Version,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	if foreground {
		if err := a.Coordinator.SetAppState(ctx, lifecycle.Foreground); err != nil {
			logger.Warn("Sync did not start", "error", err)
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      a.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the bridge websocket is long-lived
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Received signal, shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("Graceful shutdown complete")
	}
	return nil
}
