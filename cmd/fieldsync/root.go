package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/api"
	"github.com/fieldops/fieldsync/internal/backup"
	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/engine"
	"github.com/fieldops/fieldsync/internal/remote"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "fieldsync",
	Short:        "fieldsync - offline-first sync daemon for field devices",
	Long:         "Runs the device sync daemon. Screens read and write through its loopback API while the daemon keeps the local cache and the backend in step.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(backupCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	backend := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, time.Duration(cfg.Remote.RequestTimeout))

	uploader, err := backup.NewUploader(cfg.Backup, clockwork.NewRealClock())
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.ConfigFrom(cfg), backend, engine.WithUploader(uploader))
	if err != nil {
		return err
	}

	// Storage failure is not fatal: the engine serves screens online-only.
	if err := eng.Init(ctx); err != nil {
		slog.Error("device storage unavailable, running online-only",
			"path", cfg.Database.Path,
			"error", err,
		)
	} else {
		slog.Info("store initialized", "path", cfg.Database.Path)
	}
	eng.Start()

	handler := api.NewHandler(eng, eng.Bus(), cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	go func() {
		slog.Info("server starting", "address", addr, "mode", eng.Mode())
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Stop the listener first so no write lands after the engine closes.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Waits for background workers, then closes the device database.
	if err := eng.Close(); err != nil {
		slog.Error("engine close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
