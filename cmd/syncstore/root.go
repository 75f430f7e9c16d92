package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/syncstore/internal/config"
	"github.com/hyperengineering/syncstore/internal/diagnostics"
	"github.com/hyperengineering/syncstore/pkg/syncstore"
)

// Version information set at build time via ldflags:
//
//	-X main.Version=1.0.0
//	-X main.Commit=abc1234
//	-X main.Date=2026-01-30T12:00:00Z
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "syncstore",
	Short: "syncstore - embedded per-user sync-capable relational store",
	RunE:  run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("syncstore %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(userCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("configuration loaded")

	handle, err := syncstore.Open(syncstore.Config{
		BlobStoreDir:      cfg.BlobStore.Dir,
		ScratchDir:        cfg.Database.ScratchDir,
		BlobStoreTimeout:  time.Duration(cfg.BlobStore.OperationTimeout),
		PersistInterval:   time.Duration(cfg.Worker.PersistInterval),
		AutomatedTestMode: cfg.Host.AutomatedTestMode,
		ForcedReset:       cfg.Host.ForcedReset,
	})
	if err != nil {
		return fmt.Errorf("open syncstore: %w", err)
	}
	slog.Info("syncstore opened", "blobstore_dir", cfg.BlobStore.Dir)

	var wg sync.WaitGroup
	if !cfg.Host.AutomatedTestMode {
		startWorker(ctx, &wg, "autopersist-scheduler", handle.RunAutoPersist)
	}

	var srv *http.Server
	if cfg.Diagnostics.Enabled {
		diag := diagnostics.New(handle, cfg.Host.DiagnosticVerbose)
		srv = &http.Server{Addr: cfg.Diagnostics.Addr, Handler: diag.Router()}
		go func() {
			slog.Info("diagnostics server starting", "address", cfg.Diagnostics.Addr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				slog.Error("diagnostics server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("diagnostics server shutdown error", "error", err)
		}
	}

	wg.Wait()

	if err := handle.Shutdown(context.Background()); err != nil {
		slog.Error("syncstore shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
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

// startWorker launches a background worker goroutine that respects context
// cancellation, tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
