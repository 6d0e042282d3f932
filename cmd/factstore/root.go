package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/factstore/internal/api"
	"github.com/hyperengineering/factstore/internal/config"
	"github.com/hyperengineering/factstore/internal/snapshot"
	"github.com/hyperengineering/factstore/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "factstore",
	Short:        "Factstore - semantic property table service",
	Long:         "Runs the factstore HTTP service. Subcommands operate on the database directly without a server.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Database path (overrides config and FACTSTORE_DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(redirectCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Initialize store and engine (migrations, WAL mode, catalog check)
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)
	slog.Info("engine initialized",
		"equality_support", cfg.Engine.EqualitySupport,
		"update_jobs", cfg.Engine.EnableUpdateJobs,
		"id_cache_size", cfg.Engine.IDCacheSize,
	)

	// 5. Snapshot storage (NoopUploader when no bucket is configured)
	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		rt.Close()
		return err
	}
	if cfg.SnapshotStorage.Bucket != "" {
		slog.Info("snapshot storage configured",
			"bucket", cfg.SnapshotStorage.Bucket,
			"endpoint", cfg.SnapshotStorage.Endpoint,
		)
	}

	// 6. Initialize HTTP router
	handler := api.NewHandler(rt.engine, cfg.Auth.APIKey, Version,
		api.WithDeleteLimit(cfg.Server.DeleteBurst, refillInterval(cfg.Server.DeleteRate)),
		api.WithSnapshots(rt.store, uploader),
	)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 7. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Workers
	var wg sync.WaitGroup
	disposal := worker.NewDisposalCoordinator(rt.engine,
		time.Duration(cfg.Worker.DisposalInterval),
		cfg.Worker.DisposalBatchSize,
		cfg.Worker.DisposalRate,
	)
	startWorker(ctx, &wg, "disposal", disposal.Run)

	if interval := time.Duration(cfg.Worker.SnapshotInterval); interval > 0 {
		snapshots := worker.NewSnapshotGenerationWorker(rt.store, uploader, interval)
		startWorker(ctx, &wg, "snapshot", snapshots.Run)
	}

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers to complete
	wg.Wait()

	// 11c. Close store
	if err := rt.Close(); err != nil {
		slog.Error("store close error", "error", err)
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

// newLogger builds the process logger in the configured format.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// refillInterval converts a per-second rate into the token refill period
// of the delete limiter. A zero rate disables the limit.
func refillInterval(perSecond float64) time.Duration {
	if perSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / perSecond)
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
