// Package main implements camrecd, the capture supervisor daemon: it
// records multiple RTSP camera feeds into segmented files on local storage,
// relocates completed segments into a date/camera-organized archive, and
// enforces a disk-space budget by evicting the oldest archived files.
//
// Usage:
//
//	camrecd --config=PATH [--log-file=PATH] [--http-addr=ADDR]
//
// Signals:
//
//	SIGINT, SIGTERM  Graceful shutdown; a repeated signal during shutdown is
//	                 ignored (spec.md §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/shifty-eyed/camrecd/internal/app"
	"github.com/shifty-eyed/camrecd/internal/config"
	"github.com/shifty-eyed/camrecd/internal/httpapi"
)

// Build information, set by ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath = flag.String("config", "config/config.json", "Path to configuration file")
	logFile    = flag.String("log-file", "", "Optional path to write structured logs to, in addition to stderr")
	httpAddr   = flag.String("http-addr", "", "Optional address to serve the log-tail/status HTTP surface on, e.g. :8080")
	ffmpegPath = flag.String("ffmpeg-path", app.DefaultFFmpegPath, "Path to the ffmpeg-compatible media tool binary")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	os.Exit(run())
}

// run contains main's logic and returns the process exit code, so defers
// and cleanup run before os.Exit (spec.md §6 exit codes: 0 clean, 1
// ConfigError/fatal, 130 interrupt).
func run() int {
	// Optional .env loading for deployment convenience (e.g. CAMRECD_-prefixed
	// overrides that internal/config reads); silently skipped if no .env file
	// is present.
	_ = godotenv.Load()

	flag.Parse()
	if *showHelp {
		printUsage()
		return 0
	}

	logger, closeLog := newLogger(*logFile)
	defer closeLog()

	runID := uuid.New().String()
	logger = logger.With("run_id", runID)
	logger.Info("camrecd starting", "version", Version, "commit", Commit)

	spec, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		return 1
	}
	logger.Info("configuration loaded", "path", *configPath, "cameras", len(spec.Cameras))

	if err := os.MkdirAll(spec.ScratchDir, 0o750); err != nil {
		logger.Error("cannot create scratch directory", "dir", spec.ScratchDir, "error", err)
		return 1
	}

	a := app.New(app.Config{
		Spec:       *spec,
		FFmpegPath: *ffmpegPath,
		Logger:     logger,
		RunID:      runID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(ctx, cancel, logger)

	var wg sync.WaitGroup
	if *httpAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler := httpapi.NewHandler(a)
			if err := httpapi.ListenAndServe(ctx, *httpAddr, handler); err != nil {
				logger.Error("http surface stopped with error", "error", err)
			}
		}()
		logger.Info("http surface listening", "addr", *httpAddr)
	}

	err = a.Run(ctx)
	wg.Wait()

	if err != nil && ctx.Err() == nil {
		logger.Error("supervisor exited with error", "error", err)
		return 1
	}

	logger.Info("camrecd shutdown complete")
	if ctx.Err() != nil {
		return interruptExitCode
	}
	return 0
}

// interruptExitCode is returned when shutdown was triggered by a signal
// (spec.md §6: "130 (or platform equivalent) on interrupt").
const interruptExitCode = 130

// installSignalHandler cancels ctx on the first SIGINT/SIGTERM; a repeated
// signal during shutdown is ignored (spec.md §6).
func installSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		// Drain and ignore any further signals during shutdown.
		for range sigCh {
		}
	}()
}

// newLogger builds the process-wide structured logger. When logFilePath is
// set, logs go to both stderr and the file; otherwise stderr only.
func newLogger(logFilePath string) (*slog.Logger, func()) {
	var w io.Writer = os.Stderr
	closeFn := func() {}

	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o750); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304 -- operator-supplied CLI flag
			if err == nil {
				w = io.MultiWriter(os.Stderr, f)
				closeFn = func() { _ = f.Close() }
			}
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), closeFn
}

func printUsage() {
	fmt.Println("camrecd - RTSP capture supervisor")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: camrecd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Records RTSP camera feeds into segmented files, moves completed")
	fmt.Println("segments into a date/camera-organized archive, and evicts the")
	fmt.Println("oldest archived files to stay under a configured size budget.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
