// Command diffbeltd runs the store server: an HTTP process hosting
// any number of named collections, per §1/§6 of the design spec.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/diffbelt/internal/config"
	"github.com/calvinalkan/diffbelt/internal/diffbeltstore"
	"github.com/calvinalkan/diffbelt/internal/httpapi"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "diffbeltd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("diffbeltd", flag.ContinueOnError)

	configPath := fs.StringP("config", "c", "", "path to a JSONC config file (overrides the project-local default)")
	dataDir := fs.String("data-dir", "", "override the configured data directory")
	listenAddr := fs.StringP("listen", "l", "", "override the configured listen address")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	cfg, sources, err := config.Load(workDir, *configPath, os.Environ())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	logger.Info("loaded configuration",
		"data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr,
		"global_config", sources.Global, "project_config", sources.Project)

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	store := diffbeltstore.New(
		fileEngineFactory(absDataDir, logger),
		diffbeltstore.GCOptions{
			BatchSize:      cfg.GC.BatchSize,
			InitialBackoff: cfg.GC.InitialBackoff,
			MaxBackoff:     cfg.GC.MaxBackoff,
			Logger:         logger,
		},
		diffbeltstore.CursorOptions{MaxCursors: cfg.MaxCursors, TTL: cfg.CursorTTL},
	)

	if err := restoreCollections(absDataDir, store, logger); err != nil {
		return fmt.Errorf("restore collections: %w", err)
	}

	store.SetOnChange(func() {
		if err := saveManifest(absDataDir, store); err != nil {
			logger.Error("save collections manifest", "error", err)
		}
	})

	srv := httpapi.NewServer(cfg.ListenAddr, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}

		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		return <-errCh
	case err := <-errCh:
		return err
	}
}

// fileEngineFactory roots every collection's three storage engines
// under dataDir/<collection>/{records,genindex,control}, durable across
// restarts via storage.OpenFileEngine's write-ahead log. The three
// engines live in independent files, so opening (and replaying their
// WALs) happens concurrently via errgroup rather than one after
// another.
func fileEngineFactory(dataDir string, logger *slog.Logger) diffbeltstore.EngineFactory {
	return func(name string) (storage.Engine, storage.Engine, storage.Engine) {
		base := filepath.Join(dataDir, name)

		var records, genIndex, control storage.Engine

		g, _ := errgroup.WithContext(context.Background())

		g.Go(func() error {
			var err error
			records, err = storage.OpenFileEngine(filepath.Join(base, "records"))
			return err
		})

		g.Go(func() error {
			var err error
			genIndex, err = storage.OpenFileEngine(filepath.Join(base, "genindex"))
			return err
		})

		g.Go(func() error {
			var err error
			control, err = storage.OpenFileEngine(filepath.Join(base, "control"))
			return err
		})

		if err := g.Wait(); err != nil {
			logger.Error("open collection engines", "collection", name, "error", err)
			os.Exit(1)
		}

		return records, genIndex, control
	}
}

func parseLevel(s string) slog.Level {
	switch s {
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
