package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/share-sync/internal/blob"
	"github.com/alexjbarnes/share-sync/internal/config"
	"github.com/alexjbarnes/share-sync/internal/logging"
	"github.com/alexjbarnes/share-sync/internal/notify"
	"github.com/alexjbarnes/share-sync/internal/queue"
	"github.com/alexjbarnes/share-sync/internal/server"
	"github.com/alexjbarnes/share-sync/internal/share"
	"github.com/alexjbarnes/share-sync/internal/spool"
	"github.com/alexjbarnes/share-sync/internal/syncer"
	"github.com/alexjbarnes/share-sync/internal/upstream"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("share-sync starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("upstream", cfg.UpstreamURL),
		slog.String("blob_backend", cfg.BlobBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := queue.Open(cfg.QueuePath)
	if err != nil {
		return fmt.Errorf("opening offline queue: %w", err)
	}
	defer q.Close()

	store, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building blob store: %w", err)
	}

	var rules *share.FilterRules

	if cfg.FilterRules != "" {
		rules, err = share.LoadFilterRules(cfg.FilterRules)
		if err != nil {
			return fmt.Errorf("loading filter rules: %w", err)
		}
	}

	uploader := blob.NewUploader(store, logger)
	client := upstream.NewClient(nil, cfg.UpstreamURL, cfg.UpstreamToken, uploader, logger)

	commands := syncer.NewCommandSource()
	hub := notify.NewHub(logger, commands.Fire)

	scheduler := syncer.New(q, client, hub, logger,
		commands,
		&syncer.TickerSource{Interval: cfg.SyncInterval},
		&syncer.ProbeSource{Prober: client, Interval: cfg.ProbeInterval, Logger: logger},
	)

	mux := server.NewMux(server.MuxConfig{
		Shares:   server.NewShareHandler(client, q, rules, logger),
		Hub:      hub,
		Commands: commands,
		Queue:    q,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		err := scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if cfg.SpoolDir != "" {
		watcher := spool.New(cfg.SpoolDir, client, q, rules, logger)

		g.Go(func() error {
			err := watcher.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	return g.Wait()
}

// buildBlobStore selects the storage backend for shared file content.
func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BackendS3:
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return blob.NewLocalStore(cfg.BlobDir), nil
	}
}
