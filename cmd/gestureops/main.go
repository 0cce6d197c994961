package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/gestureops/internal/app"
	"github.com/ayusman/gestureops/internal/capture"
	"github.com/ayusman/gestureops/internal/config"
	"github.com/ayusman/gestureops/internal/server"
	"github.com/ayusman/gestureops/internal/store"
	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("gestureops stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	return zc.Build()
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(st))

	a := app.New(app.Config{
		Store:          st,
		Upstream:       upstream.NewClient(cfg.UpstreamURL, upstream.DefaultTimeout, logger.Named("upstream")),
		StreamURL:      cfg.StreamURL,
		Dialer:         stream.WebsocketDialer{HandshakeTimeout: cfg.RetryDelay},
		Prober:         capture.DeviceProber{},
		RetryDelay:     cfg.RetryDelay,
		PollInterval:   cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		SampleInterval: cfg.SampleInterval,
		MaxCameras:     cfg.MaxCameras,
		DialLimit:      cfg.MaxConcurrentDials,
		ProbeLimit:     cfg.ProbeLimit,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: server.New(server.Config{
			StaticDir: cfg.StaticDir,
			App:       a,
			Logger:    logger.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.String("upstream", cfg.UpstreamURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Stopping the app first ends the video relays Shutdown would wait on.
		stopErr := a.Stop()
		return multierr.Append(stopErr, srv.Shutdown(sctx))
	})
	return g.Wait()
}
