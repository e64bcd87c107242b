// Package app assembles the runtime from config. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"remaster/internal/api"
	"remaster/internal/catalog"
	"remaster/internal/config"
	"remaster/internal/enhancer"
	"remaster/internal/models"
	"remaster/internal/publish"
	"remaster/internal/ratelimit"
	"remaster/internal/registry"
	"remaster/internal/service"
	"remaster/internal/telemetry"
	"remaster/internal/worker"
)

// App holds the wired components for one process.
type App struct {
	Config   config.Config
	Logger   zerolog.Logger
	Registry *registry.Registry
	Runner   *worker.Runner
	Service  *service.Service

	limiter api.Limiter
	redis   *redis.Client
}

// Build wires the catalog, enhancers, runner and service. Redis and S3 are
// only contacted when configured.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	cat, err := catalog.Load(cfg.ModelCatalog)
	if err != nil {
		return nil, err
	}

	images := enhancer.NewImageEnhancer(cat, logger,
		enhancer.WithMaxDimension(cfg.MaxImageDimension),
		enhancer.WithJPEGQuality(cfg.JPEGQuality),
	)
	videos := enhancer.NewVideoEnhancer(images, logger,
		enhancer.WithTools(cfg.FFmpegPath, cfg.FFprobePath),
		enhancer.WithStabilize(cfg.VideoStabilize),
		enhancer.WithFrameConcurrency(cfg.FrameConcurrency),
	)

	runnerOpts := []worker.Option{worker.WithConcurrency(cfg.WorkerConcurrency)}
	publisher, err := publish.NewS3Publisher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		runnerOpts = append(runnerOpts, worker.WithPublisher(publisher))
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("publishing results to s3")
	}

	reg := registry.New()
	runner := worker.NewRunner(reg, logger, runnerOpts...)
	svc := service.New(cat, reg, runner, map[models.MediaKind]enhancer.Enhancer{
		models.MediaImage: images,
		models.MediaVideo: videos,
	}, cfg.OutputDir, logger)

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Runner:   runner,
		Service:  svc,
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.limiter = ratelimit.NewTokenBucket(a.redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	return a, nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	srv := api.New(a.Service, api.Options{
		UploadDir:      a.Config.UploadDir,
		MaxUploadBytes: a.Config.MaxUploadBytes,
		Limiter:        a.limiter,
	}, a.Logger)
	return srv.Router()
}

// Serve runs the HTTP server and the retention janitor until ctx is done,
// then drains in-flight jobs within the configured shutdown timeout.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", ln.Addr().String()).Msg("http listening")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if a.Config.JobRetention > 0 {
		go a.janitor(ctx)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.Close(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("jobs still running at shutdown")
	}
	return serveErr
}

// Close stops accepting jobs, waits for running ones and releases clients.
func (a *App) Close(ctx context.Context) error {
	err := a.Runner.Shutdown(ctx)
	if a.redis != nil {
		_ = a.redis.Close()
	}
	return err
}

func (a *App) janitor(ctx context.Context) {
	interval := a.Config.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

// sweep purges terminal records that finished more than JobRetention ago.
func (a *App) sweep(now time.Time) int {
	n := a.Registry.Purge(now.Add(-a.Config.JobRetention))
	if n > 0 {
		telemetry.JobsPurged.Add(float64(n))
		a.Logger.Info().Int("purged", n).Msg("expired job records removed")
	}
	return n
}
