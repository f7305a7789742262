package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/api"
	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/config"
	"github.com/Waupie/home-security-camera/internal/device"
	"github.com/Waupie/home-security-camera/internal/encoder"
	"github.com/Waupie/home-security-camera/internal/motion"
	"github.com/Waupie/home-security-camera/internal/movement"
	"github.com/Waupie/home-security-camera/internal/recorder"
	"github.com/Waupie/home-security-camera/internal/recorder/storage"
	"github.com/Waupie/home-security-camera/internal/stream"
)

const shutdownTimeout = 15 * time.Second

// Application struct that holds all components
type Application struct {
	config *config.Config
	logger *zap.Logger

	camera   *device.Reopener
	movement *movement.State
	pipeline *stream.Pipeline
	recorder *recorder.Coordinator
	server   *api.Server

	wg sync.WaitGroup
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.HTTP.Addr, "addr", cfg.HTTP.Addr, "HTTP listen address")
	flag.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level (debug, info, warn, error)")
	flag.Parse()

	logger, err := camlog.New(camlog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	camlog.ReplaceGlobal(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(ctx); err != nil {
		logger.Error("Application stopped with error", zap.Error(err))
		stop()
		app.Cleanup()
		os.Exit(1)
	}
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	opts := device.Options{
		Path:    cfg.Camera.Device,
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
		FPS:     cfg.Camera.FPS,
		Quality: cfg.Camera.JPEGQuality,
	}
	app.camera = device.OpenWithReopen(cfg.Camera.Backends, opts, logger.Named("device"))
	arbiter := device.NewArbiter()

	enc := encoder.New(
		encoder.WithLogger(logger.Named("encoder")),
		encoder.WithPlaceholderSize(cfg.Camera.Width, cfg.Camera.Height),
	)
	app.movement = movement.NewState(cfg.Motion.HoldWindow)

	camera := app.camera
	checks := map[string]api.HealthCheck{
		"camera": func(context.Context) error {
			if camera.Name() == "unavailable" {
				return device.ErrUnavailable
			}
			return nil
		},
	}
	metrics := map[string]func() any{
		"encoder": func() any { return enc.Metrics() },
	}

	sinks, catalog, err := buildStorage(ctx, cfg, logger, checks, metrics)
	if err != nil {
		return nil, err
	}

	coordinator, err := recorder.New(app.camera, arbiter, recorder.Config{
		Dir:             cfg.Recording.Dir,
		DefaultDuration: cfg.Recording.Duration,
		MinFreeBytes:    256 << 20,
		UploadTimeout:   cfg.Upload.Timeout,
	},
		recorder.WithSinks(sinks...),
		recorder.WithLogger(logger.Named("recorder")),
		recorder.WithBaseContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}
	app.recorder = coordinator
	metrics["recorder"] = func() any { return coordinator.Metrics() }

	pipelineOpts := []stream.Option{stream.WithLogger(logger.Named("stream"))}
	if cfg.Motion.Enabled {
		detectorOpts := []motion.Option{motion.WithLogger(logger.Named("motion"))}
		if cfg.Recording.OnMotion {
			detectorOpts = append(detectorOpts, motion.WithNotifier(coordinator))
		}
		detector, err := motion.NewDetector(motion.Config{
			PixelDiffThresh: cfg.Motion.PixelDiffThresh,
			AreaRatio:       cfg.Motion.AreaRatio,
			Consecutive:     cfg.Motion.Consecutive,
			BlendAlpha:      cfg.Motion.BlendAlpha,
			Downsample:      cfg.Motion.Downsample,
			BlurKernel:      cfg.Motion.BlurKernel,
		}, app.movement, detectorOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create motion detector: %w", err)
		}
		pipelineOpts = append(pipelineOpts, stream.WithDetector(detector))
		metrics["motion"] = func() any { return detector.GetStats() }
	}
	pipeline := stream.New(app.camera, arbiter, enc, stream.Config{
		FPS:     cfg.Camera.FPS,
		Quality: cfg.Camera.JPEGQuality,
	}, pipelineOpts...)
	app.pipeline = pipeline
	metrics["stream"] = func() any { return pipeline.Stats() }
	metrics["distributor"] = func() any { return pipeline.Distributor().GetStats() }

	recordingsDir, err := filepath.Abs(cfg.Recording.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recordings directory: %w", err)
	}
	app.server = api.NewServer(cfg.HTTP.Addr, api.Deps{
		Stream:         app.pipeline,
		Recorder:       coordinator,
		Movement:       app.movement,
		Catalog:        catalog,
		RecordingsDir:  recordingsDir,
		RecordDuration: cfg.Recording.Duration,
		Checks:         checks,
		Metrics:        metrics,
	}, api.WithLogger(logger.Named("api")))

	return app, nil
}

// buildStorage returns the configured upload sinks and the catalog the
// /videos routes read. The video API wins over MinIO as the catalog. Each
// sink registers its health check and counters.
func buildStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger,
	checks map[string]api.HealthCheck, metrics map[string]func() any) ([]storage.Sink, storage.Lister, error) {
	var (
		sinks   []storage.Sink
		catalog storage.Lister
	)

	if cfg.Upload.MinIO.Endpoint != "" {
		m := cfg.Upload.MinIO
		sink, err := storage.NewMinIOSink(ctx, storage.MinIOConfig{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			UseSSL:          m.UseSSL,
			Bucket:          m.Bucket,
			Region:          m.Region,
		}, logger.Named("minio-store"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize MinIO storage: %w", err)
		}
		sinks = append(sinks, sink)
		catalog = sink
		checks["minio"] = sink.HealthCheck
		metrics["minio"] = func() any { return sink.GetMetrics() }
		logger.Info("MinIO upload enabled", zap.String("endpoint", m.Endpoint), zap.String("bucket", m.Bucket))
	}

	if cfg.Upload.APIURL != "" {
		catalog = storage.NewCatalog(cfg.Upload.APIURL, storage.DefaultCatalogTimeout, logger.Named("catalog"))
		if cfg.Upload.APIKey != "" {
			sink := storage.NewHTTPSink(cfg.Upload.APIURL, cfg.Upload.APIKey, cfg.Upload.Timeout,
				storage.WithHTTPLogger(logger.Named("upload")))
			sinks = append(sinks, sink)
			metrics["upload"] = func() any { return sink.Metrics() }
			logger.Info("Video API upload enabled", zap.String("url", cfg.Upload.APIURL))
		} else {
			logger.Warn("VIDEO_API_URL set without VIDEO_API_KEY, uploads disabled")
		}
	}

	if len(sinks) == 0 {
		logger.Info("No upload sink configured, recordings stay local")
	}
	return sinks, catalog, nil
}

// Run blocks until ctx is cancelled or the HTTP server fails.
func (app *Application) Run(ctx context.Context) error {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.pipeline.Run(ctx); err != nil {
			app.logger.Error("Stream pipeline exited", zap.Error(err))
		}
	}()

	errc := app.server.StartInBackground()
	app.logger.Info("Camera service running",
		zap.String("addr", app.config.HTTP.Addr),
		zap.String("device", app.camera.Name()),
		zap.Bool("motion", app.config.Motion.Enabled),
		zap.Bool("record_on_motion", app.config.Recording.OnMotion))

	select {
	case <-ctx.Done():
		app.logger.Info("Shutdown requested")
		return nil
	case err, ok := <-errc:
		if ok && err != nil {
			return err
		}
		return errors.New("HTTP server stopped unexpectedly")
	}
}

// Cleanup stops the server, waits for the pipeline and any in-flight
// recording, then releases the camera. It is safe to call twice.
func (app *Application) Cleanup() {
	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		cancel()
		app.server = nil
	}
	app.wg.Wait()
	if app.recorder != nil {
		app.recorder.Close()
		app.recorder = nil
	}
	if app.camera != nil {
		if err := app.camera.Close(); err != nil {
			app.logger.Warn("Camera close failed", zap.Error(err))
		}
		app.camera = nil
	}
}
