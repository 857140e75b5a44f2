package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/framebus/internal/config"
	"github.com/nmxmxh/framebus/kernel/bridge"
	"github.com/nmxmxh/framebus/kernel/canvas"
	"github.com/nmxmxh/framebus/kernel/engine"
	"github.com/nmxmxh/framebus/kernel/present"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/threads/sab"
	"github.com/nmxmxh/framebus/kernel/utils"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON config file")
		width      = flag.Int("width", 0, "canvas width override")
		height     = flag.Int("height", 0, "canvas height override")
		frames     = flag.Int("frames", -1, "stop after this many frames (0 runs until signalled)")
		demo       = flag.String("demo", "", "demo scene: shapes or noise")
		logLevel   = flag.String("log-level", "", "log level override")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "framebusd:", err)
		os.Exit(2)
	}
	if *width > 0 {
		cfg.Canvas.Width = *width
	}
	if *height > 0 {
		cfg.Canvas.Height = *height
	}
	if *frames >= 0 {
		cfg.Canvas.Frames = *frames
	}
	if *demo != "" {
		cfg.Canvas.Demo = *demo
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "framebusd:", err)
		os.Exit(2)
	}

	logger := utils.NewLogger(utils.LoggerConfig{
		Level:    utils.ParseLevel(cfg.Log.Level),
		Colorize: cfg.Log.Color,
		JSON:     cfg.Log.JSON,
	})
	utils.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("framebusd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := utils.NewGracefulShutdown(cfg.ShutdownTimeout, logger)

	b := bridge.New(bridge.Options{
		Allocator: sab.AllocatorOptions{
			Backend: sab.Backend(cfg.Memory.Backend),
			Dir:     cfg.Memory.Dir,
			Prefix:  cfg.Memory.Prefix,
		},
		MaxDirtyRegions: cfg.FrameBuffer.MaxDirtyRegions,
		Logger:          logger,
	})
	shutdown.Register("bridge", b.Close)

	handles, err := b.CreateFrameBufferSet(cfg.Canvas.Width, cfg.Canvas.Height, cfg.FrameBuffer.BufferCount)
	if err != nil {
		return errors.Join(err, shutdown.Shutdown(context.Background()))
	}
	set, err := b.Set(handles.Set)
	if err != nil {
		return errors.Join(err, shutdown.Shutdown(context.Background()))
	}

	presenter, images, err := buildPresenters(cfg, shutdown, logger)
	if err != nil {
		return errors.Join(err, shutdown.Shutdown(context.Background()))
	}

	if images != nil && cfg.Engine.SnapshotPath != "" {
		shutdown.Register("snapshot", func(context.Context) error {
			return writeSnapshot(images, cfg.Engine.SnapshotPath)
		})
	}

	eng := engine.New(set, presenter, engine.Options{
		Idle:            cfg.Engine.Idle,
		ShutdownTimeout: cfg.Engine.ShutdownTimeout,
		Logger:          logger,
	})
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(engineCtx) }()

	shutdown.Register("engine", func(ctx context.Context) error {
		// The reader drains whatever is still ready once the set is closed.
		if err := set.Close(); err != nil && !errors.Is(err, framebuffer.ErrClosed) {
			logger.Warn("close set", "error", err)
		}
		select {
		case err := <-engineDone:
			st := eng.Stats()
			logger.Info("engine stopped",
				"frames", st.Frames,
				"full_frames", st.FullFrames,
				"dropped", st.Dropped,
				"present_errors", st.PresentErrors,
				"generation", st.LastGeneration,
			)
			return err
		case <-ctx.Done():
			cancelEngine()
			return <-engineDone
		}
	})

	logger.Info("framebusd started",
		"width", cfg.Canvas.Width,
		"height", cfg.Canvas.Height,
		"buffers", len(handles.Buffers),
		"backend", b.Allocator().Backend(),
		"presenters", cfg.Engine.Presenters,
		"demo", cfg.Canvas.Demo,
	)

	w := newWriter(canvas.New(set), cfg.Canvas, logger)
	werr := w.Run(ctx)
	if werr != nil {
		logger.Error("writer failed", "error", werr)
	}
	return errors.Join(werr, shutdown.Shutdown(context.Background()))
}

// buildPresenters creates the configured presenters and registers the
// servers they need with shutdown. The image presenter is returned
// separately when configured so its surface can be snapshotted.
func buildPresenters(cfg config.Config, shutdown *utils.GracefulShutdown, logger *slog.Logger) (present.Presenter, *present.ImagePresenter, error) {
	var (
		presenters []present.Presenter
		images     *present.ImagePresenter
	)
	mux := http.NewServeMux()

	for _, name := range cfg.Engine.Presenters {
		switch name {
		case config.PresenterImage:
			images = present.NewImagePresenter(cfg.Canvas.Width, cfg.Canvas.Height, present.ImageOptions{
				Scale:  cfg.Engine.Scale,
				Logger: logger,
			})
			presenters = append(presenters, images)
			mux.HandleFunc("/snapshot.png", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				if err := images.WritePNG(w); err != nil {
					logger.Warn("snapshot request failed", "error", err)
				}
			})
		case config.PresenterFBDev:
			fb, err := present.NewFramebufferPresenter(present.FramebufferOptions{
				Device: cfg.Engine.FBDevice,
				Fit:    cfg.Engine.FBFit,
				Logger: logger,
			})
			if err != nil {
				return nil, nil, err
			}
			presenters = append(presenters, fb)
		case config.PresenterStream:
			stream, err := present.NewStreamPresenter(present.StreamOptions{
				FrameRate:        cfg.Stream.FrameRate,
				Burst:            cfg.Stream.Burst,
				MaxClients:       cfg.Stream.MaxClients,
				WriteTimeout:     cfg.Stream.WriteTimeout,
				FailureThreshold: cfg.Stream.FailureThreshold,
				OpenTimeout:      cfg.Stream.OpenTimeout,
				Logger:           logger,
			})
			if err != nil {
				return nil, nil, err
			}
			presenters = append(presenters, stream)
			mux.Handle(cfg.Stream.Path, stream)
		}
	}

	if cfg.Has(config.PresenterStream) {
		srv := &http.Server{
			Addr:              cfg.Stream.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("stream server listening", "addr", srv.Addr, "path", cfg.Stream.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("stream server failed", "error", err)
			}
		}()
		shutdown.Register("http", srv.Shutdown)
	}

	return present.Multi(presenters...), images, nil
}

func writeSnapshot(images *present.ImagePresenter, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := images.WritePNG(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
