package utils

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type shutdownStep struct {
	name string
	fn   func(ctx context.Context) error
}

// GracefulShutdown manages graceful shutdown of components
type GracefulShutdown struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	logger  *slog.Logger
	done    bool
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = Logger()
	}

	return &GracefulShutdown{
		steps:   make([]shutdownStep, 0),
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Register registers a shutdown function. Steps run in reverse registration
// order, so consumers registered after their producers stop first.
func (g *GracefulShutdown) Register(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions once. Later calls return nil.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return nil
	}
	g.done = true

	g.logger.Info("Starting graceful shutdown", "components", len(g.steps))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var errs []error
	for i := len(g.steps) - 1; i >= 0; i-- {
		step := g.steps[i]
		if shutdownCtx.Err() != nil {
			g.logger.Warn("Graceful shutdown timed out", "pending", step.name)
			errs = append(errs, TimeoutError("shutdown "+step.name))
			break
		}
		if err := step.fn(shutdownCtx); err != nil {
			g.logger.Error("Shutdown function failed", "step", step.name, "error", err)
			errs = append(errs, WrapError(err, step.name))
		}
	}

	if len(errs) == 0 {
		g.logger.Info("Graceful shutdown complete")
	}
	return errors.Join(errs...)
}
