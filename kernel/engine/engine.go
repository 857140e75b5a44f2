// Package engine is the reader side of a frame buffer set: it consumes
// published frames, hands their dirty regions to a presenter and returns
// the slots.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/framebus/kernel/present"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/utils"
)

// Options configures an Engine.
type Options struct {
	// Idle bounds each wait for a new generation. A writer in another
	// process cannot wake the engine, so this is also its poll interval.
	Idle time.Duration // default 100ms
	// ShutdownTimeout bounds the presenter shutdown when Run ends.
	ShutdownTimeout time.Duration // default 5s
	Logger          *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Idle <= 0 {
		o.Idle = 100 * time.Millisecond
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = utils.Logger()
	}
}

// Stats counts what the engine presented.
type Stats struct {
	Frames         uint64
	FullFrames     uint64
	Regions        uint64
	Pixels         uint64
	Dropped        uint64
	PresentErrors  uint64
	LastGeneration uint32
}

// Engine drives one presenter from one frame buffer set. It is the set's
// only reader.
type Engine struct {
	set       *framebuffer.Set
	presenter present.Presenter
	opts      Options

	// forceFull is set after a failed present: the target may be missing
	// the regions of that frame.
	forceFull bool

	frames        atomic.Uint64
	fullFrames    atomic.Uint64
	regions       atomic.Uint64
	pixels        atomic.Uint64
	dropped       atomic.Uint64
	presentErrors atomic.Uint64
	lastGen       atomic.Uint32

	logger *slog.Logger
}

// New creates an engine. Nothing runs until Run.
func New(set *framebuffer.Set, presenter present.Presenter, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		set:       set,
		presenter: presenter,
		opts:      opts,
		logger:    opts.Logger.With("component", "engine"),
	}
}

// Run consumes and presents frames until the set is closed and drained, ctx
// ends, or the protocol reports an error. The presenter is shut down before
// Run returns. Run returns nil after a clean close.
func (e *Engine) Run(ctx context.Context) (err error) {
	watcher := e.set.GenerationWatcher()
	e.logger.Info("engine started", "width", e.set.Width(), "height", e.set.Height(), "buffers", e.set.BufferCount())

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), e.opts.ShutdownTimeout)
		defer cancel()
		if serr := e.presenter.Shutdown(sctx); serr != nil {
			e.logger.Warn("presenter shutdown failed", "error", serr)
			if err == nil {
				err = utils.WrapError(serr, "presenter shutdown")
			}
		}
		e.logger.Info("engine stopped", "frames", e.frames.Load(), "dropped", e.dropped.Load())
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := e.set.Consume()
		if errors.Is(err, framebuffer.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if frame == nil {
			if _, err := watcher.WaitForChange(ctx, e.opts.Idle); err != nil {
				return err
			}
			continue
		}

		e.present(ctx, frame)
		if err := e.set.Release(frame.Index); err != nil {
			return err
		}
	}
}

func (e *Engine) present(ctx context.Context, frame *framebuffer.Frame) {
	if e.forceFull {
		frame.Full = true
	}
	if frame.Dropped > 0 {
		e.dropped.Add(uint64(frame.Dropped))
		e.logger.Debug("frames dropped", "count", frame.Dropped, "generation", frame.Generation)
	}

	stats := frame.Stats()
	if err := e.presenter.Present(ctx, frame); err != nil {
		e.forceFull = true
		e.presentErrors.Add(1)
		e.logger.Warn("present failed", "generation", frame.Generation, "error", err)
		return
	}
	e.forceFull = false

	e.frames.Add(1)
	if frame.Full {
		e.fullFrames.Add(1)
	}
	e.regions.Add(uint64(stats.Regions))
	e.pixels.Add(uint64(stats.Pixels))
	e.lastGen.Store(frame.Generation)
	e.logger.Debug("frame presented",
		"generation", frame.Generation, "regions", stats.Regions, "coverage", stats.Coverage)
}

// Stats may be called while Run is active.
func (e *Engine) Stats() Stats {
	return Stats{
		Frames:         e.frames.Load(),
		FullFrames:     e.fullFrames.Load(),
		Regions:        e.regions.Load(),
		Pixels:         e.pixels.Load(),
		Dropped:        e.dropped.Load(),
		PresentErrors:  e.presentErrors.Load(),
		LastGeneration: e.lastGen.Load(),
	}
}
