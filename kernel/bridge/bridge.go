// Package bridge exposes shared regions and frame buffer sets through
// integer handles, for a rendering engine that does not hold Go pointers.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/threads/sab"
	"github.com/nmxmxh/framebus/kernel/utils"
)

// Handle names a shared region or a frame buffer set. Zero is never issued.
type Handle uint32

var ErrUnknownHandle = errors.New("unknown handle")

// SetHandles are returned by CreateFrameBufferSet.
type SetHandles struct {
	Set     Handle
	Control Handle
	Buffers []Handle
}

// Consumed describes a frame claimed by Consume.
type Consumed struct {
	BufferIndex  int
	BufferHandle Handle
	Generation   uint32
	// DirtyRects are the regions to upload; the whole surface when Full.
	DirtyRects []dirty.Rect
	Full       bool
	Dropped    uint32
	Frame      *framebuffer.Frame
}

// Options configures a Bridge.
type Options struct {
	Allocator       sab.AllocatorOptions
	MaxDirtyRegions int // per set; default sab.MAX_DIRTY_REGIONS
	Logger          *slog.Logger
}

type setEntry struct {
	set     *framebuffer.Set
	handles SetHandles
}

// Bridge owns an allocator and every set created through it.
type Bridge struct {
	mu      sync.RWMutex
	alloc   *sab.Allocator
	sets    map[Handle]*setEntry
	nextSet Handle
	closed  bool

	maxDirty int
	logger   *slog.Logger
}

// New creates a bridge with its own allocator.
func New(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = utils.Logger()
	}
	if opts.Allocator.Logger == nil {
		opts.Allocator.Logger = opts.Logger
	}
	return &Bridge{
		alloc:    sab.NewAllocator(opts.Allocator),
		sets:     make(map[Handle]*setEntry),
		maxDirty: opts.MaxDirtyRegions,
		logger:   opts.Logger.With("component", "bridge"),
	}
}

// Allocator returns the allocator behind region handles.
func (b *Bridge) Allocator() *sab.Allocator {
	return b.alloc
}

// AllocateSharedRegion allocates a zeroed region of sizeBytes.
func (b *Bridge) AllocateSharedRegion(sizeBytes uint32) (Handle, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, framebuffer.ErrClosed
	}
	r, err := b.alloc.Allocate(sizeBytes)
	if err != nil {
		return 0, err
	}
	return Handle(r.Handle()), nil
}

// Region resolves a region handle, including the control block and buffers
// of a set.
func (b *Bridge) Region(h Handle) (*sab.SharedRegion, error) {
	r, ok := b.alloc.Lookup(uint32(h))
	if !ok {
		return nil, fmt.Errorf("region %d: %w", h, ErrUnknownHandle)
	}
	return r, nil
}

// ReleaseSharedRegion unmaps a region allocated with AllocateSharedRegion.
// Regions owned by a set are released with the set.
func (b *Bridge) ReleaseSharedRegion(h Handle) error {
	b.mu.RLock()
	for _, e := range b.sets {
		if owns(e.handles, h) {
			b.mu.RUnlock()
			return framebuffer.ErrSlotState.WithContext("region", h).WithContext("set", e.handles.Set)
		}
	}
	b.mu.RUnlock()
	if err := b.alloc.Release(uint32(h)); err != nil {
		return fmt.Errorf("region %d: %w", h, ErrUnknownHandle)
	}
	return nil
}

func owns(s SetHandles, h Handle) bool {
	if s.Control == h {
		return true
	}
	for _, bh := range s.Buffers {
		if bh == h {
			return true
		}
	}
	return false
}

// CreateFrameBufferSet allocates bufferCount width×height buffers and a
// control block.
func (b *Bridge) CreateFrameBufferSet(width, height, bufferCount int) (SetHandles, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return SetHandles{}, framebuffer.ErrClosed
	}

	set, err := framebuffer.New(b.alloc, framebuffer.Options{
		Width:           width,
		Height:          height,
		BufferCount:     bufferCount,
		MaxDirtyRegions: b.maxDirty,
		Logger:          b.logger,
	})
	if err != nil {
		return SetHandles{}, err
	}

	b.nextSet++
	handles := SetHandles{
		Set:     b.nextSet,
		Control: Handle(set.Control().Handle()),
		Buffers: make([]Handle, 0, set.BufferCount()),
	}
	for _, r := range set.Buffers() {
		handles.Buffers = append(handles.Buffers, Handle(r.Handle()))
	}
	b.sets[handles.Set] = &setEntry{set: set, handles: handles}

	b.logger.Info("frame buffer set registered", "set", handles.Set, "control", handles.Control, "buffers", len(handles.Buffers))
	return handles, nil
}

// Set resolves a set handle for in-process readers such as the engine.
func (b *Bridge) Set(h Handle) (*framebuffer.Set, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, framebuffer.ErrClosed
	}
	e, ok := b.sets[h]
	if !ok {
		return nil, fmt.Errorf("set %d: %w", h, ErrUnknownHandle)
	}
	return e.set, nil
}

// AcquireWritable claims a slot of the set for the writer.
func (b *Bridge) AcquireWritable(h Handle) (int, error) {
	set, err := b.Set(h)
	if err != nil {
		return -1, err
	}
	return set.AcquireWritable()
}

// MarkDirty records a changed rectangle for the frame being written.
func (b *Bridge) MarkDirty(h Handle, x, y, w, hgt int) error {
	set, err := b.Set(h)
	if err != nil {
		return err
	}
	set.MarkDirty(x, y, w, hgt)
	return nil
}

// Publish hands the slot to the reader.
func (b *Bridge) Publish(h Handle, bufferIndex int) error {
	set, err := b.Set(h)
	if err != nil {
		return err
	}
	return set.Publish(bufferIndex)
}

// Consume claims the newest frame. It returns nil, nil when there is
// nothing new.
func (b *Bridge) Consume(h Handle) (*Consumed, error) {
	b.mu.RLock()
	e, ok := b.sets[h]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, framebuffer.ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("set %d: %w", h, ErrUnknownHandle)
	}

	f, err := e.set.Consume()
	if err != nil || f == nil {
		return nil, err
	}
	return &Consumed{
		BufferIndex:  f.Index,
		BufferHandle: e.handles.Buffers[f.Index],
		Generation:   f.Generation,
		DirtyRects:   f.Regions(),
		Full:         f.Full,
		Dropped:      f.Dropped,
		Frame:        f,
	}, nil
}

// ReleaseToWritable returns a consumed slot to the writer.
func (b *Bridge) ReleaseToWritable(h Handle, bufferIndex int) error {
	set, err := b.Set(h)
	if err != nil {
		return err
	}
	return set.Release(bufferIndex)
}

// DestroyFrameBufferSet shuts the set down, waiting for its reader to
// release, and frees its regions.
func (b *Bridge) DestroyFrameBufferSet(ctx context.Context, h Handle) error {
	b.mu.RLock()
	e, ok := b.sets[h]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("set %d: %w", h, ErrUnknownHandle)
	}
	if err := e.set.Shutdown(ctx); err != nil && !errors.Is(err, framebuffer.ErrClosed) {
		return err
	}

	b.mu.Lock()
	delete(b.sets, h)
	b.mu.Unlock()
	b.logger.Info("frame buffer set destroyed", "set", h)
	return nil
}

// Close destroys every set and releases every region. If a set's reader
// does not release before ctx ends, the allocator is left mapped. Later calls
// return ErrClosed.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return framebuffer.ErrClosed
	}
	b.closed = true
	handles := make([]Handle, 0, len(b.sets))
	for h := range b.sets {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := b.DestroyFrameBufferSet(ctx, h); err != nil {
			errs = append(errs, utils.WrapError(err, fmt.Sprintf("destroy set %d", h)))
		}
	}
	if len(errs) > 0 {
		b.logger.Error("bridge closed with live sets", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	return b.alloc.Close()
}
