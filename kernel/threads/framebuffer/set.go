package framebuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
	"github.com/nmxmxh/framebus/kernel/threads/foundation"
	"github.com/nmxmxh/framebus/kernel/threads/sab"
	"github.com/nmxmxh/framebus/kernel/utils"
)

// drainPoll bounds each wait while shutdown drains a reader in another process.
const drainPoll = 10 * time.Millisecond

// Options configures a Set.
type Options struct {
	Width           int
	Height          int
	BufferCount     int // default 3
	MaxDirtyRegions int // default sab.MAX_DIRTY_REGIONS
	Logger          *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.BufferCount == 0 {
		o.BufferCount = sab.DEFAULT_BUFFER_COUNT
	}
	if o.MaxDirtyRegions == 0 {
		o.MaxDirtyRegions = sab.MAX_DIRTY_REGIONS
	}
	if o.Logger == nil {
		o.Logger = utils.Logger()
	}
}

func (o Options) validate() error {
	if o.Width <= 0 || o.Height <= 0 || o.MaxDirtyRegions < 0 {
		return ErrInvalidConfig.WithContext("width", o.Width).WithContext("height", o.Height)
	}
	if err := sab.ValidateGeometry(o.BufferCount, o.MaxDirtyRegions, o.Width, o.Height); err != nil {
		return newError(CodeInvalidConfig, "invalid frame buffer configuration", err)
	}
	return nil
}

// Set is a group of equally sized pixel buffers plus the control block the
// writer and reader use to hand them over.
//
// One goroutine (or process) writes: AcquireWritable, MarkDirty, Publish.
// One goroutine (or process) reads: Consume, Release. Close, Shutdown and
// Stats may be called from anywhere.
type Set struct {
	width, height int
	stride        int
	count         int
	maxDirty      int

	control *sab.SharedRegion
	buffers []*sab.SharedRegion
	ctrl    []uint32
	pixels  [][]byte
	owned   bool

	generation *foundation.Epoch
	releases   *foundation.Epoch

	// Writer-local state.
	tracker       *dirty.Tracker
	held          int
	reclaimed     bool
	lastSlot      int
	lastPublished []dirty.Rect
	lastFull      bool
	content       [sab.MAX_BUFFER_COUNT]uint32
	history       history

	// Lifetime of the mapped memory.
	inflight   atomic.Int32
	draining   atomic.Bool
	revoked    atomic.Bool
	shutdownMu sync.Mutex

	catchUps   atomic.Uint64
	fullCopies atomic.Uint64
	carried    atomic.Uint64
	stolen     atomic.Uint64

	logger *slog.Logger
}

// New allocates a control block and BufferCount pixel buffers from alloc.
// The regions are released by Shutdown.
func New(alloc *sab.Allocator, opts Options) (*Set, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	control, err := alloc.Allocate(sab.ControlBlockSize(uint32(opts.BufferCount), uint32(opts.MaxDirtyRegions)))
	if err != nil {
		return nil, err
	}
	buffers := make([]*sab.SharedRegion, 0, opts.BufferCount)
	cleanup := func() {
		for _, b := range buffers {
			_ = b.Release()
		}
		_ = control.Release()
	}
	for i := 0; i < opts.BufferCount; i++ {
		buf, err := alloc.Allocate(sab.PixelBufferSize(uint32(opts.Width), uint32(opts.Height)))
		if err != nil {
			cleanup()
			return nil, err
		}
		buffers = append(buffers, buf)
	}

	init, err := sab.NewControlInitializer(control.Words(), sab.ControlGeometry{
		BufferCount: uint32(opts.BufferCount),
		Width:       uint32(opts.Width),
		Height:      uint32(opts.Height),
		MaxDirty:    uint32(opts.MaxDirtyRegions),
	})
	if err == nil {
		err = init.Initialize()
	}
	if err != nil {
		cleanup()
		return nil, newError(CodeInvalidConfig, "initialize control block", err)
	}

	s := newSet(control, buffers, opts, true)
	s.logger.Info("frame buffer set created",
		"width", opts.Width, "height", opts.Height,
		"buffers", opts.BufferCount, "max_dirty", opts.MaxDirtyRegions,
		"control_handle", control.Handle())
	return s, nil
}

// Attach opens a Set over regions initialized elsewhere, typically by the
// writer process. Geometry comes from the control block header. Attached
// regions are not released by Shutdown.
func Attach(control *sab.SharedRegion, buffers []*sab.SharedRegion, logger *slog.Logger) (*Set, error) {
	g, err := sab.ReadControlGeometry(control.Words())
	if err != nil {
		return nil, newError(CodeInvalidConfig, "attach control block", err)
	}
	if int(g.BufferCount) != len(buffers) {
		return nil, ErrInvalidConfig.WithContext("buffers", len(buffers)).WithContext("expected", g.BufferCount)
	}
	size := sab.PixelBufferSize(g.Width, g.Height)
	for i, b := range buffers {
		if b.ByteLength() < size {
			return nil, ErrInvalidConfig.WithContext("buffer", i).WithContext("bytes", b.ByteLength())
		}
	}
	opts := Options{
		Width:           int(g.Width),
		Height:          int(g.Height),
		BufferCount:     int(g.BufferCount),
		MaxDirtyRegions: int(g.MaxDirty),
		Logger:          logger,
	}
	opts.applyDefaults()
	return newSet(control, buffers, opts, false), nil
}

func newSet(control *sab.SharedRegion, buffers []*sab.SharedRegion, opts Options, owned bool) *Set {
	ctrl := control.Words()
	pixels := make([][]byte, len(buffers))
	for i, b := range buffers {
		pixels[i] = b.Bytes()[:sab.PixelBufferSize(uint32(opts.Width), uint32(opts.Height))]
	}
	s := &Set{
		width:      opts.Width,
		height:     opts.Height,
		stride:     opts.Width * sab.BYTES_PER_PIXEL,
		count:      opts.BufferCount,
		maxDirty:   opts.MaxDirtyRegions,
		control:    control,
		buffers:    buffers,
		ctrl:       ctrl,
		pixels:     pixels,
		owned:      owned,
		generation: foundation.NewEpoch(&ctrl[sab.CTRL_GENERATION]),
		releases:   foundation.NewEpoch(&ctrl[sab.CTRL_RELEASE_EPOCH]),
		tracker:    dirty.NewTracker(opts.Width, opts.Height, opts.MaxDirtyRegions),
		held:       -1,
		lastSlot:   -1,
		logger:     opts.Logger.With("component", "framebuffer", "control_handle", control.Handle()),
	}
	// A writer attaching to a block with history cannot know slot contents.
	if gen := s.load(sab.CTRL_GENERATION); gen > 0 {
		s.lastSlot = indexOf(s.load(sab.CTRL_READY_IDX))
		if s.lastSlot >= 0 {
			s.content[s.lastSlot] = gen
		}
	}
	return s
}

func (s *Set) Width() int       { return s.width }
func (s *Set) Height() int      { return s.height }
func (s *Set) Stride() int      { return s.stride }
func (s *Set) BufferCount() int { return s.count }
func (s *Set) MaxDirty() int    { return s.maxDirty }

// Control returns the control block region.
func (s *Set) Control() *sab.SharedRegion { return s.control }

// Buffers returns the pixel buffer regions in slot order.
func (s *Set) Buffers() []*sab.SharedRegion { return s.buffers }

// Pixels returns the bytes of a slot, or nil for an unknown slot or after shutdown.
func (s *Set) Pixels(slot int) []byte {
	if slot < 0 || slot >= s.count || s.revoked.Load() {
		return nil
	}
	return s.pixels[slot]
}

// Closed reports whether Close has been called.
func (s *Set) Closed() bool {
	if !s.enter() {
		return true
	}
	defer s.exit()
	return s.load(sab.CTRL_CLOSED) != 0
}

// Generation returns the number of frames published so far.
func (s *Set) Generation() uint32 {
	if !s.enter() {
		return 0
	}
	defer s.exit()
	return s.load(sab.CTRL_GENERATION)
}

// GenerationWatcher returns an epoch reader that wakes when a frame is
// published or the set closes. Each waiting goroutine needs its own.
func (s *Set) GenerationWatcher() *foundation.Epoch {
	return s.generation.Reader()
}

func (s *Set) enter() bool {
	s.inflight.Add(1)
	if s.revoked.Load() {
		s.inflight.Add(-1)
		return false
	}
	return true
}

func (s *Set) exit() {
	s.inflight.Add(-1)
}

// AcquireWritable claims a slot for the writer. The slot is never the one the
// reader holds nor, with three or more slots, the one most recently
// published. Its pixels are brought up to date with the last published frame
// before it is returned.
func (s *Set) AcquireWritable() (int, error) {
	if !s.enter() {
		return -1, ErrClosed
	}
	defer s.exit()

	if s.load(sab.CTRL_CLOSED) != 0 {
		return -1, ErrClosed
	}
	if s.held >= 0 {
		return -1, slotStateError("writer already holds slot %d", s.held)
	}

	start := s.lastSlot + 1
	for i := 0; i < s.count; i++ {
		slot := (start + i) % s.count
		if s.casSlot(slot, sab.SlotWritable, sab.SlotPublishing) {
			s.claim(slot, false)
			return slot, nil
		}
	}

	// Two slots: the reader holds one, so the only other is the unread ready
	// frame. Taking it drops that frame.
	if s.count == 2 {
		if ready := indexOf(s.load(sab.CTRL_READY_IDX)); ready >= 0 && s.casSlot(ready, sab.SlotReady, sab.SlotPublishing) {
			s.stolen.Add(1)
			s.logger.Debug("reclaimed unread frame", "slot", ready)
			s.claim(ready, true)
			return ready, nil
		}
	}

	err := ErrBufferExhausted
	for i := 0; i < s.count; i++ {
		err = err.WithContext(fmt.Sprintf("slot%d", i), s.slotState(i).String())
	}
	s.logger.Error("no writable slot", "error", err)
	return -1, err
}

func (s *Set) claim(slot int, reclaimed bool) {
	s.held = slot
	s.reclaimed = reclaimed
	s.store(sab.CTRL_WRITE_IDX, uint32(slot))
	s.catchUp(slot)
}

// catchUp makes slot hold the last published frame, copying only the rects
// changed since the slot was last written when history allows.
func (s *Set) catchUp(slot int) {
	if s.lastSlot < 0 || s.lastSlot == slot {
		return
	}
	target := s.content[s.lastSlot]
	have := s.content[slot]
	if have == target {
		return
	}

	src, dst := s.pixels[s.lastSlot], s.pixels[slot]
	rects, ok := s.history.since(have, target)
	if !ok || dirty.Area(rects) >= s.width*s.height {
		copy(dst, src)
		s.fullCopies.Add(1)
	} else {
		for _, r := range rects {
			copyRect(dst, src, s.stride, r)
		}
	}
	s.catchUps.Add(1)
	s.content[slot] = target
}

// MarkDirty records a changed rectangle for the frame being written.
func (s *Set) MarkDirty(x, y, w, h int) {
	s.tracker.AddRegion(x, y, w, h)
}

// MarkFull records that the whole surface changed.
func (s *Set) MarkFull() {
	s.tracker.MarkFull()
}

// Tracker exposes the writer's dirty tracker.
func (s *Set) Tracker() *dirty.Tracker {
	return s.tracker
}

// Held returns the slot the writer holds, or -1.
func (s *Set) Held() int {
	return s.held
}

// Publish hands slot to the reader: the dirty list is flushed into the
// slot's section, the slot becomes Ready and the generation advances last.
// A slot acquired before Close may still be published.
func (s *Set) Publish(slot int) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.exit()

	if slot < 0 || slot >= s.count || slot != s.held {
		return slotStateError("publish slot %d: writer holds %d", slot, s.held)
	}
	if st := s.slotState(slot); st != sab.SlotPublishing {
		return slotStateError("publish slot %d in state %s", slot, st)
	}

	gen := s.load(sab.CTRL_GENERATION) + 1

	// The reader skipped the previous frame: fold its regions into this one
	// so the list still covers everything since the reader's last frame.
	if gen > 1 && s.load(sab.CTRL_CONSUMED_GEN) < gen-1 {
		if s.lastFull {
			s.tracker.MarkFull()
		} else {
			for _, r := range s.lastPublished {
				s.tracker.Add(r)
			}
		}
		s.carried.Add(1)
	}

	rects := s.tracker.Flush(slotSink{set: s, slot: slot})
	full := len(rects) == 0 || (len(rects) == 1 && rects[0] == dirty.Full(s.width, s.height))
	s.store(s.slotWord(slot, sab.SLOT_GEN), gen)

	s.store(sab.CTRL_WRITE_IDX, sab.NO_SLOT)
	if !s.casSlot(slot, sab.SlotPublishing, sab.SlotReady) {
		return newError(CodeBufferExhausted, fmt.Sprintf("slot %d left publishing state", slot), nil)
	}
	prev := atomic.SwapUint32(&s.ctrl[sab.CTRL_READY_IDX], uint32(slot))
	if prev != sab.NO_SLOT && int(prev) != slot {
		// Fails when the reader already took it; its release frees it.
		s.casSlot(int(prev), sab.SlotReady, sab.SlotWritable)
	}
	s.generation.Increment()

	s.held = -1
	s.lastSlot = slot
	s.lastPublished = rects
	s.lastFull = full
	s.content[slot] = gen
	s.history.record(gen, rects, full)

	s.logger.Debug("frame published", "slot", slot, "generation", gen, "regions", len(rects), "full", full)
	return nil
}

// Discard gives back an acquired slot without publishing it. The writer's
// pending regions are dropped and the slot's pixels are recopied in full on
// its next acquisition. A slot reclaimed from the reader holds the only copy
// of the newest frame, so nothing could restore it: Discard refuses it with
// ErrSlotState and the writer must publish it instead.
func (s *Set) Discard(slot int) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.exit()

	if slot < 0 || slot >= s.count || slot != s.held {
		return slotStateError("discard slot %d: writer holds %d", slot, s.held)
	}
	if s.reclaimed {
		return slotStateError("discard slot %d: reclaimed slot holds generation %d", slot, s.content[slot])
	}
	if !s.casSlot(slot, sab.SlotPublishing, sab.SlotWritable) {
		return slotStateError("discard slot %d in state %s", slot, s.slotState(slot))
	}
	s.store(sab.CTRL_WRITE_IDX, sab.NO_SLOT)
	s.tracker.Reset()
	s.held = -1
	if s.lastSlot < 0 {
		clear(s.pixels[slot])
		s.content[slot] = 0
	} else {
		s.content[slot] = contentUnknown
	}
	// A reader of a closed set waits for the writer to let go.
	s.generation.Notify()
	return nil
}

// Consume claims the newest published frame. It returns nil when nothing
// was published since the previous consume, and ErrClosed once the set is
// closed and the final frame has been consumed. The caller must Release the
// frame before consuming again.
func (s *Set) Consume() (*Frame, error) {
	if !s.enter() {
		return nil, ErrClosed
	}
	defer s.exit()

	// Announce before checking draining; Shutdown does the reverse.
	s.add(sab.CTRL_READERS_ACTIVE, 1)
	defer func() {
		s.add(sab.CTRL_READERS_ACTIVE, ^uint32(0))
		s.releases.Notify()
	}()
	if s.draining.Load() {
		return nil, ErrClosed
	}

	if held := s.load(sab.CTRL_READING_IDX); held != sab.NO_SLOT {
		return nil, slotStateError("reader still holds slot %d", held)
	}

	last := s.load(sab.CTRL_CONSUMED_GEN)
	for attempt := 0; attempt <= s.count; attempt++ {
		if s.load(sab.CTRL_GENERATION) <= last {
			if s.load(sab.CTRL_CLOSED) != 0 && s.load(sab.CTRL_WRITE_IDX) == sab.NO_SLOT {
				return nil, ErrClosed
			}
			return nil, nil
		}

		slot := indexOf(s.load(sab.CTRL_READY_IDX))
		if slot < 0 || !s.casSlot(slot, sab.SlotReady, sab.SlotReading) {
			// Retired or reclaimed between the loads; the writer has moved on.
			runtime.Gosched()
			continue
		}

		gen := s.load(s.slotWord(slot, sab.SLOT_GEN))
		if gen <= last {
			s.casSlot(slot, sab.SlotReading, sab.SlotReady)
			return nil, nil
		}
		s.store(sab.CTRL_READING_IDX, uint32(slot))

		rects := s.readRegions(slot)
		dropped := gen - last - 1
		if dropped > 0 {
			s.add(sab.CTRL_DROPPED, dropped)
		}
		s.store(sab.CTRL_CONSUMED_GEN, gen)

		full := last == 0 || len(rects) == 0 ||
			(len(rects) == 1 && rects[0] == dirty.Full(s.width, s.height))
		return &Frame{
			Index:      slot,
			Generation: gen,
			Width:      s.width,
			Height:     s.height,
			Stride:     s.stride,
			Pixels:     s.pixels[slot],
			Rects:      rects,
			Full:       full,
			Dropped:    dropped,
		}, nil
	}
	// The ready slot kept moving under the reader; once closed with no slot
	// held nothing can replace it.
	if s.load(sab.CTRL_CLOSED) != 0 && s.load(sab.CTRL_WRITE_IDX) == sab.NO_SLOT {
		return nil, ErrClosed
	}
	return nil, nil
}

// Release returns a consumed slot to the writable pool.
func (s *Set) Release(slot int) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.exit()

	if slot < 0 || slot >= s.count || s.load(sab.CTRL_READING_IDX) != uint32(slot) {
		return slotStateError("release slot %d: reader holds %d", slot, indexOf(s.load(sab.CTRL_READING_IDX)))
	}
	if !s.casSlot(slot, sab.SlotReading, sab.SlotWritable) {
		return slotStateError("release slot %d in state %s", slot, s.slotState(slot))
	}
	s.store(sab.CTRL_READING_IDX, sab.NO_SLOT)
	s.releases.Increment()
	return nil
}

// Close stops new acquisitions. A slot already acquired may still be
// published, and published frames stay consumable.
func (s *Set) Close() error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.exit()

	if atomic.CompareAndSwapUint32(&s.ctrl[sab.CTRL_CLOSED], 0, 1) {
		s.logger.Info("frame buffer set closed", "generation", s.load(sab.CTRL_GENERATION))
	}
	s.generation.Notify()
	return nil
}

// Shutdown closes the set, waits until no consume is in flight and the
// reader has released its slot, then releases the shared regions. If ctx
// ends first the memory stays mapped and Shutdown may be retried. Every
// call after a completed Shutdown returns ErrClosed.
func (s *Set) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.revoked.Load() {
		return ErrClosed
	}
	_ = s.Close()
	s.draining.Store(true)
	s.generation.Notify()

	waiter := s.releases.Reader()
	for s.load(sab.CTRL_READERS_ACTIVE) != 0 || s.load(sab.CTRL_READING_IDX) != sab.NO_SLOT {
		if _, err := waiter.WaitForChange(ctx, drainPoll); err != nil {
			s.logger.Warn("shutdown drain interrupted",
				"reading", indexOf(s.load(sab.CTRL_READING_IDX)),
				"readers", s.load(sab.CTRL_READERS_ACTIVE))
			return utils.WrapError(err, "drain reader")
		}
	}

	s.revoked.Store(true)
	for s.inflight.Load() != 0 {
		runtime.Gosched()
	}
	s.tracker.Reset()

	var errs []error
	if s.owned {
		for _, b := range s.buffers {
			if err := b.Release(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.control.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("frame buffer set shut down")
	return errors.Join(errs...)
}
