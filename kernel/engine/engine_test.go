package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/framebus/kernel/canvas"
	"github.com/nmxmxh/framebus/kernel/present"
	"github.com/nmxmxh/framebus/kernel/threads/dirty"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/threads/sab"
)

func newTestSet(t *testing.T, width, height int) *framebuffer.Set {
	t.Helper()
	alloc := sab.NewAllocator(sab.AllocatorOptions{})
	set, err := framebuffer.New(alloc, framebuffer.Options{Width: width, Height: height})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = set.Shutdown(ctx)
		_ = alloc.Close()
	})
	return set
}

type seenFrame struct {
	gen   uint32
	full  bool
	rects []dirty.Rect
}

// scriptedPresenter reports every frame on seen and fails the generations in fail.
type scriptedPresenter struct {
	mu       sync.Mutex
	fail     map[uint32]bool
	seen     chan seenFrame
	shutdown bool
}

func (p *scriptedPresenter) Present(_ context.Context, f *framebuffer.Frame) error {
	p.seen <- seenFrame{gen: f.Generation, full: f.Full, rects: append([]dirty.Rect(nil), f.Rects...)}
	if p.fail[f.Generation] {
		return errors.New("display lost")
	}
	return nil
}

func (p *scriptedPresenter) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	return nil
}

func (p *scriptedPresenter) isShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func runEngine(t *testing.T, e *Engine, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func TestEngine_PresentsUntilClosed(t *testing.T) {
	const frames = 50
	set := newTestSet(t, 32, 16)
	img := present.NewImagePresenter(32, 16, present.ImageOptions{})
	e := New(set, img, Options{Idle: 5 * time.Millisecond})
	done := runEngine(t, e, context.Background())

	c := canvas.New(set)
	mirror := make([]byte, 32*16*4)
	for i := 0; i < frames; i++ {
		x, y := (i*7)%32, (i*3)%16
		col := canvas.RGB(uint8(i), uint8(x), uint8(y))
		c.SetPixel(x, y, col)
		copy(mirror[(y*32+x)*4:], []byte{col.R, col.G, col.B, col.A})
		require.NoError(t, c.Update())
	}
	require.NoError(t, c.Close())

	require.NoError(t, waitRun(t, done))
	assert.Equal(t, mirror, img.Snapshot().Pix)

	stats := e.Stats()
	assert.Equal(t, uint32(frames), stats.LastGeneration)
	assert.Equal(t, uint64(frames), stats.Frames+stats.Dropped)
	assert.GreaterOrEqual(t, stats.FullFrames, uint64(1))
	assert.Zero(t, stats.PresentErrors)

	assert.ErrorIs(t, img.Present(context.Background(), &framebuffer.Frame{}), present.ErrShutdown)
}

func TestEngine_FailedPresentForcesFullFrame(t *testing.T) {
	set := newTestSet(t, 16, 16)
	p := &scriptedPresenter{fail: map[uint32]bool{2: true}, seen: make(chan seenFrame, 8)}
	e := New(set, p, Options{Idle: 5 * time.Millisecond})
	done := runEngine(t, e, context.Background())

	c := canvas.New(set)
	next := func(x int) seenFrame {
		c.SetPixel(x, 1, canvas.White)
		require.NoError(t, c.Update())
		select {
		case f := <-p.seen:
			return f
		case <-time.After(5 * time.Second):
			t.Fatal("frame not presented")
			return seenFrame{}
		}
	}

	first := next(1)
	assert.True(t, first.full, "first frame is whole")

	second := next(2)
	assert.False(t, second.full)
	assert.Equal(t, []dirty.Rect{{X: 2, Y: 1, W: 1, H: 1}}, second.rects)

	third := next(3)
	assert.True(t, third.full, "frame after a failure is whole")

	fourth := next(4)
	assert.False(t, fourth.full)

	require.NoError(t, c.Close())
	require.NoError(t, waitRun(t, done))
	assert.True(t, p.isShutdown())

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.PresentErrors)
	assert.Equal(t, uint64(3), stats.Frames)
	assert.Equal(t, uint64(2), stats.FullFrames)
}

func TestEngine_ContextCancel(t *testing.T) {
	set := newTestSet(t, 8, 8)
	p := &scriptedPresenter{seen: make(chan seenFrame, 1)}
	e := New(set, p, Options{Idle: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := runEngine(t, e, ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, waitRun(t, done), context.Canceled)
	assert.True(t, p.isShutdown())
}

func TestEngine_WakesOnPublish(t *testing.T) {
	set := newTestSet(t, 8, 8)
	p := &scriptedPresenter{seen: make(chan seenFrame, 1)}
	e := New(set, p, Options{Idle: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runEngine(t, e, ctx)

	time.Sleep(20 * time.Millisecond)
	c := canvas.New(set)
	c.SetPixel(0, 0, canvas.Red)
	require.NoError(t, c.Update())

	select {
	case f := <-p.seen:
		assert.Equal(t, uint32(1), f.gen)
	case <-time.After(2 * time.Second):
		t.Fatal("engine slept through a publish")
	}

	require.NoError(t, set.Close())
	require.NoError(t, waitRun(t, done))
}
