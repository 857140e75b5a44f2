package handoff

import (
	"context"
	"image"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/framebus/kernel/canvas"
	"github.com/nmxmxh/framebus/kernel/engine"
	"github.com/nmxmxh/framebus/kernel/present"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/threads/sab"
)

const (
	width  = 64
	height = 48
)

// ========== HELPERS ==========

// newAlloc closes the allocator after every set built on it has shut down.
func newAlloc(t *testing.T, opts sab.AllocatorOptions) *sab.Allocator {
	t.Helper()
	alloc := sab.NewAllocator(opts)
	t.Cleanup(func() { _ = alloc.Close() })
	return alloc
}

func newSet(t *testing.T, alloc *sab.Allocator, buffers int) *framebuffer.Set {
	t.Helper()
	set, err := framebuffer.New(alloc, framebuffer.Options{Width: width, Height: height, BufferCount: buffers})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = set.Shutdown(ctx)
	})
	return set
}

// draw paints a deterministic scene for frame n.
func draw(c *canvas.Canvas, n int) {
	if n == 0 {
		c.Fill(canvas.RGB(10, 10, 30))
	}
	col := canvas.HSVToRGB(canvas.HSV{H: float64(n*17%360), S: 90, V: 90})
	c.DrawLine(0, n%height, width-1, (n*7)%height, col)
	c.DrawRectangle((n*5)%(width-6), (n*3)%(height-6), 6, 6, col, n%2 == 0)
	c.DrawCircle(width/2, height/2, 4+n%10, col, false)
}

// writeFrames runs a canvas over set for n frames, then closes it.
func writeFrames(t *testing.T, set *framebuffer.Set, n int, pace time.Duration) {
	t.Helper()
	c := canvas.New(set)
	for i := 0; i < n; i++ {
		draw(c, i)
		require.NoError(t, c.Update())
		if pace > 0 {
			time.Sleep(pace)
		}
	}
	require.NoError(t, c.Close())
}

// lastFrame returns the pixels of the most recently published slot.
func lastFrame(t *testing.T, set *framebuffer.Set) []byte {
	t.Helper()
	st := set.Stats()
	require.GreaterOrEqual(t, st.ReadyIndex, 0)
	return append([]byte(nil), set.Pixels(st.ReadyIndex)...)
}

func runEngine(set *framebuffer.Set, p present.Presenter, idle time.Duration) (*engine.Engine, <-chan error) {
	eng := engine.New(set, p, engine.Options{Idle: idle})
	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()
	return eng, done
}

func waitEngine(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after the writer closed")
	}
}

// ========== IN-PROCESS HANDOFF ==========

func TestHandoff_CanvasToImagePresenter(t *testing.T) {
	for _, buffers := range []int{2, 3, 4} {
		t.Run(map[int]string{2: "double", 3: "triple", 4: "quad"}[buffers], func(t *testing.T) {
			alloc := newAlloc(t, sab.AllocatorOptions{})
			set := newSet(t, alloc, buffers)

			images := present.NewImagePresenter(width, height, present.ImageOptions{})
			eng, done := runEngine(set, images, 20*time.Millisecond)

			const frames = 120
			writeFrames(t, set, frames, 0)
			waitEngine(t, done)

			want := lastFrame(t, set)
			assert.Equal(t, want, images.Snapshot().Pix, "composited surface must match the final frame")

			st := eng.Stats()
			assert.Equal(t, uint64(frames), st.Frames+uint64(st.Dropped))
			assert.Equal(t, uint32(frames), st.LastGeneration)
			assert.Empty(t, set.Validate())
		})
	}
}

func TestHandoff_ScaledImagePresenter(t *testing.T) {
	alloc := newAlloc(t, sab.AllocatorOptions{})
	set := newSet(t, alloc, 3)

	images := present.NewImagePresenter(width, height, present.ImageOptions{Scale: 2})
	_, done := runEngine(set, images, 20*time.Millisecond)
	writeFrames(t, set, 30, 0)
	waitEngine(t, done)

	want := lastFrame(t, set)
	snap := images.Snapshot()
	require.Equal(t, image.Rect(0, 0, width*2, height*2), snap.Bounds())
	for _, p := range []image.Point{{0, 0}, {width / 2, height / 2}, {width - 1, height - 1}, {13, 29}} {
		i := (p.Y*width + p.X) * 4
		got := snap.NRGBAAt(p.X*2+1, p.Y*2+1)
		assert.Equal(t, want[i:i+4], []byte{got.R, got.G, got.B, got.A}, "pixel %v", p)
	}
}

// ========== WIRE MIRROR ==========

func TestHandoff_StreamMirrorsWriter(t *testing.T) {
	alloc := newAlloc(t, sab.AllocatorOptions{})
	set := newSet(t, alloc, 3)

	stream, err := present.NewStreamPresenter(present.StreamOptions{})
	require.NoError(t, err)
	srv := httptest.NewServer(stream)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return stream.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	mirror := image.NewRGBA(image.Rect(0, 0, width, height))
	var patches, full int
	received := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				// The engine closes the stream when the writer is done.
				if websocket.IsCloseError(err, websocket.CloseGoingAway) {
					err = nil
				}
				received <- err
				return
			}
			p, err := present.DecodePatch(data)
			if err == nil {
				err = p.Apply(mirror)
			}
			if err != nil {
				received <- err
				return
			}
			patches++
			if p.Full {
				full++
			}
		}
	}()

	_, done := runEngine(set, stream, 20*time.Millisecond)
	writeFrames(t, set, 60, time.Millisecond)
	waitEngine(t, done)
	want := lastFrame(t, set)

	select {
	case err := <-received:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client never saw the stream close")
	}
	assert.Equal(t, want, mirror.Pix)
	assert.Positive(t, patches)
	assert.GreaterOrEqual(t, full, 1, "the first patch is whole")
	assert.Less(t, full, patches, "later patches carry only dirty tiles")
}

// ========== CROSS-MAPPING ==========

// TestHandoff_SeparateMappings runs the reader over its own mappings of the
// writer's shm objects, as a second process would.
func TestHandoff_SeparateMappings(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("shm backend needs a unix shared memory directory")
	}
	writerAlloc := newAlloc(t, sab.AllocatorOptions{Backend: sab.BackendShm, Dir: t.TempDir(), Prefix: "handoff"})
	readerAlloc := newAlloc(t, sab.AllocatorOptions{})

	writer := newSet(t, writerAlloc, 3)

	open := func(r *sab.SharedRegion) *sab.SharedRegion {
		shm, ok := r.Provider().(*sab.SharedMemoryProvider)
		require.True(t, ok)
		opened, err := readerAlloc.Open(shm.Path())
		require.NoError(t, err)
		return opened
	}
	control := open(writer.Control())
	var buffers []*sab.SharedRegion
	for _, b := range writer.Buffers() {
		buffers = append(buffers, open(b))
	}
	reader, err := framebuffer.Attach(control, buffers, nil)
	require.NoError(t, err)
	assert.Equal(t, width, reader.Width())
	assert.Equal(t, height, reader.Height())

	// The reader's epoch never hears the writer's notifications, so it
	// relies on the idle poll.
	images := present.NewImagePresenter(width, height, present.ImageOptions{})
	eng, done := runEngine(reader, images, 2*time.Millisecond)

	const frames = 40
	writeFrames(t, writer, frames, time.Millisecond)
	waitEngine(t, done)

	assert.Equal(t, lastFrame(t, writer), images.Snapshot().Pix)
	st := eng.Stats()
	assert.Equal(t, uint32(frames), st.LastGeneration)
	assert.Equal(t, uint64(frames), st.Frames+uint64(st.Dropped))
	assert.Equal(t, uint32(st.Dropped), writer.Stats().Dropped)
}
