package canvas

import (
	"context"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/threads/sab"
)

func newTestCanvas(t *testing.T, width, height int) *Canvas {
	t.Helper()
	alloc := sab.NewAllocator(sab.AllocatorOptions{})
	set, err := framebuffer.New(alloc, framebuffer.Options{Width: width, Height: height})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = set.Shutdown(context.Background())
		_ = alloc.Close()
	})
	return New(set)
}

// touched returns every pixel whose alpha is non-zero.
func touched(c *Canvas) map[Point]bool {
	out := map[Point]bool{}
	for y := 0; y < c.Height(); y++ {
		for x := 0; x < c.Width(); x++ {
			if p, _ := c.GetPixel(x, y); p.A != 0 {
				out[Point{x, y}] = true
			}
		}
	}
	return out
}

func TestSetPixel_RoundTrip(t *testing.T) {
	c := newTestCanvas(t, 16, 16)
	col := Color{R: 1, G: 128, B: 254, A: 7}

	c.SetPixel(3, 4, col)

	got, ok := c.GetPixel(3, 4)
	require.True(t, ok)
	assert.Equal(t, col, got)

	px := c.Set().Pixels(c.Set().Held())
	assert.Equal(t, []byte{1, 128, 254, 7}, px[(4*16+3)*4:(4*16+3)*4+4])
	assert.Equal(t, []dirty.Rect{{X: 3, Y: 4, W: 1, H: 1}}, c.Set().Tracker().Pending())
}

func TestSetPixel_OutOfBounds(t *testing.T) {
	c := newTestCanvas(t, 8, 8)
	require.NoError(t, c.Begin())
	before := append([]byte(nil), c.Set().Pixels(c.Set().Held())...)

	for _, p := range []Point{{-1, 0}, {0, -1}, {8, 0}, {0, 8}, {100, 100}} {
		c.SetPixel(p.X, p.Y, White)
		_, ok := c.GetPixel(p.X, p.Y)
		assert.False(t, ok)
	}

	assert.Equal(t, before, c.Set().Pixels(c.Set().Held()))
	assert.False(t, c.Dirty())
}

func TestSetPixel_OutOfBoundsDoesNotAcquire(t *testing.T) {
	c := newTestCanvas(t, 8, 8)
	c.SetPixel(-5, -5, White)
	assert.Equal(t, -1, c.Set().Held())
}

func TestDrawLine_SinglePixel(t *testing.T) {
	c := newTestCanvas(t, 32, 32)
	c.DrawLine(10, 10, 10, 10, Red)

	assert.Equal(t, map[Point]bool{{10, 10}: true}, touched(c))
	got, _ := c.GetPixel(10, 10)
	assert.Equal(t, Red, got)
}

func TestDrawLine_Horizontal(t *testing.T) {
	c := newTestCanvas(t, 32, 32)
	c.DrawLine(0, 0, 4, 0, Green)

	want := map[Point]bool{}
	var rects []dirty.Rect
	for x := 0; x <= 4; x++ {
		want[Point{x, 0}] = true
		rects = append(rects, dirty.Rect{X: x, Y: 0, W: 1, H: 1})
	}
	assert.Equal(t, want, touched(c))
	assert.Equal(t, rects, c.Set().Tracker().Pending())
}

func TestDrawLine_Diagonal(t *testing.T) {
	c := newTestCanvas(t, 32, 32)
	c.DrawLine(5, 5, 1, 1, Blue)

	assert.Equal(t, map[Point]bool{{1, 1}: true, {2, 2}: true, {3, 3}: true, {4, 4}: true, {5, 5}: true}, touched(c))
}

func TestDrawLine_EightConnectedSteep(t *testing.T) {
	c := newTestCanvas(t, 32, 32)
	c.DrawLine(0, 0, 2, 7, White)

	pts := touched(c)
	assert.Len(t, pts, 8, "one pixel per row of the major axis")
	assert.True(t, pts[Point{0, 0}])
	assert.True(t, pts[Point{2, 7}])
}

func TestDrawLine_ClipsOffCanvas(t *testing.T) {
	c := newTestCanvas(t, 8, 8)
	c.DrawLine(-4, 2, 20, 2, White)

	pts := touched(c)
	assert.Len(t, pts, 8)
	assert.Equal(t, 8, c.Set().Tracker().Len())
}

func TestDrawRectangle_Filled(t *testing.T) {
	c := newTestCanvas(t, 16, 16)
	c.DrawRectangle(2, 3, 4, 2, Red, true)

	pts := touched(c)
	assert.Len(t, pts, 8)
	for y := 3; y < 5; y++ {
		for x := 2; x < 6; x++ {
			assert.True(t, pts[Point{x, y}])
		}
	}
	assert.Equal(t, []dirty.Rect{{X: 2, Y: 3, W: 4, H: 2}}, c.Set().Tracker().Pending())
}

func TestDrawRectangle_FilledClipped(t *testing.T) {
	c := newTestCanvas(t, 8, 8)
	c.DrawRectangle(-2, 6, 4, 10, Red, true)

	assert.Len(t, touched(c), 4)
	assert.Equal(t, []dirty.Rect{{X: 0, Y: 6, W: 2, H: 2}}, c.Set().Tracker().Pending())
}

func TestDrawRectangle_Outline(t *testing.T) {
	c := newTestCanvas(t, 16, 16)
	c.DrawRectangle(1, 1, 3, 2, White, false)

	// Corners at (1,1) and (4,3).
	want := map[Point]bool{}
	for x := 1; x <= 4; x++ {
		want[Point{x, 1}] = true
		want[Point{x, 3}] = true
	}
	for y := 1; y <= 3; y++ {
		want[Point{1, y}] = true
		want[Point{4, y}] = true
	}
	assert.Equal(t, want, touched(c))
}

func TestDrawRectangle_NonPositiveSize(t *testing.T) {
	c := newTestCanvas(t, 16, 16)
	for _, filled := range []bool{true, false} {
		c.DrawRectangle(2, 2, 0, 5, White, filled)
		c.DrawRectangle(2, 2, 5, -1, White, filled)
	}
	assert.False(t, c.Dirty())
	assert.Empty(t, touched(c))
}

func TestDrawCircle_OutlineRadiusTwo(t *testing.T) {
	c := newTestCanvas(t, 16, 16)
	c.DrawCircle(8, 8, 2, White, false)

	want := map[Point]bool{
		{10, 8}: true, {6, 8}: true, {8, 10}: true, {8, 6}: true,
		{9, 9}: true, {9, 7}: true, {7, 9}: true, {7, 7}: true,
	}
	assert.Equal(t, want, touched(c))
}

func TestDrawCircle_FilledSymmetry(t *testing.T) {
	c := newTestCanvas(t, 100, 100)
	c.DrawCircle(50, 50, 10, Red, true)

	pts := touched(c)
	require.NotEmpty(t, pts)
	for p := range pts {
		dx, dy := p.X-50, p.Y-50
		for _, q := range []Point{
			{50 - dy, 50 + dx}, // 90° rotation
			{50 - dx, 50 + dy}, // vertical axis
			{50 + dx, 50 - dy}, // horizontal axis
			{50 + dy, 50 + dx}, // main diagonal
			{50 - dy, 50 - dx}, // anti-diagonal
		} {
			assert.True(t, pts[q], "%v has no partner %v", p, q)
		}
		assert.LessOrEqual(t, dx*dx+dy*dy, 11*11)
	}
	assert.True(t, pts[Point{50, 50}])
	assert.True(t, pts[Point{60, 50}])
	assert.False(t, pts[Point{61, 50}])
}

func TestDrawCircle_OutlineGolden(t *testing.T) {
	c := newTestCanvas(t, 100, 100)
	c.DrawCircle(50, 50, 10, Red, false)

	// Pixels per row offset from the centre for r=10.
	rows := []struct {
		dy  int
		dxs []int
	}{
		{-10, []int{-2, -1, 0, 1, 2}},
		{-9, []int{-4, -3, 3, 4}},
		{-8, []int{-5, 5}},
		{-7, []int{-6, 6}},
		{-6, []int{-7, 7}},
		{-5, []int{-8, 8}},
		{-4, []int{-9, 9}},
		{-3, []int{-9, 9}},
		{-2, []int{-10, 10}},
		{-1, []int{-10, 10}},
		{0, []int{-10, 10}},
		{1, []int{-10, 10}},
		{2, []int{-10, 10}},
		{3, []int{-9, 9}},
		{4, []int{-9, 9}},
		{5, []int{-8, 8}},
		{6, []int{-7, 7}},
		{7, []int{-6, 6}},
		{8, []int{-5, 5}},
		{9, []int{-4, -3, 3, 4}},
		{10, []int{-2, -1, 0, 1, 2}},
	}
	want := map[Point]bool{}
	for _, r := range rows {
		for _, dx := range r.dxs {
			want[Point{50 + dx, 50 + r.dy}] = true
		}
	}
	require.Len(t, want, 52)
	assert.Equal(t, want, touched(c))
}

func TestDrawCircle_FilledGolden(t *testing.T) {
	c := newTestCanvas(t, 100, 100)
	c.DrawCircle(50, 50, 10, Red, true)

	// Half-width of the span on each row, from dy = -10 to 10.
	half := []int{2, 4, 5, 6, 7, 8, 9, 9, 10, 10, 10, 10, 10, 9, 9, 8, 7, 6, 5, 4, 2}
	want := map[Point]bool{}
	for i, hx := range half {
		for dx := -hx; dx <= hx; dx++ {
			want[Point{50 + dx, 40 + i}] = true
		}
	}
	assert.Equal(t, want, touched(c))
}

func TestDrawCircle_ManySpansOverflow(t *testing.T) {
	c := newTestCanvas(t, 100, 100)
	c.DrawCircle(50, 50, 40, Red, true)

	assert.True(t, c.Set().Tracker().Overflowed())
	assert.Equal(t, []dirty.Rect{{W: 100, H: 100}}, c.Set().Tracker().Pending())
}

func TestUpdate_NoopWithoutRegions(t *testing.T) {
	c := newTestCanvas(t, 8, 8)

	require.NoError(t, c.Update())
	assert.Zero(t, c.Set().Generation())

	require.NoError(t, c.Begin())
	require.NoError(t, c.Update())
	assert.Zero(t, c.Set().Generation())
	assert.Zero(t, c.Frames())
}

func TestUpdate_PublishesToReader(t *testing.T) {
	c := newTestCanvas(t, 8, 8)
	c.SetPixel(1, 1, Red)
	c.SetPixel(2, 2, Blue)
	require.NoError(t, c.Update())
	assert.Equal(t, uint32(1), c.Set().Generation())
	assert.Equal(t, -1, c.Set().Held())

	frame, err := c.Set().Consume()
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, []dirty.Rect{{X: 1, Y: 1, W: 1, H: 1}, {X: 2, Y: 2, W: 1, H: 1}}, frame.Rects)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, frame.Image().RGBAAt(1, 1))
	require.NoError(t, c.Set().Release(frame.Index))

	// The next frame starts from the published content.
	got, ok := c.GetPixel(2, 2)
	require.True(t, ok)
	assert.Equal(t, Blue, got)
}

func TestUpdate_ReportsAcquireErrorOnce(t *testing.T) {
	c := newTestCanvas(t, 8, 8)
	require.NoError(t, c.Set().Close())

	c.SetPixel(1, 1, Red)
	c.DrawLine(0, 0, 3, 3, Red)

	assert.ErrorIs(t, c.Err(), framebuffer.ErrClosed)
	assert.ErrorIs(t, c.Update(), framebuffer.ErrClosed)
	assert.NoError(t, c.Update())
	assert.ErrorIs(t, c.Begin(), framebuffer.ErrClosed)
}

func TestClose_FlushesPendingFrame(t *testing.T) {
	c := newTestCanvas(t, 8, 8)
	c.SetPixel(0, 0, White)
	require.NoError(t, c.Close())

	assert.Equal(t, uint32(1), c.Set().Generation())
	assert.True(t, c.Set().Closed())
}

func TestClose_ReleasesCleanSlot(t *testing.T) {
	c := newTestCanvas(t, 8, 8)
	require.NoError(t, c.Begin())
	require.NoError(t, c.Close())

	assert.Equal(t, -1, c.Set().Held())
	_, err := c.Set().Consume()
	assert.ErrorIs(t, err, framebuffer.ErrClosed)
}

func TestClose_RepublishesReclaimedSlot(t *testing.T) {
	alloc := sab.NewAllocator(sab.AllocatorOptions{})
	set, err := framebuffer.New(alloc, framebuffer.Options{Width: 8, Height: 8, BufferCount: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = set.Shutdown(context.Background())
		_ = alloc.Close()
	})
	c := New(set)

	c.SetPixel(0, 0, Red)
	require.NoError(t, c.Update())
	held, err := set.Consume()
	require.NoError(t, err)
	c.SetPixel(1, 0, Blue)
	require.NoError(t, c.Update())

	// With the reader busy, the only free slot is the unread frame.
	require.NoError(t, c.Begin())
	require.NoError(t, c.Close())
	assert.Equal(t, -1, set.Held())
	assert.Equal(t, uint32(3), set.Generation())

	require.NoError(t, set.Release(held.Index))
	frame, err := set.Consume()
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, frame.Image().RGBAAt(1, 0))
	require.NoError(t, set.Release(frame.Index))

	_, err = set.Consume()
	assert.ErrorIs(t, err, framebuffer.ErrClosed)
}

func TestFill_ClearAndGradient(t *testing.T) {
	c := newTestCanvas(t, 10, 4)

	c.Fill(Red)
	for _, p := range []Point{{0, 0}, {9, 3}, {5, 2}} {
		got, _ := c.GetPixel(p.X, p.Y)
		assert.Equal(t, Red, got)
	}
	assert.True(t, c.Set().Tracker().Overflowed())

	c.Clear()
	got, _ := c.GetPixel(9, 3)
	assert.Equal(t, Transparent, got)

	c.FillGradient(Black, White, Horizontal)
	left, _ := c.GetPixel(0, 0)
	mid, _ := c.GetPixel(5, 0)
	right, _ := c.GetPixel(9, 0)
	assert.Equal(t, Black, left)
	assert.Equal(t, Color{R: 127, G: 127, B: 127, A: 255}, mid)
	assert.Equal(t, Color{R: 229, G: 229, B: 229, A: 255}, right)

	c.FillGradient(Black, White, Vertical)
	row2, _ := c.GetPixel(0, 2)
	assert.Equal(t, Color{R: 127, G: 127, B: 127, A: 255}, row2)
}

func BenchmarkSetPixel(b *testing.B) {
	alloc := sab.NewAllocator(sab.AllocatorOptions{})
	defer alloc.Close()
	set, err := framebuffer.New(alloc, framebuffer.Options{Width: 256, Height: 256})
	require.NoError(b, err)
	c := New(set)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.SetPixel(i&255, (i>>8)&255, White)
		if i&255 == 255 {
			_ = c.Update()
			f, _ := set.Consume()
			if f != nil {
				_ = set.Release(f.Index)
			}
		}
	}
}
