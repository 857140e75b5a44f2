package main

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/nmxmxh/framebus/internal/config"
	"github.com/nmxmxh/framebus/kernel/canvas"
)

var background = canvas.RGB(14, 18, 38)

// scene draws frame n onto the canvas. Frame 0 starts from a blank surface.
type scene func(c *canvas.Canvas, n int)

func sceneFor(name string) scene {
	if name == config.DemoNoise {
		return noise
	}
	return shapes
}

func orbit(n, w, h int) canvas.Point {
	a := float64(n) * 0.05
	rx, ry := float64(w)/3, float64(h)/3
	return canvas.Point{
		X: w/2 + int(math.Round(rx*math.Cos(a))),
		Y: h/2 + int(math.Round(ry*math.Sin(a))),
	}
}

// shapes moves a circle around the centre and bounces a square, erasing
// each with the background so only a handful of regions change per frame.
func shapes(c *canvas.Canvas, n int) {
	w, h := c.Width(), c.Height()
	r := max(2, min(w, h)/24)
	side := max(2, min(w, h)/16)

	if n == 0 {
		c.Fill(background)
		frameColor := canvas.Complementary(background)
		c.DrawRectangle(1, 1, w-3, h-3, frameColor, false)
		for i, col := range canvas.Analogous(canvas.RGB(230, 90, 40), 40) {
			c.DrawRectangle(8+i*(side+4), 8, side, side, col, true)
		}
	} else {
		prev := orbit(n-1, w, h)
		c.DrawCircle(prev.X, prev.Y, r, background, false)
		px, py := bounce(n-1, w-side, h-side)
		c.DrawRectangle(px, py, side, side, background, true)
	}

	hue := math.Mod(float64(n)*3, 360)
	cur := orbit(n, w, h)
	c.DrawCircle(cur.X, cur.Y, r, canvas.HSVToRGB(canvas.HSV{H: hue, S: 80, V: 100}), false)
	x, y := bounce(n, w-side, h-side)
	c.DrawRectangle(x, y, side, side, canvas.White, true)
}

// bounce moves a point diagonally inside [0,w)×[0,h), reflecting off edges.
func bounce(n, w, h int) (int, int) {
	reflect := func(v, span int) int {
		if span <= 0 {
			return 0
		}
		v %= 2 * span
		if v >= span {
			v = 2*span - v - 1
		}
		return v
	}
	return reflect(n*2, w), reflect(n*3, h)
}

const noiseTile = 12

// noise repaints one tile per frame with hashed value noise, walking the
// tiles in raster order.
func noise(c *canvas.Canvas, n int) {
	w, h := c.Width(), c.Height()
	if n == 0 {
		c.Clear()
	}
	cols := (w + noiseTile - 1) / noiseTile
	rows := (h + noiseTile - 1) / noiseTile
	tile := n % (cols * rows)
	tx, ty := (tile%cols)*noiseTile, (tile/cols)*noiseTile

	for y := ty; y < min(ty+noiseTile, h); y++ {
		for x := tx; x < min(tx+noiseTile, w); x++ {
			v := uint8(math.Floor(valueNoise(float64(x), float64(y), float64(n/(cols*rows))) * 255))
			c.SetPixel(x, y, canvas.RGB(v, v, v))
		}
	}
}

// valueNoise sums four octaves of a sine hash, normalised to [0, 1).
func valueNoise(x, y, seed float64) float64 {
	const scale, persistence, lacunarity = 0.1, 0.5, 2.0
	amplitude, frequency, sum, total := 1.0, 1.0, 0.0, 0.0
	for o := 0; o < 4; o++ {
		sx := x*scale*frequency + seed
		sy := y*scale*frequency + seed
		v := math.Sin(sx*12.9898+sy*78.233) * 43758.5453
		sum += (v - math.Floor(v)) * amplitude
		total += amplitude
		amplitude *= persistence
		frequency *= lacunarity
	}
	return sum / total
}

// writer drives a scene at a fixed frame rate.
type writer struct {
	canvas *canvas.Canvas
	scene  scene
	period time.Duration
	limit  int
	logger *slog.Logger
}

func newWriter(c *canvas.Canvas, cfg config.CanvasConfig, logger *slog.Logger) *writer {
	return &writer{
		canvas: c,
		scene:  sceneFor(cfg.Demo),
		period: time.Second / time.Duration(cfg.FPS),
		limit:  cfg.Frames,
		logger: logger.With("component", "writer"),
	}
}

// Run draws until ctx ends or the frame limit is reached, then closes the
// canvas so the reader can drain.
func (w *writer) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := w.canvas.Close(); cerr != nil && err == nil {
			err = cerr
		}
		w.logger.Info("writer stopped", "frames", w.canvas.Frames())
	}()

	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for n := 0; w.limit == 0 || n < w.limit; n++ {
		w.scene(w.canvas, n)
		if err := w.canvas.Update(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
