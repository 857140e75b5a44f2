package canvas

import (
	"errors"
	"log/slog"

	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/utils"
)

// Canvas is a 2-D RGBA surface drawn into the writer's current slot of a
// frame buffer set. Drawing calls acquire a slot on demand; Update hands the
// frame to the reader. A Canvas is used from a single goroutine.
type Canvas struct {
	set    *framebuffer.Set
	width  int
	height int

	slot int
	pix  []byte
	err  error

	frames uint64
	logger *slog.Logger
}

// New creates a canvas over set. The canvas becomes the set's only writer.
func New(set *framebuffer.Set) *Canvas {
	return &Canvas{
		set:    set,
		width:  set.Width(),
		height: set.Height(),
		slot:   -1,
		logger: utils.Logger().With("component", "canvas"),
	}
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }

// Set returns the underlying frame buffer set.
func (c *Canvas) Set() *framebuffer.Set { return c.set }

// Frames returns how many frames Update has published.
func (c *Canvas) Frames() uint64 { return c.frames }

// Begin acquires a writable slot if none is held. Drawing calls do this
// implicitly; Begin surfaces the error immediately.
func (c *Canvas) Begin() error {
	if c.acquire() {
		return nil
	}
	return c.Err()
}

// Err returns the pending acquisition error, if any, without clearing it.
func (c *Canvas) Err() error {
	return c.err
}

func (c *Canvas) acquire() bool {
	if c.slot >= 0 {
		return true
	}
	if c.err != nil {
		return false
	}
	slot, err := c.set.AcquireWritable()
	if err != nil {
		c.err = err
		c.logger.Debug("acquire failed", "error", err)
		return false
	}
	c.slot = slot
	c.pix = c.set.Pixels(slot)
	return true
}

// Dirty reports whether regions are pending since the last Update.
func (c *Canvas) Dirty() bool {
	return c.slot >= 0 && c.set.Tracker().Len() > 0
}

// SetPixel writes one pixel and marks it dirty. Out-of-range coordinates are
// ignored.
func (c *Canvas) SetPixel(x, y int, col Color) {
	if x < 0 || x >= c.width || y < 0 || y >= c.height {
		return
	}
	if !c.acquire() {
		return
	}
	i := (y*c.width + x) * 4
	p := c.pix[i : i+4 : i+4]
	p[0] = col.R
	p[1] = col.G
	p[2] = col.B
	p[3] = col.A
	c.set.MarkDirty(x, y, 1, 1)
}

// SetPixelRGBA is SetPixel with separate channels.
func (c *Canvas) SetPixelRGBA(x, y int, r, g, b, a uint8) {
	c.SetPixel(x, y, Color{R: r, G: g, B: b, A: a})
}

// GetPixel returns the pixel at (x, y), or false when out of range or when
// no slot could be acquired.
func (c *Canvas) GetPixel(x, y int) (Color, bool) {
	if x < 0 || x >= c.width || y < 0 || y >= c.height {
		return Color{}, false
	}
	if !c.acquire() {
		return Color{}, false
	}
	i := (y*c.width + x) * 4
	return Color{R: c.pix[i], G: c.pix[i+1], B: c.pix[i+2], A: c.pix[i+3]}, true
}

// Update publishes the current frame. It does nothing when no region is
// pending. An acquisition error recorded by earlier drawing calls is
// returned once and cleared.
func (c *Canvas) Update() error {
	if c.err != nil {
		err := c.err
		c.err = nil
		return err
	}
	if !c.Dirty() {
		return nil
	}
	if err := c.set.Publish(c.slot); err != nil {
		return err
	}
	c.slot = -1
	c.pix = nil
	c.frames++
	return nil
}

// Close publishes pending drawing, gives back a slot that was acquired but
// never drawn into, and closes the set for writing. A clean slot reclaimed
// from the reader is republished unchanged rather than given back.
func (c *Canvas) Close() error {
	err := c.Update()
	if c.slot >= 0 {
		derr := c.set.Discard(c.slot)
		if errors.Is(derr, framebuffer.ErrSlotState) {
			// A slot reclaimed from the reader holds the newest frame.
			derr = c.set.Publish(c.slot)
		}
		if derr != nil && err == nil {
			err = derr
		}
		c.slot = -1
		c.pix = nil
	}
	if closeErr := c.set.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
