package framebuffer

import (
	"image"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
)

// Frame is a consumed slot. Pixels stays valid until the slot is released.
type Frame struct {
	Index      int
	Generation uint32
	Width      int
	Height     int
	Stride     int
	Pixels     []byte
	// Rects are the regions changed since the reader's previous frame,
	// already clamped to the surface.
	Rects []dirty.Rect
	// Full asks the reader to upload the whole buffer: first frame, an empty
	// dirty list or an overflowed one.
	Full bool
	// Dropped counts generations published since the previous consume that
	// the reader never saw.
	Dropped uint32
}

// Bounds returns the full surface rectangle.
func (f *Frame) Bounds() dirty.Rect {
	return dirty.Full(f.Width, f.Height)
}

// Regions returns the rectangles the reader must upload.
func (f *Frame) Regions() []dirty.Rect {
	if f.Full {
		return []dirty.Rect{f.Bounds()}
	}
	return f.Rects
}

// Stats reports region count, pixel total and coverage of this frame.
func (f *Frame) Stats() dirty.Stats {
	return dirty.Summarize(f.Regions(), f.Width, f.Height, f.Full)
}

// Image returns a zero-copy RGBA view of the slot.
func (f *Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pixels,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}
