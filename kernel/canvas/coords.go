package canvas

import "math"

const (
	MinScale = 0.1
	MaxScale = 5.0
)

// Point is an integer position.
type Point struct {
	X, Y int
}

// CoordinateSystem maps between screen positions and canvas pixels for a
// canvas drawn at an offset and scale on a larger display.
type CoordinateSystem struct {
	OriginX, OriginY int
	Width, Height    int
	scale            float64
}

// NewCoordinateSystem places a width×height canvas at (originX, originY).
func NewCoordinateSystem(originX, originY, width, height int) *CoordinateSystem {
	return &CoordinateSystem{OriginX: originX, OriginY: originY, Width: width, Height: height, scale: 1}
}

// Scale returns the display scale factor.
func (cs *CoordinateSystem) Scale() float64 {
	return cs.scale
}

// SetScale sets the scale, clamped to [MinScale, MaxScale].
func (cs *CoordinateSystem) SetScale(s float64) {
	cs.scale = math.Max(MinScale, math.Min(MaxScale, s))
}

// ScreenToCanvas converts a screen position to a canvas pixel.
func (cs *CoordinateSystem) ScreenToCanvas(sx, sy int) Point {
	return Point{
		X: int(math.Floor(float64(sx-cs.OriginX) / cs.scale)),
		Y: int(math.Floor(float64(sy-cs.OriginY) / cs.scale)),
	}
}

// CanvasToScreen converts a canvas pixel to a screen position.
func (cs *CoordinateSystem) CanvasToScreen(cx, cy int) Point {
	return Point{
		X: int(math.Floor(float64(cx)*cs.scale + float64(cs.OriginX))),
		Y: int(math.Floor(float64(cy)*cs.scale + float64(cs.OriginY))),
	}
}

// Contains reports whether a screen position falls on the canvas.
func (cs *CoordinateSystem) Contains(sx, sy int) bool {
	p := cs.ScreenToCanvas(sx, sy)
	return p.X >= 0 && p.X < cs.Width && p.Y >= 0 && p.Y < cs.Height
}
