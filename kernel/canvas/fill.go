package canvas

// GradientDirection selects the axis FillGradient interpolates along.
type GradientDirection int

const (
	Horizontal GradientDirection = iota
	Vertical
)

// Clear sets every pixel to transparent black.
func (c *Canvas) Clear() {
	c.Fill(Transparent)
}

// Fill sets every pixel to col and marks the whole surface dirty.
func (c *Canvas) Fill(col Color) {
	if !c.acquire() {
		return
	}
	if len(c.pix) >= 4 {
		c.pix[0], c.pix[1], c.pix[2], c.pix[3] = col.R, col.G, col.B, col.A
		// Doubling copy of the first pixel.
		for n := 4; n < len(c.pix); n *= 2 {
			copy(c.pix[n:], c.pix[:n])
		}
	}
	c.set.MarkFull()
}

// FillGradient blends from c1 at the left (or top) edge towards c2,
// flooring each channel. The far edge stops one step short of c2.
func (c *Canvas) FillGradient(c1, c2 Color, dir GradientDirection) {
	if !c.acquire() {
		return
	}
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			var t float64
			if dir == Horizontal {
				t = float64(x) / float64(c.width)
			} else {
				t = float64(y) / float64(c.height)
			}
			col := c1.Lerp(c2, t)
			i := (y*c.width + x) * 4
			c.pix[i], c.pix[i+1], c.pix[i+2], c.pix[i+3] = col.R, col.G, col.B, col.A
		}
	}
	c.set.MarkFull()
}
