package canvas

// DrawLine rasterizes the segment between two points inclusive using
// Bresenham's algorithm. Each visited pixel is marked dirty on its own.
func (c *Canvas) DrawLine(x0, y0, x1, y1 int, col Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 >= x1 {
		sx = -1
	}
	if y0 >= y1 {
		sy = -1
	}
	err := dx + dy

	for {
		c.SetPixel(x0, y0, col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

// DrawRectangle fills the w×h extent at (x, y), or outlines it with four
// lines through the corners (x, y) and (x+w, y+h). Non-positive sizes draw
// nothing.
func (c *Canvas) DrawRectangle(x, y, w, h int, col Color, filled bool) {
	if w <= 0 || h <= 0 {
		return
	}
	if !filled {
		c.DrawLine(x, y, x+w, y, col)
		c.DrawLine(x+w, y, x+w, y+h, col)
		c.DrawLine(x+w, y+h, x, y+h, col)
		c.DrawLine(x, y+h, x, y, col)
		return
	}

	// Clip once and write rows directly; one region covers the block.
	x0, y0 := max(x, 0), max(y, 0)
	x1, y1 := min(x+w, c.width), min(y+h, c.height)
	if x0 >= x1 || y0 >= y1 {
		return
	}
	if !c.acquire() {
		return
	}
	for py := y0; py < y1; py++ {
		row := c.pix[(py*c.width+x0)*4 : (py*c.width+x1)*4]
		for i := 0; i < len(row); i += 4 {
			row[i] = col.R
			row[i+1] = col.G
			row[i+2] = col.B
			row[i+3] = col.A
		}
	}
	c.set.MarkDirty(x0, y0, x1-x0, y1-y0)
}

// DrawCircle rasterizes a circle of radius r with the midpoint algorithm.
// Outline mode plots the eight symmetric points of each step; filled mode
// draws the four horizontal spans through them.
func (c *Canvas) DrawCircle(cx, cy, r int, col Color, filled bool) {
	x, y, err := r, 0, 0

	for x >= y {
		if filled {
			c.DrawLine(cx-x, cy+y, cx+x, cy+y, col)
			c.DrawLine(cx-x, cy-y, cx+x, cy-y, col)
			c.DrawLine(cx-y, cy+x, cx+y, cy+x, col)
			c.DrawLine(cx-y, cy-x, cx+y, cy-x, col)
		} else {
			c.SetPixel(cx+x, cy+y, col)
			c.SetPixel(cx+y, cy+x, col)
			c.SetPixel(cx-y, cy+x, col)
			c.SetPixel(cx-x, cy+y, col)
			c.SetPixel(cx-x, cy-y, col)
			c.SetPixel(cx-y, cy-x, col)
			c.SetPixel(cx+y, cy-x, col)
			c.SetPixel(cx+x, cy-y, col)
		}

		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
