package canvas

import "math"

// HSV holds hue in degrees [0, 360) and saturation and value in percent.
type HSV struct {
	H, S, V float64
}

// RGBToHSV converts the colour channels of c. Alpha is ignored.
func RGBToHSV(c Color) HSV {
	r, g, b := float64(c.R)/255, float64(c.G)/255, float64(c.B)/255
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	delta := hi - lo

	var h, s float64
	if delta != 0 {
		s = delta / hi
		switch hi {
		case r:
			h = (g - b) / delta
		case g:
			h = 2 + (b-r)/delta
		default:
			h = 4 + (r-g)/delta
		}
		h *= 60
		if h < 0 {
			h += 360
		}
	}
	return HSV{H: h, S: s * 100, V: hi * 100}
}

// HSVToRGB converts back to an opaque colour, flooring each channel.
func HSVToRGB(hsv HSV) Color {
	s, v := hsv.S/100, hsv.V/100
	h := hsv.H
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h >= 0 && h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return Color{
		R: channel(r + m),
		G: channel(g + m),
		B: channel(b + m),
		A: 255,
	}
}

func channel(v float64) uint8 {
	f := math.Floor(v * 255)
	if f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f)
}

// Complementary returns the colour opposite c on the hue wheel.
func Complementary(c Color) Color {
	hsv := RGBToHSV(c)
	hsv.H = math.Mod(hsv.H+180, 360)
	return HSVToRGB(hsv)
}

// Analogous returns the neighbours of c at -spread and +spread degrees,
// with c itself in the middle.
func Analogous(c Color, spread float64) [3]Color {
	hsv := RGBToHSV(c)
	left, right := hsv, hsv
	left.H = math.Mod(hsv.H-spread+360, 360)
	right.H = math.Mod(hsv.H+spread, 360)
	return [3]Color{HSVToRGB(left), c, HSVToRGB(right)}
}
