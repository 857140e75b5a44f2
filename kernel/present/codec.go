package present

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/andybalholm/brotli"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
)

// Wire format of a frame patch, brotli-compressed:
//
//	message FramePatch {
//	  uint32 generation = 1;
//	  uint32 width      = 2;
//	  uint32 height     = 3;
//	  bool   full       = 4;
//	  repeated Tile tiles = 5;
//	}
//	message Tile {
//	  uint32 x = 1; uint32 y = 2; uint32 w = 3; uint32 h = 4;
//	  bytes pixels = 5; // w*h*4 straight RGBA, rows packed
//	}
const (
	patchGeneration protowire.Number = 1
	patchWidth      protowire.Number = 2
	patchHeight     protowire.Number = 3
	patchFull       protowire.Number = 4
	patchTiles      protowire.Number = 5

	tileX      protowire.Number = 1
	tileY      protowire.Number = 2
	tileW      protowire.Number = 3
	tileH      protowire.Number = 4
	tilePixels protowire.Number = 5
)

const (
	patchCompression = 5
	maxPatchBytes    = 1 << 28
)

var ErrMalformedPatch = errors.New("malformed frame patch")

// Tile is one rectangle of pixels.
type Tile struct {
	X, Y, W, H int
	Pixels     []byte
}

// Patch carries the changed regions of one frame, or the whole surface
// when Full is set.
type Patch struct {
	Generation    uint32
	Width, Height int
	Full          bool
	Tiles         []Tile
}

// NewPatch copies the regions of f into a patch. With full set, or when the
// frame itself is full, the patch holds a single surface-sized tile.
func NewPatch(f *framebuffer.Frame, full bool) Patch {
	p := Patch{Generation: f.Generation, Width: f.Width, Height: f.Height, Full: full || f.Full}
	regions := f.Regions()
	if p.Full {
		regions = []dirty.Rect{f.Bounds()}
	}
	p.Tiles = make([]Tile, 0, len(regions))
	for _, r := range regions {
		r = r.Clip(f.Width, f.Height)
		if r.Empty() {
			continue
		}
		t := Tile{X: r.X, Y: r.Y, W: r.W, H: r.H, Pixels: make([]byte, 0, r.W*r.H*4)}
		for y := r.Y; y < r.Y+r.H; y++ {
			off := y*f.Stride + r.X*4
			t.Pixels = append(t.Pixels, f.Pixels[off:off+r.W*4]...)
		}
		p.Tiles = append(p.Tiles, t)
	}
	return p
}

// Apply writes the tiles into dst, which must match the patch geometry.
func (p Patch) Apply(dst *image.RGBA) error {
	if dst.Rect.Dx() != p.Width || dst.Rect.Dy() != p.Height {
		return fmt.Errorf("patch is %dx%d, target is %dx%d", p.Width, p.Height, dst.Rect.Dx(), dst.Rect.Dy())
	}
	for _, t := range p.Tiles {
		for row := 0; row < t.H; row++ {
			off := dst.PixOffset(dst.Rect.Min.X+t.X, dst.Rect.Min.Y+t.Y+row)
			copy(dst.Pix[off:off+t.W*4], t.Pixels[row*t.W*4:(row+1)*t.W*4])
		}
	}
	return nil
}

// EncodePatch serializes and compresses p.
func EncodePatch(p Patch) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, patchCompression)
	if _, err := w.Write(marshalPatch(p)); err != nil {
		return nil, fmt.Errorf("compress patch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress patch: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePatch reverses EncodePatch and checks every tile against the
// patch geometry.
func DecodePatch(data []byte) (Patch, error) {
	raw, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(data)), maxPatchBytes+1))
	if err != nil {
		return Patch{}, fmt.Errorf("decompress patch: %w", err)
	}
	if len(raw) > maxPatchBytes {
		return Patch{}, fmt.Errorf("%w: larger than %d bytes", ErrMalformedPatch, maxPatchBytes)
	}
	p, err := unmarshalPatch(raw)
	if err != nil {
		return Patch{}, err
	}
	surface := dirty.Full(p.Width, p.Height)
	for i, t := range p.Tiles {
		r := dirty.Rect{X: t.X, Y: t.Y, W: t.W, H: t.H}
		if r.Empty() || !surface.Contains(r) || len(t.Pixels) != t.W*t.H*4 {
			return Patch{}, fmt.Errorf("%w: tile %d %v outside %dx%d or %d pixel bytes",
				ErrMalformedPatch, i, r, p.Width, p.Height, len(t.Pixels))
		}
	}
	return p, nil
}

func marshalPatch(p Patch) []byte {
	size := 32
	for _, t := range p.Tiles {
		size += len(t.Pixels) + 32
	}
	b := make([]byte, 0, size)
	b = appendUint(b, patchGeneration, uint64(p.Generation))
	b = appendUint(b, patchWidth, uint64(p.Width))
	b = appendUint(b, patchHeight, uint64(p.Height))
	if p.Full {
		b = appendUint(b, patchFull, 1)
	}
	for _, t := range p.Tiles {
		var tb []byte
		tb = appendUint(tb, tileX, uint64(t.X))
		tb = appendUint(tb, tileY, uint64(t.Y))
		tb = appendUint(tb, tileW, uint64(t.W))
		tb = appendUint(tb, tileH, uint64(t.H))
		tb = protowire.AppendTag(tb, tilePixels, protowire.BytesType)
		tb = protowire.AppendBytes(tb, t.Pixels)

		b = protowire.AppendTag(b, patchTiles, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	return b
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// skipField tells walkFields to step over a field the callback ignores.
const skipField = math.MinInt

// walkFields calls fn for each field of a message. fn returns the number of
// bytes it consumed, a negative protowire error code, or skipField.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPatch, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == skipField {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedPatch, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// consumeInt reads a varint field that must fit an int32.
func consumeInt(b []byte, dst *int) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: value %d out of range", ErrMalformedPatch, v)
	}
	*dst = int(v)
	return n, nil
}

func unmarshalPatch(b []byte) (Patch, error) {
	var p Patch
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == patchGeneration && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Generation = uint32(v)
			return n, nil
		case num == patchWidth && typ == protowire.VarintType:
			return consumeInt(b, &p.Width)
		case num == patchHeight && typ == protowire.VarintType:
			return consumeInt(b, &p.Height)
		case num == patchFull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Full = v != 0
			return n, nil
		case num == patchTiles && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := unmarshalTile(raw)
			if err != nil {
				return 0, err
			}
			p.Tiles = append(p.Tiles, t)
			return n, nil
		}
		return skipField, nil
	})
	return p, err
}

func unmarshalTile(b []byte) (Tile, error) {
	var t Tile
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == tileX && typ == protowire.VarintType:
			return consumeInt(b, &t.X)
		case num == tileY && typ == protowire.VarintType:
			return consumeInt(b, &t.Y)
		case num == tileW && typ == protowire.VarintType:
			return consumeInt(b, &t.W)
		case num == tileH && typ == protowire.VarintType:
			return consumeInt(b, &t.H)
		case num == tilePixels && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t.Pixels = append([]byte(nil), raw...)
			return n, nil
		}
		return skipField, nil
	})
	return t, err
}
