package present

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"log/slog"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/utils"
)

const DefaultFramebufferDevice = "/dev/fb0"

// Bitfield locates one colour channel inside a device pixel.
type Bitfield struct {
	Offset uint32
	Length uint32
}

// FramebufferInfo describes the visible part of a framebuffer device.
type FramebufferInfo struct {
	Width        int
	Height       int
	Stride       int // bytes per scanline
	BitsPerPixel int
	Red          Bitfield
	Green        Bitfield
	Blue         Bitfield
	Alpha        Bitfield
}

func (i FramebufferInfo) validate(memLen int) error {
	if i.BitsPerPixel != 16 && i.BitsPerPixel != 32 {
		return fmt.Errorf("unsupported framebuffer depth %d bpp", i.BitsPerPixel)
	}
	if i.Width <= 0 || i.Height <= 0 || i.Stride < i.Width*i.BitsPerPixel/8 {
		return fmt.Errorf("invalid framebuffer geometry %dx%d stride %d", i.Width, i.Height, i.Stride)
	}
	if memLen < i.Stride*i.Height {
		return fmt.Errorf("framebuffer mapping is %d bytes, need %d", memLen, i.Stride*i.Height)
	}
	return nil
}

// FramebufferOptions configures a FramebufferPresenter.
type FramebufferOptions struct {
	Device string // default /dev/fb0
	// Fit scales frames up by the largest integer factor that fits the
	// screen. Otherwise frames are drawn 1:1 at the top-left, clipped.
	Fit    bool
	Logger *slog.Logger
}

// FramebufferPresenter converts dirty regions of RGBA frames into the
// pixel format of a mapped framebuffer device.
type FramebufferPresenter struct {
	mu      sync.Mutex
	mem     []byte
	info    FramebufferInfo
	fit     bool
	staging *image.RGBA
	release func() error
	closed  bool
	frames  uint64
	logger  *slog.Logger
}

func newFramebufferPresenter(mem []byte, info FramebufferInfo, opts FramebufferOptions, release func() error) (*FramebufferPresenter, error) {
	if err := info.validate(len(mem)); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = utils.Logger()
	}
	if release == nil {
		release = func() error { return nil }
	}
	p := &FramebufferPresenter{
		mem:     mem,
		info:    info,
		fit:     opts.Fit,
		release: release,
		logger:  opts.Logger.With("component", "present.fbdev", "device", opts.Device),
	}
	if p.fit {
		p.staging = image.NewRGBA(image.Rect(0, 0, info.Width, info.Height))
	}
	p.logger.Info("framebuffer attached",
		"width", info.Width, "height", info.Height, "bpp", info.BitsPerPixel, "stride", info.Stride)
	return p, nil
}

// Info returns the device geometry.
func (p *FramebufferPresenter) Info() FramebufferInfo {
	return p.info
}

func (p *FramebufferPresenter) Present(ctx context.Context, f *framebuffer.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}

	src := f.Image()
	scale := 1
	if p.fit {
		scale = max(1, min(p.info.Width/f.Width, p.info.Height/f.Height))
	}
	screen := image.Rect(0, 0, p.info.Width, p.info.Height)

	for _, r := range f.Regions() {
		sr := toImageRect(r).Intersect(src.Rect)
		if sr.Empty() {
			continue
		}
		if scale == 1 {
			dr := sr.Intersect(screen)
			p.convert(src, dr)
			continue
		}
		dr := image.Rect(sr.Min.X*scale, sr.Min.Y*scale, sr.Max.X*scale, sr.Max.Y*scale)
		xdraw.NearestNeighbor.Scale(p.staging, dr, src, sr, xdraw.Src, nil)
		p.convert(p.staging, dr.Intersect(screen))
	}
	p.frames++
	return nil
}

// convert writes r of src into device memory at the same position.
func (p *FramebufferPresenter) convert(src *image.RGBA, r image.Rectangle) {
	bpp := p.info.BitsPerPixel / 8
	for y := r.Min.Y; y < r.Max.Y; y++ {
		s := src.PixOffset(r.Min.X, y)
		d := y*p.info.Stride + r.Min.X*bpp
		for x := r.Min.X; x < r.Max.X; x++ {
			v := p.pack(src.Pix[s], src.Pix[s+1], src.Pix[s+2], src.Pix[s+3])
			if bpp == 4 {
				binary.LittleEndian.PutUint32(p.mem[d:], v)
			} else {
				binary.LittleEndian.PutUint16(p.mem[d:], uint16(v))
			}
			s += 4
			d += bpp
		}
	}
}

func (p *FramebufferPresenter) pack(r, g, b, a uint8) uint32 {
	return channelBits(r, p.info.Red) |
		channelBits(g, p.info.Green) |
		channelBits(b, p.info.Blue) |
		channelBits(a, p.info.Alpha)
}

func channelBits(v uint8, f Bitfield) uint32 {
	if f.Length == 0 {
		return 0
	}
	if f.Length >= 8 {
		return uint32(v) << f.Offset
	}
	return uint32(v>>(8-f.Length)) << f.Offset
}

func (p *FramebufferPresenter) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.mem = nil
	p.logger.Info("framebuffer detached", "frames", p.frames)
	return p.release()
}
