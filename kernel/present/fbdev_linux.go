//go:build linux

package present

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/framebus/kernel/utils"
)

// linux/fb.h
const (
	fbiogetVScreenInfo = 0x4600
	fbiogetFScreenInfo = 0x4602
)

type fbBitfield struct {
	Offset   uint32
	Length   uint32
	MsbRight uint32
}

type fbVarScreenInfo struct {
	XRes, YRes               uint32
	XResVirtual, YResVirtual uint32
	XOffset, YOffset         uint32
	BitsPerPixel             uint32
	Grayscale                uint32
	Red, Green, Blue, Transp fbBitfield
	Nonstd                   uint32
	Activate                 uint32
	Height, Width            uint32
	AccelFlags               uint32
	Pixclock                 uint32
	LeftMargin, RightMargin  uint32
	UpperMargin, LowerMargin uint32
	HsyncLen, VsyncLen       uint32
	Sync                     uint32
	Vmode                    uint32
	Rotate                   uint32
	Colorspace               uint32
	Reserved                 [4]uint32
}

type fbFixScreenInfo struct {
	ID           [16]byte
	SmemStart    uintptr
	SmemLen      uint32
	Type         uint32
	TypeAux      uint32
	Visual       uint32
	XPanStep     uint16
	YPanStep     uint16
	YWrapStep    uint16
	LineLength   uint32
	MmioStart    uintptr
	MmioLen      uint32
	Accel        uint32
	Capabilities uint16
	Reserved     [2]uint16
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// NewFramebufferPresenter opens and maps a Linux framebuffer device.
func NewFramebufferPresenter(opts FramebufferOptions) (*FramebufferPresenter, error) {
	if opts.Device == "" {
		opts.Device = DefaultFramebufferDevice
	}
	file, err := os.OpenFile(opts.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, utils.WrapError(err, "open framebuffer")
	}
	fd := int(file.Fd())

	var vinfo fbVarScreenInfo
	var finfo fbFixScreenInfo
	if err := ioctl(fd, fbiogetVScreenInfo, unsafe.Pointer(&vinfo)); err != nil {
		file.Close()
		return nil, fmt.Errorf("FBIOGET_VSCREENINFO %s: %w", opts.Device, err)
	}
	if err := ioctl(fd, fbiogetFScreenInfo, unsafe.Pointer(&finfo)); err != nil {
		file.Close()
		return nil, fmt.Errorf("FBIOGET_FSCREENINFO %s: %w", opts.Device, err)
	}

	size := int(finfo.SmemLen)
	if size == 0 {
		size = int(finfo.LineLength) * int(vinfo.YResVirtual)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, utils.WrapError(err, "mmap framebuffer")
	}

	// Draw into the visible page of a panned framebuffer.
	offset := int(vinfo.YOffset)*int(finfo.LineLength) + int(vinfo.XOffset)*int(vinfo.BitsPerPixel/8)
	info := FramebufferInfo{
		Width:        int(vinfo.XRes),
		Height:       int(vinfo.YRes),
		Stride:       int(finfo.LineLength),
		BitsPerPixel: int(vinfo.BitsPerPixel),
		Red:          Bitfield{vinfo.Red.Offset, vinfo.Red.Length},
		Green:        Bitfield{vinfo.Green.Offset, vinfo.Green.Length},
		Blue:         Bitfield{vinfo.Blue.Offset, vinfo.Blue.Length},
		Alpha:        Bitfield{vinfo.Transp.Offset, vinfo.Transp.Length},
	}
	release := func() error {
		err := unix.Munmap(mem)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		return err
	}
	if offset >= len(mem) {
		_ = release()
		return nil, fmt.Errorf("framebuffer pan offset %d outside %d-byte mapping", offset, len(mem))
	}

	p, err := newFramebufferPresenter(mem[offset:], info, opts, release)
	if err != nil {
		_ = release()
		return nil, err
	}
	return p, nil
}
