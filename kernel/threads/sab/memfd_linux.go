//go:build linux

package sab

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateAnonymousSharedMemory creates a sealed-size memfd mapping. The
// descriptor can be passed to a consumer process over a unix socket.
func CreateAnonymousSharedMemory(name string, size uint32) (*SharedMemoryProvider, error) {
	if size == 0 {
		return nil, fmt.Errorf("memfd %s: size required", name)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate memfd: %w", err)
	}
	// The layout is fixed for the region's lifetime.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("seal memfd: %w", err)
	}
	data, err := mapShared(fd, int(size))
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &SharedMemoryProvider{
		mapping: mapping{data: data},
		path:    fmt.Sprintf("/proc/self/fd/%d", fd),
		file:    os.NewFile(uintptr(fd), name),
	}, nil
}
