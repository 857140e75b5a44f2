//go:build unix

package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SharedMemoryProvider maps a file (or memfd) MAP_SHARED so that another
// process mapping the same object sees the same pixels and control words.
type SharedMemoryProvider struct {
	mapping
	path   string
	file   *os.File
	unlink bool
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uint32
	Create bool
	// Unlink removes the backing file on Close. Only meaningful for the creator.
	Unlink bool
}

// DefaultSharedMemoryDir returns the directory shared regions are created in.
func DefaultSharedMemoryDir() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

// DefaultSharedMemoryPath returns the default path for a named region.
func DefaultSharedMemoryPath(name string) string {
	return filepath.Join(DefaultSharedMemoryDir(), name)
}

// OpenSharedMemory opens or creates a shared memory mapping.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE | os.O_EXCL
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}

	if opts.Create {
		if opts.Size == 0 {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, errors.New("shared memory size required when creating")
		}
		if err := unix.Ftruncate(int(file.Fd()), int64(opts.Size)); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("truncate shared memory file: %w", err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, errors.New("shared memory file has zero size")
	}

	data, err := mapShared(int(file.Fd()), int(info.Size()))
	if err != nil {
		_ = file.Close()
		if opts.Create {
			_ = os.Remove(path)
		}
		return nil, err
	}

	return &SharedMemoryProvider{
		mapping: mapping{data: data},
		path:    path,
		file:    file,
		unlink:  opts.Unlink,
	}, nil
}

// Path returns the backing file path, or the memfd pseudo path.
func (s *SharedMemoryProvider) Path() string {
	return s.path
}

// Fd returns the descriptor of the backing object so it can be handed to
// another process. It returns -1 after Close.
func (s *SharedMemoryProvider) Fd() int {
	if s.file == nil {
		return -1
	}
	return int(s.file.Fd())
}

func (s *SharedMemoryProvider) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = unmapErr
		}
		s.data = nil
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	if s.unlink && s.path != "" {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
		s.unlink = false
	}
	return err
}

func mapShared(fd, size int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shared memory: %w", err)
	}
	return data, nil
}
