//go:build !unix

package sab

import "errors"

var errSharedMemoryUnsupported = errors.New("shared memory is not supported on this platform")

// SharedMemoryProvider is unavailable on this platform.
type SharedMemoryProvider struct {
	mapping
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uint32
	Create bool
	Unlink bool
}

func DefaultSharedMemoryDir() string { return "" }

func DefaultSharedMemoryPath(name string) string { return name }

func OpenSharedMemory(SharedMemoryOptions) (*SharedMemoryProvider, error) {
	return nil, errSharedMemoryUnsupported
}

func CreateAnonymousSharedMemory(string, uint32) (*SharedMemoryProvider, error) {
	return nil, errSharedMemoryUnsupported
}

func (s *SharedMemoryProvider) Path() string { return "" }

func (s *SharedMemoryProvider) Fd() int { return -1 }

func (s *SharedMemoryProvider) Close() error { return nil }
