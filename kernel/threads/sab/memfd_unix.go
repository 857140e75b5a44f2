//go:build unix && !linux

package sab

import (
	"fmt"
	"os"
)

// CreateAnonymousSharedMemory falls back to an unlinked temporary file on
// platforms without memfd_create.
func CreateAnonymousSharedMemory(name string, size uint32) (*SharedMemoryProvider, error) {
	f, err := os.CreateTemp(DefaultSharedMemoryDir(), name+"-*")
	if err != nil {
		return nil, fmt.Errorf("create anonymous shared memory: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("prepare anonymous shared memory: %w", err)
	}
	p, err := OpenSharedMemory(SharedMemoryOptions{Path: path, Size: size, Create: true})
	if err != nil {
		return nil, err
	}
	// Unlinked while mapped: nothing outlives the provider.
	_ = os.Remove(path)
	return p, nil
}
