package sab

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/framebus/kernel/utils"
)

// Backend selects what backs allocated regions.
type Backend string

const (
	// BackendMemory keeps regions in process memory.
	BackendMemory Backend = "memory"
	// BackendShm creates named files under the shared memory directory.
	BackendShm Backend = "shm"
	// BackendMemfd creates anonymous memfd mappings (linux).
	BackendMemfd Backend = "memfd"
)

// ErrAllocation is matched by every *AllocationError through errors.Is.
var ErrAllocation = errors.New("shared region allocation failed")

// AllocationError reports that backing memory could not be created.
type AllocationError struct {
	Size    uint32
	Backend Backend
	Cause   error
}

func (e *AllocationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("allocate %d bytes (%s)", e.Size, e.Backend)
	}
	return fmt.Sprintf("allocate %d bytes (%s): %v", e.Size, e.Backend, e.Cause)
}

func (e *AllocationError) Unwrap() error { return e.Cause }

func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

// AllocatorOptions configures an Allocator.
type AllocatorOptions struct {
	Backend Backend
	// Dir holds shm files. Defaults to DefaultSharedMemoryDir.
	Dir string
	// Prefix names shm files and memfds.
	Prefix string
	Logger *slog.Logger
}

// Allocator hands out zeroed shared regions and tracks them by handle.
type Allocator struct {
	mu      sync.Mutex
	opts    AllocatorOptions
	regions map[uint32]*SharedRegion
	next    uint32
	logger  *slog.Logger
}

// NewAllocator creates an allocator. An empty backend means BackendMemory.
func NewAllocator(opts AllocatorOptions) *Allocator {
	if opts.Backend == "" {
		opts.Backend = BackendMemory
	}
	if opts.Prefix == "" {
		opts.Prefix = "framebus"
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.Logger()
	}
	return &Allocator{
		opts:    opts,
		regions: make(map[uint32]*SharedRegion),
		logger:  logger.With("component", "allocator", "backend", string(opts.Backend)),
	}
}

// Backend returns the backing store used for new regions.
func (a *Allocator) Backend() Backend {
	return a.opts.Backend
}

// Allocate creates a zero-filled region of exactly byteLength bytes.
func (a *Allocator) Allocate(byteLength uint32) (*SharedRegion, error) {
	if byteLength == 0 {
		return nil, &AllocationError{Size: byteLength, Backend: a.opts.Backend, Cause: errors.New("size must be positive")}
	}

	a.mu.Lock()
	a.next++
	handle := a.next
	a.mu.Unlock()

	provider, err := a.newProvider(handle, byteLength)
	if err != nil {
		return nil, &AllocationError{Size: byteLength, Backend: a.opts.Backend, Cause: err}
	}

	region := &SharedRegion{
		handle:   handle,
		size:     byteLength,
		provider: provider,
		owner:    a,
	}

	a.mu.Lock()
	a.regions[handle] = region
	a.mu.Unlock()

	a.logger.Debug("region allocated", "handle", handle, "bytes", byteLength)
	return region, nil
}

func (a *Allocator) newProvider(handle, size uint32) (MemoryProvider, error) {
	name := fmt.Sprintf("%s-%d", a.opts.Prefix, handle)
	switch a.opts.Backend {
	case BackendMemory:
		return NewInMemoryProvider(size), nil
	case BackendShm:
		dir := a.opts.Dir
		if dir == "" {
			dir = DefaultSharedMemoryDir()
		}
		return OpenSharedMemory(SharedMemoryOptions{
			Path:   filepath.Join(dir, name+"-"+utils.GenerateID()[:8]),
			Size:   size,
			Create: true,
			Unlink: true,
		})
	case BackendMemfd:
		return CreateAnonymousSharedMemory(name, size)
	default:
		return nil, fmt.Errorf("unknown backend %q", a.opts.Backend)
	}
}

// Open maps a shared memory object created by another allocator, usually
// in another process, and registers it under a new handle. Closing the
// region unmaps it without removing the backing file.
func (a *Allocator) Open(path string) (*SharedRegion, error) {
	provider, err := OpenSharedMemory(SharedMemoryOptions{Path: path})
	if err != nil {
		return nil, &AllocationError{Backend: BackendShm, Cause: err}
	}

	a.mu.Lock()
	a.next++
	region := &SharedRegion{
		handle:   a.next,
		size:     provider.Size(),
		provider: provider,
		owner:    a,
	}
	a.regions[region.handle] = region
	a.mu.Unlock()

	a.logger.Debug("region opened", "handle", region.handle, "path", path, "bytes", region.size)
	return region, nil
}

// Lookup resolves a handle to a live region.
func (a *Allocator) Lookup(handle uint32) (*SharedRegion, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[handle]
	return r, ok
}

// Release unmaps the region behind handle.
func (a *Allocator) Release(handle uint32) error {
	a.mu.Lock()
	r, ok := a.regions[handle]
	delete(a.regions, handle)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("release region %d: unknown handle", handle)
	}
	return r.close()
}

func (a *Allocator) forget(handle uint32) {
	a.mu.Lock()
	delete(a.regions, handle)
	a.mu.Unlock()
}

// Len returns the number of live regions.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// Close releases every live region.
func (a *Allocator) Close() error {
	a.mu.Lock()
	regions := a.regions
	a.regions = make(map[uint32]*SharedRegion)
	a.mu.Unlock()

	var errs []error
	for _, r := range regions {
		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(regions) > 0 {
		a.logger.Info("allocator closed", "regions", len(regions))
	}
	return errors.Join(errs...)
}

// SharedRegion is a fixed-size block of memory visible to writer and reader.
type SharedRegion struct {
	handle   uint32
	size     uint32
	provider MemoryProvider
	owner    *Allocator
	released atomic.Bool
}

// Handle returns the opaque handle the allocator knows this region by.
func (r *SharedRegion) Handle() uint32 { return r.handle }

// ByteLength returns the size fixed at allocation.
func (r *SharedRegion) ByteLength() uint32 { return r.size }

// Provider exposes the backing provider.
func (r *SharedRegion) Provider() MemoryProvider { return r.provider }

// Bytes returns the region as bytes. Nil after release.
func (r *SharedRegion) Bytes() []byte {
	if r.released.Load() {
		return nil
	}
	return r.provider.Bytes()
}

// Words returns the region as 32-bit words for atomic access. Nil after release.
func (r *SharedRegion) Words() []uint32 {
	return wordsOf(r.Bytes())
}

// Released reports whether the region has been unmapped.
func (r *SharedRegion) Released() bool {
	return r.released.Load()
}

// Release returns the region to its allocator. Calling it twice is a no-op.
func (r *SharedRegion) Release() error {
	if r.released.Load() {
		return nil
	}
	if r.owner != nil {
		r.owner.forget(r.handle)
	}
	return r.close()
}

func (r *SharedRegion) close() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	return r.provider.Close()
}
