package sab

import "errors"

// MemoryProvider abstracts access to a block of shared memory.
// Implementations may be backed by mmap, memfd or in-memory buffers.
type MemoryProvider interface {
	Size() uint32
	Bytes() []byte
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	CompareAndSwap32(offset uint32, old, new uint32) (bool, error)
	Close() error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")
var ErrProviderClosed = errors.New("memory provider closed")
