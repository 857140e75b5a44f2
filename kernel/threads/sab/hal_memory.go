package sab

import "unsafe"

// InMemoryProvider stores region data in process memory.
// It is used when reader and writer share an address space.
type InMemoryProvider struct {
	mapping
	words []uint32
}

// NewInMemoryProvider creates a zeroed in-memory provider with the requested size.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	// Backed by words so the byte view is always 4-byte aligned.
	words := make([]uint32, (size+3)/4)
	var data []byte
	if size > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &InMemoryProvider{
		mapping: mapping{data: data},
		words:   words,
	}
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	m.words = nil
	return nil
}
