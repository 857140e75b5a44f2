package sab

import (
	"sync/atomic"
	"unsafe"
)

// mapping implements the byte and word accessors shared by every provider.
// data must start on a 4-byte boundary.
type mapping struct {
	data []byte
}

func (m *mapping) Size() uint32 {
	return uint32(len(m.data))
}

func (m *mapping) Bytes() []byte {
	return m.data
}

func (m *mapping) ReadAt(offset uint32, dest []byte) error {
	if m.data == nil {
		return ErrProviderClosed
	}
	if uint64(offset)+uint64(len(dest)) > uint64(len(m.data)) {
		return ErrOutOfBounds
	}
	copy(dest, m.data[offset:offset+uint32(len(dest))])
	return nil
}

func (m *mapping) WriteAt(offset uint32, src []byte) error {
	if m.data == nil {
		return ErrProviderClosed
	}
	if uint64(offset)+uint64(len(src)) > uint64(len(m.data)) {
		return ErrOutOfBounds
	}
	copy(m.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (m *mapping) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (m *mapping) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (m *mapping) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32((*uint32)(ptr), delta), nil
}

func (m *mapping) CompareAndSwap32(offset uint32, old, new uint32) (bool, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32((*uint32)(ptr), old, new), nil
}

func (m *mapping) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if m.data == nil {
		return nil, ErrProviderClosed
	}
	if uint64(offset)+4 > uint64(len(m.data)) {
		return nil, ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Pointer(&m.data[offset]), nil
}

// wordsOf reinterprets a 4-byte aligned buffer as 32-bit words.
func wordsOf(data []byte) []uint32 {
	if len(data) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), len(data)/4)
}
