package sab

import "math"

// Control block layout.
// Both actors hard-code these word offsets; changing any of them requires a
// CONTROL_VERSION bump. All words are little-endian uint32 accessed atomically.

const (
	CONTROL_MAGIC   = 0x46425553 // "FBUS"
	CONTROL_VERSION = 1

	BYTES_PER_PIXEL = 4

	MIN_BUFFER_COUNT     = 2
	MAX_BUFFER_COUNT     = 4
	DEFAULT_BUFFER_COUNT = 3

	MAX_DIRTY_REGIONS = 256
	RECT_WORDS        = 4 // x, y, w, h

	// NO_SLOT marks an index word that currently names no slot.
	NO_SLOT = 0xFFFFFFFF

	// ========== HEADER (words 0 - 15) ==========
	CTRL_MAGIC          = 0
	CTRL_VERSION        = 1
	CTRL_BUFFER_COUNT   = 2
	CTRL_WIDTH          = 3
	CTRL_HEIGHT         = 4
	CTRL_MAX_DIRTY      = 5
	CTRL_WRITE_IDX      = 6  // writer only
	CTRL_READY_IDX      = 7  // writer only
	CTRL_GENERATION     = 8  // writer only, bumped last on publish
	CTRL_CLOSED         = 9  // either side
	CTRL_CONSUMED_GEN   = 10 // reader only
	CTRL_READING_IDX    = 11 // reader only
	CTRL_READERS_ACTIVE = 12 // reader only, consume calls in flight
	CTRL_RELEASE_EPOCH  = 13 // reader only, bumped on release
	CTRL_DROPPED        = 14 // reader only
	CTRL_RESERVED       = 15
	CTRL_HEADER_WORDS   = 16

	// ========== SLOT SECTIONS (word 16 onwards) ==========
	// Each slot: STATE, GEN, DIRTY_COUNT, reserved, then MAX_DIRTY rects.
	SLOT_STATE        = 0
	SLOT_GEN          = 1
	SLOT_DIRTY_COUNT  = 2
	SLOT_RESERVED     = 3
	SLOT_HEADER_WORDS = 4
)

// SlotWords returns the size in words of one slot section.
func SlotWords(maxDirty uint32) uint32 {
	return SLOT_HEADER_WORDS + RECT_WORDS*maxDirty
}

// SlotBase returns the word index of a slot section.
func SlotBase(slot, maxDirty uint32) uint32 {
	return CTRL_HEADER_WORDS + slot*SlotWords(maxDirty)
}

// RectBase returns the word index of rect i within a slot's dirty list.
func RectBase(slot, maxDirty, i uint32) uint32 {
	return SlotBase(slot, maxDirty) + SLOT_HEADER_WORDS + RECT_WORDS*i
}

// ControlBlockWords returns the number of words a control block needs.
func ControlBlockWords(bufferCount, maxDirty uint32) uint32 {
	return CTRL_HEADER_WORDS + bufferCount*SlotWords(maxDirty)
}

// ControlBlockSize returns the control block size in bytes.
func ControlBlockSize(bufferCount, maxDirty uint32) uint32 {
	return ControlBlockWords(bufferCount, maxDirty) * 4
}

// PixelBufferSize returns the size of one RGBA pixel buffer.
func PixelBufferSize(width, height uint32) uint32 {
	return width * height * BYTES_PER_PIXEL
}

// ControlRegion describes one section of the control block.
type ControlRegion struct {
	Name        string
	Word        uint32
	Words       uint32
	Description string
}

// GetControlRegions returns every section of a control block in order.
func GetControlRegions(bufferCount, maxDirty uint32) []ControlRegion {
	regions := []ControlRegion{
		{"Header", 0, CTRL_HEADER_WORDS, "Geometry, indices, generation and reader bookkeeping"},
	}
	for i := uint32(0); i < bufferCount; i++ {
		regions = append(regions, ControlRegion{
			Name:        "Slot" + string(rune('0'+i)),
			Word:        SlotBase(i, maxDirty),
			Words:       SlotWords(maxDirty),
			Description: "Slot state, generation and dirty list",
		})
	}
	return regions
}

// ValidateGeometry is ValidateControlLayout for int arguments. Values that
// do not fit a uint32 are rejected before conversion.
func ValidateGeometry(bufferCount, maxDirty, width, height int) error {
	for _, f := range []struct {
		code string
		v    int
	}{
		{"INVALID_BUFFER_COUNT", bufferCount},
		{"INVALID_DIRTY_CAPACITY", maxDirty},
		{"INVALID_GEOMETRY", width},
		{"INVALID_GEOMETRY", height},
	} {
		if f.v < 0 || uint64(f.v) > math.MaxUint32 {
			return &LayoutError{
				Code:    f.code,
				Message: "value out of range",
			}
		}
	}
	return ValidateControlLayout(uint32(bufferCount), uint32(maxDirty), uint32(width), uint32(height))
}

// ValidateControlLayout checks geometry and that slot sections tile the block.
func ValidateControlLayout(bufferCount, maxDirty, width, height uint32) error {
	if bufferCount < MIN_BUFFER_COUNT || bufferCount > MAX_BUFFER_COUNT {
		return &LayoutError{
			Code:    "INVALID_BUFFER_COUNT",
			Message: "buffer count must be between 2 and 4",
		}
	}
	if maxDirty == 0 {
		return &LayoutError{
			Code:    "INVALID_DIRTY_CAPACITY",
			Message: "dirty region capacity must be positive",
		}
	}
	if width == 0 || height == 0 {
		return &LayoutError{
			Code:    "INVALID_GEOMETRY",
			Message: "width and height must be positive",
		}
	}
	if words := uint64(CTRL_HEADER_WORDS) + uint64(bufferCount)*(SLOT_HEADER_WORDS+RECT_WORDS*uint64(maxDirty)); words*4 > math.MaxUint32 {
		return &LayoutError{
			Code:    "INVALID_DIRTY_CAPACITY",
			Message: "control block exceeds 4GiB",
		}
	}
	if uint64(width)*uint64(height)*BYTES_PER_PIXEL > 1<<31 {
		return &LayoutError{
			Code:    "INVALID_GEOMETRY",
			Message: "pixel buffer exceeds 2GiB",
		}
	}

	regions := GetControlRegions(bufferCount, maxDirty)
	next := uint32(0)
	for _, r := range regions {
		if r.Word != next {
			return &LayoutError{
				Code:    "REGION_GAP",
				Message: "Region " + r.Name + " does not follow its predecessor",
			}
		}
		next = r.Word + r.Words
	}
	if next != ControlBlockWords(bufferCount, maxDirty) {
		return &LayoutError{
			Code:    "SIZE_MISMATCH",
			Message: "slot sections do not fill the control block",
		}
	}
	return nil
}

// LayoutError represents a control block layout error
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}

// AlignOffset aligns an offset to the specified alignment
func AlignOffset(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) & ^(alignment - 1)
}

// CalculateUtilization calculates utilization percentage
func CalculateUtilization(used, capacity uint32) float32 {
	if capacity == 0 {
		return 0
	}
	return float32(used) / float32(capacity) * 100.0
}
