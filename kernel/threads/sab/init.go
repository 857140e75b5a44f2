package sab

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// ControlGeometry is the immutable part of a control block header.
type ControlGeometry struct {
	BufferCount uint32
	Width       uint32
	Height      uint32
	MaxDirty    uint32
}

// ControlInitializer writes a fresh control block into zeroed words.
type ControlInitializer struct {
	words    []uint32
	geometry ControlGeometry
}

// NewControlInitializer checks that words can hold a block of the given geometry.
func NewControlInitializer(words []uint32, g ControlGeometry) (*ControlInitializer, error) {
	if err := ValidateControlLayout(g.BufferCount, g.MaxDirty, g.Width, g.Height); err != nil {
		return nil, err
	}
	need := ControlBlockWords(g.BufferCount, g.MaxDirty)
	if uint32(len(words)) < need {
		return nil, fmt.Errorf("control block has %d words, need %d", len(words), need)
	}
	return &ControlInitializer{words: words, geometry: g}, nil
}

// Initialize performs complete control block initialization. The magic word
// is stored last so an attaching process never sees a half-written header.
func (ci *ControlInitializer) Initialize() error {
	// 1. Geometry
	ci.initGeometry()

	// 2. Indices and reader bookkeeping
	ci.initIndices()

	// 3. Slot sections
	if err := ci.initSlots(); err != nil {
		return fmt.Errorf("failed to initialize slots: %w", err)
	}

	// 4. Publish header
	atomic.StoreUint32(&ci.words[CTRL_VERSION], CONTROL_VERSION)
	atomic.StoreUint32(&ci.words[CTRL_MAGIC], CONTROL_MAGIC)
	return nil
}

func (ci *ControlInitializer) initGeometry() {
	atomic.StoreUint32(&ci.words[CTRL_BUFFER_COUNT], ci.geometry.BufferCount)
	atomic.StoreUint32(&ci.words[CTRL_WIDTH], ci.geometry.Width)
	atomic.StoreUint32(&ci.words[CTRL_HEIGHT], ci.geometry.Height)
	atomic.StoreUint32(&ci.words[CTRL_MAX_DIRTY], ci.geometry.MaxDirty)
}

func (ci *ControlInitializer) initIndices() {
	atomic.StoreUint32(&ci.words[CTRL_WRITE_IDX], NO_SLOT)
	atomic.StoreUint32(&ci.words[CTRL_READY_IDX], NO_SLOT)
	atomic.StoreUint32(&ci.words[CTRL_READING_IDX], NO_SLOT)
	for _, idx := range []int{CTRL_GENERATION, CTRL_CLOSED, CTRL_CONSUMED_GEN,
		CTRL_READERS_ACTIVE, CTRL_RELEASE_EPOCH, CTRL_DROPPED, CTRL_RESERVED} {
		atomic.StoreUint32(&ci.words[idx], 0)
	}
}

func (ci *ControlInitializer) initSlots() error {
	for slot := uint32(0); slot < ci.geometry.BufferCount; slot++ {
		base := SlotBase(slot, ci.geometry.MaxDirty)
		end := base + SlotWords(ci.geometry.MaxDirty)
		if end > uint32(len(ci.words)) {
			return fmt.Errorf("slot %d ends at word %d beyond block", slot, end)
		}
		for i := base; i < end; i++ {
			atomic.StoreUint32(&ci.words[i], 0)
		}
		atomic.StoreUint32(&ci.words[base+SLOT_STATE], uint32(SlotWritable))
	}
	return nil
}

// ReadControlGeometry validates the header of an initialized block and
// returns its geometry. Used by a process attaching to an existing block.
func ReadControlGeometry(words []uint32) (ControlGeometry, error) {
	if len(words) < CTRL_HEADER_WORDS {
		return ControlGeometry{}, &LayoutError{Code: "SHORT_BLOCK", Message: "control block smaller than header"}
	}
	if magic := atomic.LoadUint32(&words[CTRL_MAGIC]); magic != CONTROL_MAGIC {
		return ControlGeometry{}, &LayoutError{Code: "BAD_MAGIC", Message: fmt.Sprintf("magic 0x%08X", magic)}
	}
	if v := atomic.LoadUint32(&words[CTRL_VERSION]); v != CONTROL_VERSION {
		return ControlGeometry{}, &LayoutError{Code: "BAD_VERSION", Message: fmt.Sprintf("version %d", v)}
	}
	g := ControlGeometry{
		BufferCount: atomic.LoadUint32(&words[CTRL_BUFFER_COUNT]),
		Width:       atomic.LoadUint32(&words[CTRL_WIDTH]),
		Height:      atomic.LoadUint32(&words[CTRL_HEIGHT]),
		MaxDirty:    atomic.LoadUint32(&words[CTRL_MAX_DIRTY]),
	}
	if err := ValidateControlLayout(g.BufferCount, g.MaxDirty, g.Width, g.Height); err != nil {
		return ControlGeometry{}, err
	}
	if uint32(len(words)) < ControlBlockWords(g.BufferCount, g.MaxDirty) {
		return ControlGeometry{}, &LayoutError{Code: "SHORT_BLOCK", Message: "control block smaller than its slot sections"}
	}
	return g, nil
}

// GetMemoryMap returns a human-readable map of the control block.
func (ci *ControlInitializer) GetMemoryMap() string {
	g := ci.geometry
	var b strings.Builder
	fmt.Fprintf(&b, "Control Block (%dx%d, %d slots, %d rects/slot, %d bytes)\n",
		g.Width, g.Height, g.BufferCount, g.MaxDirty, ControlBlockSize(g.BufferCount, g.MaxDirty))
	b.WriteString("================================================================\n")
	for _, r := range GetControlRegions(g.BufferCount, g.MaxDirty) {
		fmt.Fprintf(&b, "%-8s | word %6d - %6d | %6d bytes | %s\n",
			r.Name, r.Word, r.Word+r.Words, r.Words*4, r.Description)
	}
	b.WriteString("================================================================\n")
	return b.String()
}
