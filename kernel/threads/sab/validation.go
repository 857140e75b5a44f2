package sab

import (
	"fmt"
	"sync/atomic"
)

// ValidationViolation records a broken control block invariant.
type ValidationViolation struct {
	Type    string
	Message string
	Word    uint32
}

// ValidateControlBlock checks the cross-slot invariants of a control block.
// The result is only meaningful while neither actor is mid-transition, e.g.
// in tests after both goroutines stopped, or for post-mortem inspection.
func ValidateControlBlock(words []uint32) []ValidationViolation {
	g, err := ReadControlGeometry(words)
	if err != nil {
		return []ValidationViolation{{Type: "HEADER", Message: err.Error()}}
	}

	var violations []ValidationViolation
	record := func(kind string, word uint32, format string, args ...interface{}) {
		violations = append(violations, ValidationViolation{
			Type:    kind,
			Message: fmt.Sprintf(format, args...),
			Word:    word,
		})
	}

	counts := map[SlotState]int{}
	for slot := uint32(0); slot < g.BufferCount; slot++ {
		base := SlotBase(slot, g.MaxDirty)
		state := SlotState(atomic.LoadUint32(&words[base+SLOT_STATE]))
		if !state.Valid() {
			record("SLOT_STATE", base+SLOT_STATE, "slot %d has invalid state %d", slot, state)
			continue
		}
		counts[state]++

		n := atomic.LoadUint32(&words[base+SLOT_DIRTY_COUNT])
		if n > g.MaxDirty {
			record("DIRTY_COUNT", base+SLOT_DIRTY_COUNT, "slot %d dirty count %d exceeds %d", slot, n, g.MaxDirty)
			continue
		}
		for i := uint32(0); i < n; i++ {
			r := RectBase(slot, g.MaxDirty, i)
			x, y := atomic.LoadUint32(&words[r]), atomic.LoadUint32(&words[r+1])
			w, h := atomic.LoadUint32(&words[r+2]), atomic.LoadUint32(&words[r+3])
			if w == 0 || h == 0 || uint64(x)+uint64(w) > uint64(g.Width) || uint64(y)+uint64(h) > uint64(g.Height) {
				record("DIRTY_RECT", r, "slot %d rect %d (%d,%d %dx%d) outside %dx%d", slot, i, x, y, w, h, g.Width, g.Height)
			}
		}
	}

	if counts[SlotReading] > 1 {
		record("READING", CTRL_READING_IDX, "%d slots held by the reader", counts[SlotReading])
	}
	if counts[SlotPublishing] > 1 {
		record("PUBLISHING", CTRL_WRITE_IDX, "%d slots held by the writer", counts[SlotPublishing])
	}
	if counts[SlotReady] > 1 {
		record("READY", CTRL_READY_IDX, "%d slots ready", counts[SlotReady])
	}

	checkIndex := func(word uint32, allowed ...SlotState) {
		idx := atomic.LoadUint32(&words[word])
		if idx == NO_SLOT {
			return
		}
		if idx >= g.BufferCount {
			record("INDEX", word, "index %d out of range", idx)
			return
		}
		if len(allowed) == 0 {
			return
		}
		state := SlotState(atomic.LoadUint32(&words[SlotBase(idx, g.MaxDirty)+SLOT_STATE]))
		for _, s := range allowed {
			if s == state {
				return
			}
		}
		record("INDEX", word, "index %d names slot in state %s", idx, state)
	}
	checkIndex(CTRL_READING_IDX, SlotReading)
	checkIndex(CTRL_WRITE_IDX, SlotPublishing)
	// The ready index keeps naming the last published slot after the reader
	// released it or the writer reclaimed it.
	checkIndex(CTRL_READY_IDX)

	gen := atomic.LoadUint32(&words[CTRL_GENERATION])
	if consumed := atomic.LoadUint32(&words[CTRL_CONSUMED_GEN]); consumed > gen {
		record("GENERATION", CTRL_CONSUMED_GEN, "consumed generation %d ahead of %d", consumed, gen)
	}
	return violations
}
