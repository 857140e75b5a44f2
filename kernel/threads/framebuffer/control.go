package framebuffer

import (
	"sync/atomic"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
	"github.com/nmxmxh/framebus/kernel/threads/sab"
)

// Word accessors. Every control word is touched atomically; Go atomics are
// sequentially consistent, which gives the release/acquire ordering the
// handoff depends on.

func (s *Set) load(word uint32) uint32 {
	return atomic.LoadUint32(&s.ctrl[word])
}

func (s *Set) store(word, val uint32) {
	atomic.StoreUint32(&s.ctrl[word], val)
}

func (s *Set) add(word, delta uint32) uint32 {
	return atomic.AddUint32(&s.ctrl[word], delta)
}

func (s *Set) slotWord(slot int, field uint32) uint32 {
	return sab.SlotBase(uint32(slot), uint32(s.maxDirty)) + field
}

func (s *Set) slotState(slot int) sab.SlotState {
	return sab.SlotState(s.load(s.slotWord(slot, sab.SLOT_STATE)))
}

func (s *Set) casSlot(slot int, from, to sab.SlotState) bool {
	return atomic.CompareAndSwapUint32(&s.ctrl[s.slotWord(slot, sab.SLOT_STATE)], uint32(from), uint32(to))
}

func indexOf(word uint32) int {
	if word == sab.NO_SLOT {
		return -1
	}
	return int(word)
}

// slotSink writes a flushed dirty list into a slot section: rects first,
// count last.
type slotSink struct {
	set  *Set
	slot int
}

func (k slotSink) StoreRegions(rects []dirty.Rect) {
	s := k.set
	n := len(rects)
	if n > s.maxDirty {
		n = s.maxDirty
	}
	for i := 0; i < n; i++ {
		base := sab.RectBase(uint32(k.slot), uint32(s.maxDirty), uint32(i))
		r := rects[i]
		s.store(base, uint32(r.X))
		s.store(base+1, uint32(r.Y))
		s.store(base+2, uint32(r.W))
		s.store(base+3, uint32(r.H))
	}
	s.store(s.slotWord(k.slot, sab.SLOT_DIRTY_COUNT), uint32(n))
}

// readRegions reads a slot's dirty list, skipping degenerate rects and
// clamping the rest to the surface.
func (s *Set) readRegions(slot int) []dirty.Rect {
	n := int(s.load(s.slotWord(slot, sab.SLOT_DIRTY_COUNT)))
	if n > s.maxDirty {
		n = s.maxDirty
	}
	rects := make([]dirty.Rect, 0, n)
	for i := 0; i < n; i++ {
		base := sab.RectBase(uint32(slot), uint32(s.maxDirty), uint32(i))
		w, h := s.load(base+2), s.load(base+3)
		if w == 0 || h == 0 {
			continue
		}
		r := dirty.Rect{X: int(s.load(base)), Y: int(s.load(base + 1)), W: int(w), H: int(h)}.Clip(s.width, s.height)
		if !r.Empty() {
			rects = append(rects, r)
		}
	}
	return rects
}
