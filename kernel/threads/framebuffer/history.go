package framebuffer

import "github.com/nmxmxh/framebus/kernel/threads/dirty"

const historyDepth = 8

// contentUnknown marks a slot whose pixels match no generation.
const contentUnknown = ^uint32(0)

type historyEntry struct {
	gen   uint32
	rects []dirty.Rect
	full  bool
}

// history remembers what each recent generation changed, so a slot that is
// a few frames stale can be brought up to date by copying only those rects.
type history struct {
	entries [historyDepth]historyEntry
}

func (h *history) record(gen uint32, rects []dirty.Rect, full bool) {
	h.entries[gen%historyDepth] = historyEntry{gen: gen, rects: rects, full: full}
}

// since returns the rects changed by generations (have, target]. ok is false
// when a generation is missing or was a full redraw.
func (h *history) since(have, target uint32) (rects []dirty.Rect, ok bool) {
	if target <= have || target-have > historyDepth {
		return nil, target == have
	}
	for g := have + 1; g <= target; g++ {
		e := &h.entries[g%historyDepth]
		if e.gen != g || e.full {
			return nil, false
		}
		rects = append(rects, e.rects...)
	}
	return rects, true
}

// copyRect copies r from src to dst, both tightly packed RGBA surfaces.
func copyRect(dst, src []byte, stride int, r dirty.Rect) {
	row := r.W * 4
	for y := r.Y; y < r.Y+r.H; y++ {
		off := y*stride + r.X*4
		copy(dst[off:off+row], src[off:off+row])
	}
}
