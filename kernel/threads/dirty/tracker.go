package dirty

// Sink receives a flushed dirty list. StoreRegions must write every rect and
// then the count; the caller publishes only after it returns.
type Sink interface {
	StoreRegions(rects []Rect)
}

// Stats summarizes the pending dirty list.
type Stats struct {
	Regions    int
	Pixels     int
	Coverage   float64
	Overflowed bool
}

// Tracker accumulates rectangles changed since the last flush. It is owned
// by the writer and not safe for concurrent use.
type Tracker struct {
	width, height int
	max           int
	rects         []Rect
	overflowed    bool
	flushes       uint64
	overflows     uint64
}

// NewTracker creates a tracker for a width×height surface holding at most
// max rectangles before collapsing to a full-surface redraw.
func NewTracker(width, height, max int) *Tracker {
	if max < 1 {
		max = 1
	}
	return &Tracker{
		width:  width,
		height: height,
		max:    max,
		rects:  make([]Rect, 0, min(max, 64)),
	}
}

// AddRegion clips the rectangle to the surface and appends it. Zero-area
// results are ignored. Appending past capacity replaces the list with one
// rectangle covering the whole surface.
func (t *Tracker) AddRegion(x, y, w, h int) {
	t.Add(Rect{X: x, Y: y, W: w, H: h})
}

// Add is AddRegion for a Rect.
func (t *Tracker) Add(r Rect) {
	r = r.Clip(t.width, t.height)
	if r.Empty() {
		return
	}
	if t.overflowed {
		return
	}
	if len(t.rects) >= t.max {
		t.MarkFull()
		return
	}
	t.rects = append(t.rects, r)
}

// MarkFull collapses the pending list to one full-surface rectangle.
func (t *Tracker) MarkFull() {
	if !t.overflowed {
		t.overflows++
	}
	t.overflowed = true
	t.rects = append(t.rects[:0], Full(t.width, t.height))
}

// Pending returns the accumulated list. The slice is only valid until the
// next call on the tracker.
func (t *Tracker) Pending() []Rect {
	return t.rects
}

// Len returns the number of pending rectangles.
func (t *Tracker) Len() int {
	return len(t.rects)
}

// Overflowed reports whether the pending list collapsed to a full redraw.
func (t *Tracker) Overflowed() bool {
	return t.overflowed
}

// Flush hands the pending list to sink, clears local state and returns a
// copy of what was flushed.
func (t *Tracker) Flush(sink Sink) []Rect {
	out := make([]Rect, len(t.rects))
	copy(out, t.rects)
	if sink != nil {
		sink.StoreRegions(out)
	}
	t.flushes++
	t.Reset()
	return out
}

// Reset drops the pending list without copying it anywhere.
func (t *Tracker) Reset() {
	t.rects = t.rects[:0]
	t.overflowed = false
}

// Stats reports the size of the pending list.
func (t *Tracker) Stats() Stats {
	return Summarize(t.rects, t.width, t.height, t.overflowed)
}

// Counters returns lifetime flush and overflow counts.
func (t *Tracker) Counters() (flushes, overflows uint64) {
	return t.flushes, t.overflows
}

// Summarize computes Stats for any rect list on a width×height surface.
func Summarize(rects []Rect, width, height int, overflowed bool) Stats {
	s := Stats{Regions: len(rects), Pixels: Area(rects), Overflowed: overflowed}
	if total := width * height; total > 0 {
		s.Coverage = float64(s.Pixels) / float64(total)
		if s.Coverage > 1 {
			s.Coverage = 1
		}
	}
	return s
}
