package framebuffer

import "github.com/nmxmxh/framebus/kernel/threads/sab"

// SlotStats describes one slot.
type SlotStats struct {
	Index        int
	State        sab.SlotState
	Generation   uint32
	DirtyRegions int
}

// Stats is a snapshot of a set's control block and writer counters.
type Stats struct {
	Width, Height      int
	BufferCount        int
	Generation         uint32
	ConsumedGeneration uint32
	Dropped            uint32
	WriteIndex         int
	ReadyIndex         int
	ReadingIndex       int
	ReadersActive      uint32
	Closed             bool
	Slots              []SlotStats

	CatchUps   uint64
	FullCopies uint64
	Carried    uint64
	Stolen     uint64
}

// Stats returns a snapshot. Fields are read one at a time, so a snapshot
// taken mid-handoff can be momentarily inconsistent. After shutdown it
// returns geometry only.
func (s *Set) Stats() Stats {
	st := Stats{
		Width:        s.width,
		Height:       s.height,
		BufferCount:  s.count,
		WriteIndex:   -1,
		ReadyIndex:   -1,
		ReadingIndex: -1,
		Closed:       true,
		CatchUps:     s.catchUps.Load(),
		FullCopies:   s.fullCopies.Load(),
		Carried:      s.carried.Load(),
		Stolen:       s.stolen.Load(),
	}
	if !s.enter() {
		return st
	}
	defer s.exit()

	st.Generation = s.load(sab.CTRL_GENERATION)
	st.ConsumedGeneration = s.load(sab.CTRL_CONSUMED_GEN)
	st.Dropped = s.load(sab.CTRL_DROPPED)
	st.WriteIndex = indexOf(s.load(sab.CTRL_WRITE_IDX))
	st.ReadyIndex = indexOf(s.load(sab.CTRL_READY_IDX))
	st.ReadingIndex = indexOf(s.load(sab.CTRL_READING_IDX))
	st.ReadersActive = s.load(sab.CTRL_READERS_ACTIVE)
	st.Closed = s.load(sab.CTRL_CLOSED) != 0
	st.Slots = make([]SlotStats, s.count)
	for i := range st.Slots {
		st.Slots[i] = SlotStats{
			Index:        i,
			State:        s.slotState(i),
			Generation:   s.load(s.slotWord(i, sab.SLOT_GEN)),
			DirtyRegions: int(s.load(s.slotWord(i, sab.SLOT_DIRTY_COUNT))),
		}
	}
	return st
}

// Validate checks the control block invariants. Only meaningful while
// neither actor is mid-call.
func (s *Set) Validate() []sab.ValidationViolation {
	if !s.enter() {
		return nil
	}
	defer s.exit()
	return sab.ValidateControlBlock(s.ctrl)
}
