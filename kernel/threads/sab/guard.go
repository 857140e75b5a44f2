package sab

// SlotOwner bitmask identifying which actor may drive a transition.
type SlotOwner uint32

const (
	SlotOwnerWriter SlotOwner = 1 << 0
	SlotOwnerReader SlotOwner = 1 << 1
)

func (o SlotOwner) String() string {
	switch o {
	case SlotOwnerWriter:
		return "writer"
	case SlotOwnerReader:
		return "reader"
	case SlotOwnerWriter | SlotOwnerReader:
		return "writer|reader"
	default:
		return "none"
	}
}

// SlotState is the value stored in a slot's SLOT_STATE word.
type SlotState uint32

const (
	SlotWritable SlotState = iota
	SlotPublishing
	SlotReady
	SlotReading
)

func (s SlotState) String() string {
	switch s {
	case SlotWritable:
		return "writable"
	case SlotPublishing:
		return "publishing"
	case SlotReady:
		return "ready"
	case SlotReading:
		return "reading"
	default:
		return "invalid"
	}
}

// Valid reports whether s is one of the four protocol states.
func (s SlotState) Valid() bool {
	return s <= SlotReading
}

// SlotPolicy declares who owns a slot's pixels in a state and who may move
// it to the next state.
type SlotPolicy struct {
	State SlotState
	// PixelOwner may touch the slot's pixels and dirty list.
	PixelOwner SlotOwner
	// Next lists the states reachable from State and the actor allowed to
	// perform each transition.
	Next map[SlotState]SlotOwner
}

// PolicyFor returns the canonical policy for a slot state.
func PolicyFor(state SlotState) SlotPolicy {
	switch state {
	case SlotWritable:
		return SlotPolicy{
			State:      state,
			PixelOwner: 0,
			Next:       map[SlotState]SlotOwner{SlotPublishing: SlotOwnerWriter},
		}
	case SlotPublishing:
		return SlotPolicy{
			State:      state,
			PixelOwner: SlotOwnerWriter,
			Next:       map[SlotState]SlotOwner{SlotReady: SlotOwnerWriter},
		}
	case SlotReady:
		return SlotPolicy{
			State:      state,
			PixelOwner: 0,
			Next: map[SlotState]SlotOwner{
				SlotReading: SlotOwnerReader,
				// Retired by a newer publish, or reclaimed when only two slots exist.
				SlotWritable:   SlotOwnerWriter,
				SlotPublishing: SlotOwnerWriter,
			},
		}
	case SlotReading:
		return SlotPolicy{
			State:      state,
			PixelOwner: SlotOwnerReader,
			Next:       map[SlotState]SlotOwner{SlotWritable: SlotOwnerReader},
		}
	default:
		return SlotPolicy{State: state}
	}
}

// CanTransition reports whether actor may move a slot from one state to another.
func CanTransition(from, to SlotState, actor SlotOwner) bool {
	owner, ok := PolicyFor(from).Next[to]
	return ok && owner&actor != 0
}
