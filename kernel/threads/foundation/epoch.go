package foundation

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// spinWindow is how long WaitForChange polls before parking on a channel.
const spinWindow = time.Microsecond

// Epoch watches one shared 32-bit word and wakes in-process waiters when it
// changes. Processes that share the word but not the Epoch fall back to the
// timeout passed to WaitForChange.
type Epoch struct {
	word      *uint32
	lastValue uint32

	// Notification channels for waiters
	waiters   *[]chan struct{}
	waitersMu *sync.RWMutex

	// Statistics
	stats *EpochStats
}

// EpochStats tracks epoch performance metrics
type EpochStats struct {
	Increments uint64 // Total increments
	Notifies   uint64 // Total wake broadcasts
	Wakes      uint64 // Total returns reporting a change
	Timeouts   uint64 // Total waits that timed out
}

// NewEpoch creates an epoch over word. The current value counts as seen.
func NewEpoch(word *uint32) *Epoch {
	waiters := make([]chan struct{}, 0, 4)

	return &Epoch{
		word:      word,
		lastValue: atomic.LoadUint32(word),
		waiters:   &waiters,
		waitersMu: &sync.RWMutex{},
		stats:     &EpochStats{},
	}
}

// Reader creates a new reader instance sharing the signaling mechanism.
// Each goroutine that waits needs its own reader.
func (e *Epoch) Reader() *Epoch {
	return &Epoch{
		word:      e.word,
		lastValue: atomic.LoadUint32(e.word),
		waiters:   e.waiters,
		waitersMu: e.waitersMu,
		stats:     e.stats,
	}
}

// Value returns the current word value.
func (e *Epoch) Value() uint32 {
	return atomic.LoadUint32(e.word)
}

// Increment adds one to the word and wakes waiters.
func (e *Epoch) Increment() uint32 {
	v := atomic.AddUint32(e.word, 1)
	atomic.AddUint64(&e.stats.Increments, 1)
	e.Notify()
	return v
}

// Notify wakes every waiter without touching the word. Used after a state
// change that lives in other words, such as a close flag.
func (e *Epoch) Notify() {
	atomic.AddUint64(&e.stats.Notifies, 1)

	e.waitersMu.RLock()
	defer e.waitersMu.RUnlock()
	for _, ch := range *e.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// WaitForChange blocks until the word differs from the last value this reader
// saw, a Notify arrives, timeout elapses or ctx is done. It reports whether it
// was woken rather than timed out.
func (e *Epoch) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	if e.changed() {
		return true, nil
	}

	// Spin-wait
	spinDeadline := time.Now().Add(spinWindow)
	for time.Now().Before(spinDeadline) {
		runtime.Gosched()
		if e.changed() {
			return true, nil
		}
	}

	// Register for notification
	ch := make(chan struct{}, 1)
	e.addWaiter(ch)
	defer e.removeWaiter(ch)

	// A change between the spin and registration would otherwise be missed.
	if e.changed() {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		e.lastValue = atomic.LoadUint32(e.word)
		atomic.AddUint64(&e.stats.Wakes, 1)
		return true, nil
	case <-timer.C:
		if e.changed() {
			return true, nil
		}
		atomic.AddUint64(&e.stats.Timeouts, 1)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Stats returns a snapshot of the shared counters.
func (e *Epoch) Stats() EpochStats {
	return EpochStats{
		Increments: atomic.LoadUint64(&e.stats.Increments),
		Notifies:   atomic.LoadUint64(&e.stats.Notifies),
		Wakes:      atomic.LoadUint64(&e.stats.Wakes),
		Timeouts:   atomic.LoadUint64(&e.stats.Timeouts),
	}
}

func (e *Epoch) changed() bool {
	current := atomic.LoadUint32(e.word)
	if current == e.lastValue {
		return false
	}
	e.lastValue = current
	atomic.AddUint64(&e.stats.Wakes, 1)
	return true
}

func (e *Epoch) addWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	*e.waiters = append(*e.waiters, ch)
}

func (e *Epoch) removeWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, waiter := range *e.waiters {
		if waiter == ch {
			*e.waiters = append((*e.waiters)[:i], (*e.waiters)[i+1:]...)
			break
		}
	}
}
