// Package status exposes the terminal's health to a presentation
// layer: reader and broker connectivity plus the current scan state,
// observable as change callbacks or a polled snapshot. The core never
// depends on how (or whether) these signals are displayed.
package status

import "sync"

// Snapshot is a point-in-time view of terminal health.
type Snapshot struct {
	ReaderConnected bool
	QueueConnected  bool
	ScanState       string
}

// Observer receives a snapshot after every state change.
type Observer func(Snapshot)

// Board tracks connectivity and scan state and fans changes out to
// registered observers.
type Board struct {
	mu        sync.RWMutex
	snap      Snapshot
	observers []Observer
}

// NewBoard creates a Board with everything disconnected and idle.
func NewBoard() *Board {
	return &Board{snap: Snapshot{ScanState: "idle"}}
}

// Subscribe registers an observer. The observer is called from the
// goroutine performing the change and must not block.
func (b *Board) Subscribe(fn Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Snapshot returns the current state.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// SetReaderConnected records reader link connectivity.
func (b *Board) SetReaderConnected(ok bool) {
	b.update(func(s *Snapshot) { s.ReaderConnected = ok })
}

// SetQueueConnected records broker connectivity.
func (b *Board) SetQueueConnected(ok bool) {
	b.update(func(s *Snapshot) { s.QueueConnected = ok })
}

// SetScanState records the coordinator's state.
func (b *Board) SetScanState(state string) {
	b.update(func(s *Snapshot) { s.ScanState = state })
}

func (b *Board) update(apply func(*Snapshot)) {
	b.mu.Lock()
	apply(&b.snap)
	snap := b.snap
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}
