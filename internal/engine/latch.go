package engine

import "sync"

// Latch is the broadcast cancel signal for one task. Once tripped it stays
// tripped; every observer of C sees the close. Cancel, ForceCancel, the
// deadline watcher and shutdown all trip the same latch.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns an untripped latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Trip signals the latch. Safe to call any number of times from any
// goroutine.
func (l *Latch) Trip() {
	l.once.Do(func() { close(l.ch) })
}

// Tripped reports whether the latch has been signalled.
func (l *Latch) Tripped() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// C returns the channel observers select on; it is closed once Trip runs.
func (l *Latch) C() <-chan struct{} {
	return l.ch
}
