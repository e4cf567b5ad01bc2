package reader

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock is an in-process simulator satisfying the CardReader contract.
// Tests and the "mock" reader type use Present to make a card appear
// while a scan is armed.
type Mock struct {
	mu     sync.Mutex
	armed  chan string // non-nil while an Arm call is outstanding
	closed chan struct{}
	once   sync.Once
}

// NewMock creates a simulated reader.
func NewMock() *Mock {
	return &Mock{closed: make(chan struct{})}
}

// Present simulates a card at the reader. It reports whether the card
// was accepted; cards presented while no scan is armed are ignored,
// matching hardware that only listens once armed.
func (m *Mock) Present(uid string) bool {
	m.mu.Lock()
	ch := m.armed
	m.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- strings.ToUpper(uid):
		return true
	default:
		return false
	}
}

// Armed reports whether a scan is currently armed.
func (m *Mock) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed != nil
}

// Arm implements CardReader.Arm.
func (m *Mock) Arm(ctx context.Context, window time.Duration) (string, error) {
	select {
	case <-m.closed:
		return "", ErrLinkLost
	default:
	}

	m.mu.Lock()
	if m.armed != nil {
		m.mu.Unlock()
		return "", ErrBusy
	}
	ch := make(chan string, 1)
	m.armed = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.armed = nil
		m.mu.Unlock()
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case uid := <-ch:
		return uid, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.closed:
		return "", ErrLinkLost
	}
}

// Close implements CardReader.Close; it aborts any armed scan.
func (m *Mock) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
