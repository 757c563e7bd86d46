package boxd

import "sync"

// Gate enforces the session concurrency ceiling. The count covers sessions
// that are active plus those still provisioning, so the check and the
// increment happen as one atomic step: a check-then-provision sequence
// without that atomicity under-enforces the ceiling under concurrent load.
type Gate struct {
	mu    sync.Mutex
	count int
	limit int
}

// NewGate returns a Gate admitting at most limit concurrent sessions.
// A non-positive limit admits nothing.
func NewGate(limit int) *Gate {
	return &Gate{limit: limit}
}

// TryAcquire admits one session iff the current count is strictly below the
// ceiling, incrementing the count in the same critical section.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count >= g.limit {
		return false
	}
	g.count++
	return true
}

// Release returns one admitted slot. Callers must release exactly once per
// successful TryAcquire, regardless of how teardown was triggered.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count > 0 {
		g.count--
	}
}

// InUse returns the number of admitted slots.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
