package boxd

import (
	"sync"
	"time"
)

// Expirer schedules exactly one reclamation per session at its expiry time.
// Firing a timer posts the session id to the reclaim callback, which runs
// the same teardown path as a manual stop. A periodic sweep backstops
// timers lost to process restarts.
type Expirer struct {
	clock   Clock
	reclaim func(id string)
	mu      sync.Mutex
	timers  map[string]*armedTimer
	stopped bool
	sweep   func() // cancels the sweep ticker; nil until StartSweep
	done    chan struct{}
}

// NewExpirer returns an Expirer that calls reclaim with a session id when
// its timer fires. reclaim must tolerate ids that are already gone or no
// longer expired; the Expirer cancels replaced timers but a fire can race
// an in-flight extend.
func NewExpirer(clock Clock, reclaim func(id string)) *Expirer {
	return &Expirer{
		clock:   clock,
		reclaim: reclaim,
		timers:  make(map[string]*armedTimer),
	}
}

// armedTimer pairs a pending timer with its stop function. The fired
// callback compares identity before deleting its map entry, so a stale
// fire racing a re-arm never unregisters the replacement timer.
type armedTimer struct {
	stop func() bool
}

// Arm schedules (or reschedules) the timer for id to fire at expiresAt.
// Any prior timer for the same id is cancelled in the same critical
// section, so an old and a new timer never coexist for one id.
func (e *Expirer) Arm(id string, expiresAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if prior, ok := e.timers[id]; ok {
		prior.stop()
	}
	t := &armedTimer{}
	d := expiresAt.Sub(e.clock.Now())
	t.stop = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if e.timers[id] == t {
			delete(e.timers, id)
		}
		stopped := e.stopped
		e.mu.Unlock()
		if !stopped {
			e.reclaim(id)
		}
	})
	e.timers[id] = t
}

// Cancel stops any pending timer for id. Cancelling an unarmed id is a no-op.
func (e *Expirer) Cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.stop()
		delete(e.timers, id)
	}
}

// StartSweep launches the periodic sweep: every interval, expired returns
// the ids whose expiry has already passed and each is posted to reclaim.
// The sweep is independent of per-session timers.
func (e *Expirer) StartSweep(interval time.Duration, expired func(now time.Time) []string) {
	e.mu.Lock()
	if e.stopped || e.sweep != nil {
		e.mu.Unlock()
		return
	}
	ticks, stopTicker := e.clock.NewTicker(interval)
	done := make(chan struct{})
	e.sweep = stopTicker
	e.done = done
	e.mu.Unlock()

	go func() {
		for {
			select {
			case now := <-ticks:
				for _, id := range expired(now) {
					e.reclaim(id)
				}
			case <-done:
				return
			}
		}
	}()
}

// Stop cancels all timers and the sweep. After Stop, Arm is a no-op and no
// further reclaims are posted.
func (e *Expirer) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for id, t := range e.timers {
		t.stop()
		delete(e.timers, id)
	}
	sweep, done := e.sweep, e.done
	e.mu.Unlock()

	if sweep != nil {
		sweep()
		close(done)
	}
}

// Armed returns the number of pending timers.
func (e *Expirer) Armed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}
