//go:build testing

package boxd

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reclaimRecorder collects the ids posted by an Expirer.
type reclaimRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *reclaimRecorder) reclaim(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *reclaimRecorder) reclaimed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestExpirer_TimerFiresAtExpiry(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	rec := &reclaimRecorder{}
	e := NewExpirer(clock, rec.reclaim)

	e.Arm("a", clock.Now().Add(time.Minute))
	require.Equal(t, 1, e.Armed())

	clock.Advance(30 * time.Second)
	assert.Empty(t, rec.reclaimed())

	clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"a"}, rec.reclaimed())
	assert.Equal(t, 0, e.Armed())
}

func TestExpirer_ReArmReplacesTimer(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	rec := &reclaimRecorder{}
	e := NewExpirer(clock, rec.reclaim)

	e.Arm("a", clock.Now().Add(time.Minute))
	e.Arm("a", clock.Now().Add(time.Hour))
	require.Equal(t, 1, e.Armed(), "old and new timers never coexist")

	// The original deadline passes without a fire.
	clock.Advance(2 * time.Minute)
	assert.Empty(t, rec.reclaimed())

	clock.Advance(time.Hour)
	assert.Equal(t, []string{"a"}, rec.reclaimed(), "exactly one fire after re-arm")
}

func TestExpirer_Cancel(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	rec := &reclaimRecorder{}
	e := NewExpirer(clock, rec.reclaim)

	e.Arm("a", clock.Now().Add(time.Minute))
	e.Cancel("a")
	assert.Equal(t, 0, e.Armed())

	clock.Advance(time.Hour)
	assert.Empty(t, rec.reclaimed())

	// Cancelling an unarmed id is a no-op.
	e.Cancel("ghost")
}

func TestExpirer_MultipleSessions(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	rec := &reclaimRecorder{}
	e := NewExpirer(clock, rec.reclaim)

	e.Arm("a", clock.Now().Add(time.Minute))
	e.Arm("b", clock.Now().Add(2*time.Minute))
	require.Equal(t, 2, e.Armed())

	clock.Advance(90 * time.Second)
	assert.Equal(t, []string{"a"}, rec.reclaimed())

	clock.Advance(time.Minute)
	assert.ElementsMatch(t, []string{"a", "b"}, rec.reclaimed())
}

func TestExpirer_StopCancelsEverything(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	rec := &reclaimRecorder{}
	e := NewExpirer(clock, rec.reclaim)

	e.Arm("a", clock.Now().Add(time.Minute))
	e.Stop()
	assert.Equal(t, 0, e.Armed())

	clock.Advance(time.Hour)
	assert.Empty(t, rec.reclaimed())

	// Arming after Stop is a no-op.
	e.Arm("b", clock.Now().Add(time.Minute))
	clock.Advance(time.Hour)
	assert.Empty(t, rec.reclaimed())
}

func TestExpirer_SweepReclaimsExpired(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	rec := &reclaimRecorder{}
	e := NewExpirer(clock, rec.reclaim)
	defer e.Stop()

	expired := func(now time.Time) []string {
		if now.After(time.Unix(1000, 0).Add(time.Minute)) {
			return []string{"lost"}
		}
		return nil
	}
	e.StartSweep(30*time.Second, expired)

	clock.Advance(30 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.reclaimed(), "nothing expired on the first tick")

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		ids := rec.reclaimed()
		return len(ids) > 0 && ids[0] == "lost"
	}, time.Second, 10*time.Millisecond)
}
