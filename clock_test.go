//go:build testing

package boxd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Clock = RealClock{}
var _ Clock = (*FakeClock)(nil)

func TestFakeClock_Now(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFakeClock(start)

	assert.True(t, c.Now().Equal(start))
	c.Advance(time.Minute)
	assert.True(t, c.Now().Equal(start.Add(time.Minute)))
}

func TestFakeClock_AfterFunc(t *testing.T) {
	c := NewFakeClock(time.Unix(1000, 0))
	fired := 0
	c.AfterFunc(time.Minute, func() { fired++ })

	c.Advance(59 * time.Second)
	assert.Zero(t, fired, "not due yet")

	c.Advance(time.Second)
	assert.Equal(t, 1, fired, "fires exactly at the deadline")

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "fires once")
}

func TestFakeClock_AfterFuncStop(t *testing.T) {
	c := NewFakeClock(time.Unix(1000, 0))
	fired := false
	stop := c.AfterFunc(time.Minute, func() { fired = true })

	assert.True(t, stop(), "stop reports the call was pending")
	c.Advance(time.Hour)
	assert.False(t, fired)
	assert.False(t, stop(), "second stop reports nothing pending")
}

func TestFakeClock_StopAfterFire(t *testing.T) {
	c := NewFakeClock(time.Unix(1000, 0))
	stop := c.AfterFunc(time.Minute, func() {})
	c.Advance(time.Minute)
	assert.False(t, stop(), "a fired timer is no longer pending")
}

func TestFakeClock_CallbackMaySchedule(t *testing.T) {
	c := NewFakeClock(time.Unix(1000, 0))
	var second bool
	c.AfterFunc(time.Minute, func() {
		c.AfterFunc(time.Minute, func() { second = true })
	})

	c.Advance(time.Minute)
	require.False(t, second, "the rescheduled timer is relative to the new now")
	c.Advance(time.Minute)
	assert.True(t, second)
}

func TestFakeClock_Ticker(t *testing.T) {
	c := NewFakeClock(time.Unix(1000, 0))
	ch, stop := c.NewTicker(time.Minute)
	defer stop()

	select {
	case <-ch:
		t.Fatal("tick before any time passed")
	default:
	}

	c.Advance(time.Minute)
	select {
	case tick := <-ch:
		assert.True(t, tick.Equal(time.Unix(1000, 0).Add(time.Minute)))
	default:
		t.Fatal("expected a tick")
	}
}

func TestFakeClock_TickerCoalesces(t *testing.T) {
	c := NewFakeClock(time.Unix(1000, 0))
	ch, stop := c.NewTicker(time.Minute)
	defer stop()

	c.Advance(10 * time.Minute)

	<-ch
	select {
	case <-ch:
		t.Fatal("missed ticks must coalesce, not queue")
	default:
	}
}

func TestFakeClock_TickerStop(t *testing.T) {
	c := NewFakeClock(time.Unix(1000, 0))
	ch, stop := c.NewTicker(time.Minute)
	stop()

	c.Advance(time.Hour)
	select {
	case <-ch:
		t.Fatal("tick after stop")
	default:
	}
}

func TestRealClock_AfterFunc(t *testing.T) {
	fired := make(chan struct{})
	RealClock{}.AfterFunc(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}
