//go:build testing

package boxd

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_AdmitsUpToLimit(t *testing.T) {
	g := NewGate(3)
	assert.True(t, g.TryAcquire())
	assert.True(t, g.TryAcquire())
	assert.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
	assert.Equal(t, 3, g.InUse())
}

func TestGate_ReleaseFreesSlot(t *testing.T) {
	g := NewGate(1)
	require.True(t, g.TryAcquire())
	require.False(t, g.TryAcquire())
	g.Release()
	assert.True(t, g.TryAcquire())
}

func TestGate_ZeroLimitAdmitsNothing(t *testing.T) {
	g := NewGate(0)
	assert.False(t, g.TryAcquire())
}

func TestGate_ReleaseNeverGoesNegative(t *testing.T) {
	g := NewGate(2)
	g.Release()
	g.Release()
	assert.Equal(t, 0, g.InUse())
	assert.True(t, g.TryAcquire())
	assert.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
}

// The ceiling must hold under concurrent admission: the check and the
// increment are one atomic step, so however many goroutines race,
// admissions never exceed the limit.
func TestGate_ConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	const limit = 5
	const attempts = 100

	g := NewGate(limit)
	var wg sync.WaitGroup
	admitted := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire() {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	assert.Equal(t, limit, count)
	assert.Equal(t, limit, g.InUse())
}

func TestGate_ChurnKeepsCountConsistent(t *testing.T) {
	const limit = 4
	g := NewGate(limit)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if g.TryAcquire() {
					g.Release()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, g.InUse())
}
