//go:build testing

package boxd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store double shared by the registry and
// dispatcher tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]Session
	putErr  error
	delErr  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Session)}
}

func (m *memStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.records[s.ID] = *s
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.records, id)
	return nil
}

func (m *memStore) LoadLive(_ context.Context, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for id, rec := range m.records {
		if !rec.ExpiresAt.After(now) {
			delete(m.records, id)
			continue
		}
		s := rec
		out = append(out, &s)
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

var _ Store = (*memStore)(nil)

func testSession(id string, clock Clock, ttl time.Duration) *Session {
	now := clock.Now()
	return &Session{
		ID:        id,
		Endpoint:  "127.0.0.1:49000",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	store := newMemStore()
	r := NewRegistry(store, clock, nil)

	s := testSession("a", clock, time.Minute)
	require.NoError(t, r.Create(context.Background(), s))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, "127.0.0.1:49000", got.Endpoint)

	// Mirrored synchronously in the same call.
	_, mirrored := store.get("a")
	assert.True(t, mirrored)
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)

	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))
	err := r.Create(context.Background(), testSession("a", clock, time.Minute))
	require.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CreateMirrorFailureLeavesNoEntry(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	store := newMemStore()
	store.putErr = errors.New("disk full")
	r := NewRegistry(store, clock, nil)

	err := r.Create(context.Background(), testSession("a", clock, time.Minute))
	require.Error(t, err)
	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestRegistry_IsActive(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	assert.True(t, r.IsActive("a"))
	assert.False(t, r.IsActive("ghost"))

	clock.Advance(2 * time.Minute)
	assert.False(t, r.IsActive("a"), "expired session is not active")
}

func TestRegistry_Resolve(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	endpoint, ok := r.Resolve("a")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:49000", endpoint)

	_, ok = r.Resolve("ghost")
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = r.Resolve("a")
	assert.False(t, ok, "expired session is unroutable")
}

func TestRegistry_Resolve_NoEndpoint(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)
	s := testSession("a", clock, time.Minute)
	s.Endpoint = ""
	require.NoError(t, r.Create(context.Background(), s))

	_, ok := r.Resolve("a")
	assert.False(t, ok, "session without endpoint is unroutable, never a fallback")
}

func TestRegistry_UpdateExpiry_ForwardOnly(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	store := newMemStore()
	r := NewRegistry(store, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	later := clock.Now().Add(2 * time.Minute)
	assert.True(t, r.UpdateExpiry(context.Background(), "a", later))
	got, _ := r.Get("a")
	assert.True(t, got.ExpiresAt.Equal(later))

	// An earlier time never rewinds the expiry.
	earlier := clock.Now().Add(30 * time.Second)
	assert.True(t, r.UpdateExpiry(context.Background(), "a", earlier))
	got, _ = r.Get("a")
	assert.True(t, got.ExpiresAt.Equal(later))

	assert.False(t, r.UpdateExpiry(context.Background(), "ghost", later))
}

func TestRegistry_ExtendExpiry(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	store := newMemStore()
	r := NewRegistry(store, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	before, _ := r.Get("a")
	newExpiry, ok := r.ExtendExpiry(context.Background(), "a", time.Minute)
	require.True(t, ok)
	assert.True(t, newExpiry.After(before.ExpiresAt), "extend strictly increases expiry")
	assert.True(t, newExpiry.Equal(before.ExpiresAt.Add(time.Minute)))

	// Mirror carries the new expiry.
	rec, _ := store.get("a")
	assert.True(t, rec.ExpiresAt.Equal(newExpiry))
}

func TestRegistry_ExtendExpiry_InactiveSessions(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	_, ok := r.ExtendExpiry(context.Background(), "ghost", time.Minute)
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = r.ExtendExpiry(context.Background(), "a", time.Minute)
	assert.False(t, ok, "expired session cannot be extended")

	// No side effect on the expired entry.
	got, _ := r.Get("a")
	assert.True(t, got.ExpiresAt.Equal(time.Unix(1000, 0).Add(time.Minute)))
}

func TestRegistry_Remove_Idempotent(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	store := newMemStore()
	r := NewRegistry(store, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	assert.True(t, r.Remove(context.Background(), "a"))
	assert.False(t, r.Remove(context.Background(), "a"), "second remove observes absent")

	_, ok := store.get("a")
	assert.False(t, ok, "mirror record deleted")
}

func TestRegistry_Remove_MirrorFailureStillRemoves(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	store := newMemStore()
	r := NewRegistry(store, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	store.delErr = errors.New("disk full")
	assert.True(t, r.Remove(context.Background(), "a"),
		"the stale mirror record self-expires; losing the delete is not fatal")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RemoveIfExpired(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	// Not yet expired: no removal.
	assert.False(t, r.RemoveIfExpired(context.Background(), "a", clock.Now()))
	assert.Equal(t, 1, r.Len())

	// A stale timer firing after an extend backs off.
	_, ok := r.ExtendExpiry(context.Background(), "a", time.Hour)
	require.True(t, ok)
	clock.Advance(2 * time.Minute)
	assert.False(t, r.RemoveIfExpired(context.Background(), "a", clock.Now()))

	clock.Advance(2 * time.Hour)
	assert.True(t, r.RemoveIfExpired(context.Background(), "a", clock.Now()))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Expired(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("short", clock, time.Minute)))
	require.NoError(t, r.Create(context.Background(), testSession("long", clock, time.Hour)))

	assert.Empty(t, r.Expired(clock.Now()))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"short"}, r.Expired(clock.Now()))
}

func TestRegistry_List_Sorted(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)
	require.NoError(t, r.Create(context.Background(), testSession("b", clock, time.Minute)))
	clock.Advance(time.Second)
	require.NoError(t, r.Create(context.Background(), testSession("a", clock, time.Minute)))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "creation order wins over id order")
	assert.Equal(t, "a", list[1].ID)
}

func TestRegistry_Restore(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewFakeClock(start)
	store := newMemStore()

	// A previous process wrote one live and one expired record.
	live := testSession("live", clock, time.Hour)
	expired := testSession("expired", clock, time.Minute)
	require.NoError(t, store.Put(context.Background(), live))
	require.NoError(t, store.Put(context.Background(), expired))

	clock.Advance(10 * time.Minute)

	r := NewRegistry(store, clock, nil)
	restored, err := r.Restore(context.Background())
	require.NoError(t, err)

	require.Len(t, restored, 1)
	assert.Equal(t, "live", restored[0].ID)
	assert.True(t, r.IsActive("live"))

	// The expired record was purged, not restored.
	_, ok := r.Get("expired")
	assert.False(t, ok)
	_, ok = store.get("expired")
	assert.False(t, ok)
}

func TestRegistry_Restore_NoStore(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	r := NewRegistry(nil, clock, nil)
	restored, err := r.Restore(context.Background())
	require.NoError(t, err)
	assert.Empty(t, restored)
}
