package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	*redis.MemoryStore
	getErr error
	setErr error
}

func (f *failingStore) Get(ctx context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *failingStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

func newGuard(t *testing.T, store redis.IdempotencyStore, busyWait time.Duration) *Guard {
	t.Helper()
	g, err := NewGuard(store, GuardOptions{BusyWait: busyWait}, nil)
	require.NoError(t, err)
	return g
}

func TestNewGuardRequiresStore(t *testing.T) {
	_, err := NewGuard(nil, GuardOptions{}, nil)
	require.Error(t, err)
}

func TestNewGuardDefaults(t *testing.T) {
	g := newGuard(t, redis.NewMemoryStore(), 0)
	assert.Equal(t, DefaultLockTTL, g.lockTTL)
	assert.Equal(t, DefaultResultTTL, g.resultTTL)
	assert.Equal(t, DefaultBusyWait, g.busyWait)
}

func TestAcquireCommitThenExisting(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryStore()
	g := newGuard(t, store, -1)

	acq, err := g.Acquire(ctx, "k1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, Acquired, acq.State)
	require.NotEmpty(t, acq.Token)

	require.NoError(t, g.Commit(ctx, "k1", acq.Token, "hash-a", map[string]string{"id": "order-1"}, 0))

	_, err = store.Get(ctx, "of:idempotency:lock:k1")
	assert.ErrorIs(t, err, redis.Nil, "lock released on commit")

	again, err := g.Acquire(ctx, "k1", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, Existing, again.State)
	assert.Empty(t, again.Token)

	var cached map[string]string
	require.NoError(t, json.Unmarshal(again.Cached, &cached))
	assert.Equal(t, "order-1", cached["id"])
}

func TestAcquireRejectsReusedKeyWithDifferentPayload(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, redis.NewMemoryStore(), -1)

	acq, err := g.Acquire(ctx, "k1", "hash-a")
	require.NoError(t, err)
	require.NoError(t, g.Commit(ctx, "k1", acq.Token, "hash-a", "order-1", 0))

	_, err = g.Acquire(ctx, "k1", "hash-b")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
}

func TestAcquireBusyWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, redis.NewMemoryStore(), time.Millisecond)

	first, err := g.Acquire(ctx, "k1", "h")
	require.NoError(t, err)
	require.Equal(t, Acquired, first.State)

	second, err := g.Acquire(ctx, "k1", "h")
	require.NoError(t, err)
	assert.Equal(t, Busy, second.State)
}

func TestAcquireSeesResultCommittedDuringBusyWait(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, redis.NewMemoryStore(), 300*time.Millisecond)

	first, err := g.Acquire(ctx, "k1", "h")
	require.NoError(t, err)

	done := make(chan Acquisition, 1)
	go func() {
		acq, err := g.Acquire(ctx, "k1", "h")
		assert.NoError(t, err)
		done <- acq
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, g.Commit(ctx, "k1", first.Token, "h", "order-1", 0))

	select {
	case acq := <-done:
		assert.Equal(t, Existing, acq.State)
		assert.JSONEq(t, `"order-1"`, string(acq.Cached))
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not return")
	}
}

func TestAcquireConcurrentCallersGetSingleOwner(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, redis.NewMemoryStore(), time.Millisecond)

	const callers = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		states = map[State]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := g.Acquire(ctx, "k1", "h")
			assert.NoError(t, err)
			mu.Lock()
			states[acq.State]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, states[Acquired])
	assert.Equal(t, callers-1, states[Busy])
}

func TestAcquireBlankKey(t *testing.T) {
	g := newGuard(t, redis.NewMemoryStore(), -1)
	_, err := g.Acquire(context.Background(), "  ", "h")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestAcquireStoreFailureIsDependencyError(t *testing.T) {
	store := &failingStore{MemoryStore: redis.NewMemoryStore(), getErr: errors.New("connection refused")}
	g := newGuard(t, store, -1)
	_, err := g.Acquire(context.Background(), "k1", "h")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestReleaseIsOwnerChecked(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryStore()
	g := newGuard(t, store, -1)

	acq, err := g.Acquire(ctx, "k1", "h")
	require.NoError(t, err)

	require.NoError(t, g.Release(ctx, "k1", "someone-else"))
	owner, err := store.Get(ctx, "of:idempotency:lock:k1")
	require.NoError(t, err)
	assert.Equal(t, acq.Token, owner)

	require.NoError(t, g.Release(ctx, "k1", acq.Token))
	_, err = store.Get(ctx, "of:idempotency:lock:k1")
	assert.ErrorIs(t, err, redis.Nil)

	// releasing an expired or already released lock is fine
	require.NoError(t, g.Release(ctx, "k1", acq.Token))
}

func TestCommitFailureKeepsLockUntilExpiry(t *testing.T) {
	ctx := context.Background()
	mem := redis.NewMemoryStore()
	store := &failingStore{MemoryStore: mem}
	g := newGuard(t, store, -1)

	acq, err := g.Acquire(ctx, "k1", "h")
	require.NoError(t, err)

	store.setErr = errors.New("redis down")
	err = g.Commit(ctx, "k1", acq.Token, "h", "v", 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	held, err := mem.Get(ctx, "of:idempotency:lock:k1")
	require.NoError(t, err)
	assert.Equal(t, acq.Token, held)

	store.setErr = nil
	again, err := g.Acquire(ctx, "k1", "h")
	require.NoError(t, err)
	assert.Equal(t, Busy, again.State)
}
