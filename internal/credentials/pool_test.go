package credentials

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, keys int) (*Pool, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := memory.NewWithClock(clock.Now)
	pool := New(st, clock, Config{
		FailureThreshold: 3,
		CooldownBase:     30 * time.Second,
		CooldownMax:      30 * time.Minute,
	})
	seed := make([]string, keys)
	for i := range seed {
		seed[i] = "api-key-" + string(rune('a'+i))
	}
	require.NoError(t, pool.Seed(context.Background(), seed))
	return pool, clock
}

func TestAcquireRotatesRoundRobin(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 3)
	ctx := context.Background()

	var order []string
	for i := 0; i < 6; i++ {
		cred, err := pool.Acquire(ctx, "w1")
		require.NoError(t, err)
		order = append(order, cred.ID)
		require.NoError(t, pool.Release(ctx, cred.ID, true))
	}
	require.Equal(t, []string{"key-00", "key-01", "key-02", "key-00", "key-01", "key-02"}, order)
}

func TestAcquireSkipsCheckedOut(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "w1")
	require.NoError(t, err)
	second, err := pool.Acquire(ctx, "w2")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, "w1", first.Holder)

	_, err = pool.Acquire(ctx, "w3")
	require.ErrorIs(t, err, cluster.ErrPoolExhausted)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cred, err := pool.Acquire(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, pool.Release(ctx, cred.ID, false))
	}
	cred, err := pool.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 2, cred.Failures)
	require.NoError(t, pool.Release(ctx, cred.ID, true))

	creds, err := pool.List(ctx)
	require.NoError(t, err)
	require.Zero(t, creds[0].Failures)
	require.Equal(t, cluster.CredentialAvailable, creds[0].Status)
}

func TestCooldownTripsAtThreshold(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cred, err := pool.Acquire(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, pool.Release(ctx, cred.ID, false))
	}

	creds, err := pool.List(ctx)
	require.NoError(t, err)
	require.Equal(t, cluster.CredentialCoolingDown, creds[0].Status)
	// Third consecutive failure: 30s doubled per failure = 240s.
	require.Equal(t, clock.Now().Add(240*time.Second), creds[0].CooldownUntil)

	_, err = pool.Acquire(ctx, "w1")
	require.ErrorIs(t, err, cluster.ErrPoolExhausted)
}

func TestCooldownRecoversAfterWindow(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cred, err := pool.Acquire(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, pool.Release(ctx, cred.ID, false))
	}
	_, err := pool.Acquire(ctx, "w1")
	require.ErrorIs(t, err, cluster.ErrPoolExhausted)

	clock.Advance(241 * time.Second)
	cred, err := pool.Acquire(ctx, "w1")
	require.NoError(t, err)
	// The failure streak survives the cooldown so the next failure
	// widens the window instead of starting over.
	require.Equal(t, 3, cred.Failures)
}

func TestCooldownWindowIsCapped(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	st := memory.NewWithClock(clock.Now)
	pool := New(st, clock, Config{
		FailureThreshold: 1,
		CooldownBase:     10 * time.Minute,
		CooldownMax:      15 * time.Minute,
	})
	ctx := context.Background()
	require.NoError(t, pool.Seed(ctx, []string{"only-key"}))

	cred, err := pool.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, cred.ID, false))

	creds, err := pool.List(ctx)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(15*time.Minute), creds[0].CooldownUntil)
}

func TestReleaseNotInUseFails(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 1)
	require.Error(t, pool.Release(context.Background(), "key-00", true))
}

func TestSeedPreservesExistingState(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	cred, err := pool.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, cred.ID, false))

	// Re-seeding (a master restart) must not reset rotation state.
	require.NoError(t, pool.Seed(ctx, []string{"api-key-a", "api-key-b"}))
	creds, err := pool.List(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, creds[0].Failures)
}
