package exclusivelock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/internal/dbtest"
	"github.com/sqlbus/sqlbus/internal/exclusivelock"
)

func setupService(t *testing.T, opts exclusivelock.Options) *exclusivelock.Service {
	t.Helper()
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	opts.TableName = dbtest.UniqueName(t, "locks")
	opts.EnsureTableIsCreated = true

	svc, err := exclusivelock.New(ctx, provider, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestAcquireReleaseCycle(t *testing.T) {
	// acquire -> true; second acquire -> false; release -> true;
	// third acquire -> true.
	svc := setupService(t, exclusivelock.Options{})
	ctx := dbtest.Context(t)

	ok, err := svc.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := svc.IsHeld(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)

	ok, err = svc.Release(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Release(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "double release must report nothing removed")

	ok, err = svc.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireIsExclusiveUnderContention(t *testing.T) {
	svc := setupService(t, exclusivelock.Options{})
	ctx := dbtest.Context(t)

	const workers = 8
	var wg sync.WaitGroup
	winners := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := svc.Acquire(ctx, "contended")
			if err == nil && ok {
				winners <- i
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var count int
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one acquirer may win")
}

func TestIndependentKeysDoNotInterfere(t *testing.T) {
	svc := setupService(t, exclusivelock.Options{})
	ctx := dbtest.Context(t)

	ok, err := svc.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepReapsExpiredLocks(t *testing.T) {
	svc := setupService(t, exclusivelock.Options{LockTTL: time.Second})
	ctx := dbtest.Context(t)

	ok, err := svc.Acquire(ctx, "ephemeral")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(1500 * time.Millisecond)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The key is free again.
	ok, err = svc.Acquire(ctx, "ephemeral")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepLeavesLiveLocksAlone(t *testing.T) {
	svc := setupService(t, exclusivelock.Options{})
	ctx := dbtest.Context(t)

	ok, err := svc.Acquire(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	held, err := svc.IsHeld(ctx, "live")
	require.NoError(t, err)
	assert.True(t, held)
}
