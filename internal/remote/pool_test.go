package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func testAsset(name string) *models.Asset {
	return &models.Asset{ID: uuid.New(), Name: name, Address: "10.0.0.1"}
}

func TestPoolExclusiveLease(t *testing.T) {
	t.Run("at most one exclusive lease per host", func(t *testing.T) {
		dialer := NewFakeDialer()
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		asset := testAsset("h1")
		var active, maxActive int32
		var wg sync.WaitGroup

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				lease, err := pool.Acquire(context.Background(), asset, true)
				require.NoError(t, err)

				cur := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if cur <= m || atomic.CompareAndSwapInt32(&maxActive, m, cur) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				lease.Release()
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
		assert.Equal(t, 1, dialer.DialCount(asset.ID.String()), "session dialed once and reused")
	})

	t.Run("exclusive leases on different hosts do not serialize", func(t *testing.T) {
		dialer := NewFakeDialer()
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		h1, h2 := testAsset("h1"), testAsset("h2")

		l1, err := pool.Acquire(context.Background(), h1, true)
		require.NoError(t, err)
		defer l1.Release()

		done := make(chan struct{})
		go func() {
			l2, err := pool.Acquire(context.Background(), h2, true)
			require.NoError(t, err)
			l2.Release()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lease on a different host blocked behind an unrelated exclusive lease")
		}
	})

	t.Run("release is idempotent", func(t *testing.T) {
		dialer := NewFakeDialer()
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		asset := testAsset("h1")
		lease, err := pool.Acquire(context.Background(), asset, true)
		require.NoError(t, err)
		lease.Release()
		lease.Release()

		again, err := pool.Acquire(context.Background(), asset, true)
		require.NoError(t, err)
		again.Release()
	})
}

func TestPoolSharedLease(t *testing.T) {
	t.Run("shared leases coexist over one session", func(t *testing.T) {
		dialer := NewFakeDialer()
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		asset := testAsset("h1")

		leases := make([]*Lease, 4)
		for i := range leases {
			l, err := pool.Acquire(context.Background(), asset, false)
			require.NoError(t, err)
			leases[i] = l
		}
		assert.Equal(t, 1, dialer.DialCount(asset.ID.String()))

		for _, l := range leases {
			l.Release()
		}
	})

	t.Run("exclusive lease waits for shared holders", func(t *testing.T) {
		dialer := NewFakeDialer()
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		asset := testAsset("h1")
		shared, err := pool.Acquire(context.Background(), asset, false)
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			l, err := pool.Acquire(context.Background(), asset, true)
			require.NoError(t, err)
			close(acquired)
			l.Release()
		}()

		select {
		case <-acquired:
			t.Fatal("exclusive lease granted while a shared lease was held")
		case <-time.After(20 * time.Millisecond):
		}

		shared.Release()
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("exclusive lease never granted after shared release")
		}
	})
}

func TestPoolDial(t *testing.T) {
	t.Run("concurrent first use dials once", func(t *testing.T) {
		dialer := NewFakeDialer()
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		asset := testAsset("h1")
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l, err := pool.Acquire(context.Background(), asset, false)
				require.NoError(t, err)
				l.Release()
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, dialer.DialCount(asset.ID.String()))
	})

	t.Run("dial failure surfaces and leaves no lease held", func(t *testing.T) {
		dialer := NewFakeDialer()
		dialer.DialErr = errors.New("connection refused")
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		asset := testAsset("h1")
		_, err := pool.Acquire(context.Background(), asset, true)
		require.Error(t, err)

		// The failed acquire must not leave the host locked.
		dialer.DialErr = nil
		l, err := pool.Acquire(context.Background(), asset, true)
		require.NoError(t, err)
		l.Release()
	})
}

func TestPoolEvict(t *testing.T) {
	dialer := NewFakeDialer()
	pool := NewPool(dialer, time.Minute, testLogger())
	defer pool.Shutdown()

	asset := testAsset("h1")
	l, err := pool.Acquire(context.Background(), asset, true)
	require.NoError(t, err)
	l.Release()
	require.Equal(t, 1, pool.Size())

	pool.Evict(asset.ID.String())
	assert.Equal(t, 0, pool.Size())
	assert.True(t, dialer.SessionFor(asset.ID.String()).Closed())

	// Next acquire dials fresh.
	l, err = pool.Acquire(context.Background(), asset, true)
	require.NoError(t, err)
	l.Release()
	assert.Equal(t, 2, dialer.DialCount(asset.ID.String()))
}

func TestPoolShutdown(t *testing.T) {
	dialer := NewFakeDialer()
	pool := NewPool(dialer, time.Minute, testLogger())

	a1, a2 := testAsset("h1"), testAsset("h2")
	for _, a := range []*models.Asset{a1, a2} {
		l, err := pool.Acquire(context.Background(), a, false)
		require.NoError(t, err)
		l.Release()
	}

	pool.Shutdown()
	assert.Equal(t, 0, pool.Size())
	assert.True(t, dialer.SessionFor(a1.ID.String()).Closed())
	assert.True(t, dialer.SessionFor(a2.ID.String()).Closed())
}

func TestHostRunner(t *testing.T) {
	t.Run("commands reuse the pooled session", func(t *testing.T) {
		dialer := NewFakeDialer()
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		runner := NewHostRunner(pool, NewExecutor(0, time.Minute, testLogger()))
		asset := testAsset("h1")

		res, err := runner.RunCommand(context.Background(), asset, "uname -a", ExecOptions{})
		require.NoError(t, err)
		assert.True(t, res.OK())

		_, err = runner.ProbeCommand(context.Background(), asset, "uptime", ExecOptions{})
		require.NoError(t, err)

		assert.True(t, runner.Ping(context.Background(), asset))
		assert.Equal(t, 1, dialer.DialCount(asset.ID.String()))

		session := dialer.SessionFor(asset.ID.String())
		assert.Equal(t, []string{"uname -a", "uptime", "echo pong"}, session.Commands())
	})

	t.Run("ping is false when dialing fails", func(t *testing.T) {
		dialer := NewFakeDialer()
		dialer.DialErr = errors.New("no route to host")
		pool := NewPool(dialer, time.Minute, testLogger())
		defer pool.Shutdown()

		runner := NewHostRunner(pool, NewExecutor(0, time.Minute, testLogger()))
		assert.False(t, runner.Ping(context.Background(), testAsset("h1")))
	})
}
