//go:build !integration

package ldapauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, config *PoolConfig, dir *fakeDirectory) *connectionPool {
	t.Helper()
	factory := func(ctx context.Context) (Conn, error) {
		return dir.connect(ctx, nil)
	}
	return newConnectionPool(config, factory, discardLogger())
}

func TestPoolReusesReturnedConnection(t *testing.T) {
	dir := newFakeDirectory()
	pool := newTestPool(t, DefaultPoolConfig(), dir)
	defer pool.Close()

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(conn, false)

	again, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(again, false)

	assert.Same(t, conn, again)
	assert.Equal(t, 1, dir.dials)

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.PoolHits)
	assert.Equal(t, int64(1), stats.PoolMisses)
}

func TestPoolDiscardsFailedConnection(t *testing.T) {
	dir := newFakeDirectory()
	pool := newTestPool(t, DefaultPoolConfig(), dir)
	defer pool.Close()

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(conn, true)

	again, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(again, false)

	assert.NotSame(t, conn, again)
	assert.Equal(t, 2, dir.dials)
	assert.True(t, conn.(*fakeConn).closed)
}

func TestPoolDiscardsStaleIdleConnection(t *testing.T) {
	dir := newFakeDirectory()
	config := DefaultPoolConfig()
	config.MaxIdleTime = 10 * time.Millisecond
	pool := newTestPool(t, config, dir)
	defer pool.Close()

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(conn, false)

	time.Sleep(30 * time.Millisecond)

	again, err := pool.Get(context.Background())
	require.NoError(t, err)
	defer pool.Put(again, false)

	assert.NotSame(t, conn, again)
	assert.Equal(t, 2, dir.dials)
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	dir := newFakeDirectory()
	config := &PoolConfig{MaxConnections: 1, GetTimeout: 50 * time.Millisecond}
	pool := newTestPool(t, config, dir)
	defer pool.Close()

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDirectoryUnreachable)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	pool.Put(conn, false)

	again, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(again, false)
}

func TestPoolExclusivityUnderConcurrency(t *testing.T) {
	dir := newFakeDirectory()
	config := &PoolConfig{MaxConnections: 4, GetTimeout: 2 * time.Second}
	pool := newTestPool(t, config, dir)
	defer pool.Close()

	var mu sync.Mutex
	borrowed := map[Conn]bool{}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Get(context.Background())
			if err != nil {
				t.Error(err)
				return
			}

			mu.Lock()
			if borrowed[conn] {
				t.Error("connection handed to two concurrent borrowers")
			}
			borrowed[conn] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			borrowed[conn] = false
			mu.Unlock()
			pool.Put(conn, false)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, dir.dials, 4)
}

func TestPoolCloseDiscardsIdleAndRefusesReuse(t *testing.T) {
	dir := newFakeDirectory()
	pool := newTestPool(t, DefaultPoolConfig(), dir)

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(conn, false)

	require.NoError(t, pool.Close())
	assert.True(t, conn.(*fakeConn).closed)

	_, err = pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolFactoryErrorReleasesSlot(t *testing.T) {
	dir := newFakeDirectory()
	dir.dialErr = errors.New("connection refused")
	config := &PoolConfig{MaxConnections: 1, GetTimeout: 100 * time.Millisecond}
	pool := newTestPool(t, config, dir)
	defer pool.Close()

	_, err := pool.Get(context.Background())
	require.Error(t, err)

	dir.mu.Lock()
	dir.dialErr = nil
	dir.mu.Unlock()

	conn, err := pool.Get(context.Background())
	require.NoError(t, err, "a failed dial must not leak its capacity slot")
	pool.Put(conn, false)
}

func TestAuthenticatorWithPool(t *testing.T) {
	dir := newFakeDirectory()
	dir.addUser("uid=alice,ou=users,dc=example,dc=com", "uid", "alice", "correct horse")

	cfg := testConfig()
	auth := mustTestAuthenticator(dir, cfg, WithConnectionPool(&PoolConfig{MaxConnections: 2}))
	defer auth.Close()

	for i := 0; i < 5; i++ {
		require.True(t, auth.Authenticate("alice", "correct horse").Accepted)
	}

	// One pooled lookup connection reused across calls, plus one fresh
	// verify connection per call.
	assert.Equal(t, 6, dir.dials)
}
