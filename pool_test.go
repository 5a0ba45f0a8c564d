// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufbuild/httpconn/internal/clocktest"
)

func TestPoolReuseAcrossAllocations(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	t.Cleanup(dialer.closeServers)
	pool := NewPool(WithDialer(dialer.dial))
	t.Cleanup(func() { _ = pool.Close() })
	addr, r := testRoute(9000)

	first := pool.NewAllocation("call-1", addr, WithSelector(newStaticSelector(r)))
	codec, err := first.NewStream(context.Background(), StreamOptions{})
	require.NoError(t, err)
	conn := codec.Connection()
	require.NoError(t, first.StreamFinished(false, codec, 0, nil))
	first.Release()
	require.Equal(t, 1, pool.IdleConnectionCount())

	// A different allocation for the same address gets the pooled
	// connection; its selector is never consulted.
	second := pool.NewAllocation("call-2", addr, WithSelector(newStaticSelector()))
	codec, err = second.NewStream(context.Background(), StreamOptions{})
	require.NoError(t, err)
	assert.Same(t, conn, codec.Connection())
	assert.Equal(t, 1, dialer.dialCount())
	require.NoError(t, second.StreamFinished(false, codec, 0, nil))
	second.Release()
}

func TestPoolIdleTimeoutEviction(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	t.Cleanup(dialer.closeServers)
	clock := clocktest.NewFakeClock()
	pool := NewPool(
		WithDialer(dialer.dial),
		WithIdleTimeout(time.Minute),
		withClock(clock),
	)
	t.Cleanup(func() { _ = pool.Close() })
	addr, r := testRoute(9001)
	alloc := pool.NewAllocation("call", addr, WithSelector(newStaticSelector(r)))

	codec, err := alloc.NewStream(context.Background(), StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, alloc.StreamFinished(false, codec, 0, nil))
	alloc.Release()
	require.Equal(t, 1, pool.ConnectionCount())

	// The cleanup goroutine is parked on a fake timer; let the idle
	// timeout elapse and it evicts the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute + time.Second)
	assert.Eventually(t, func() bool {
		return pool.ConnectionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolNoIdleRetention(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	t.Cleanup(dialer.closeServers)
	pool := NewPool(WithDialer(dialer.dial), WithMaxIdleConnections(-1))
	t.Cleanup(func() { _ = pool.Close() })
	addr, r := testRoute(9002)
	alloc := pool.NewAllocation("call", addr, WithSelector(newStaticSelector(r)))

	codec, err := alloc.NewStream(context.Background(), StreamOptions{})
	require.NoError(t, err)
	conn := codec.Connection()
	require.NoError(t, alloc.StreamFinished(false, codec, 0, nil))
	// The connection is closed the moment the binding ends.
	alloc.Release()
	assert.Equal(t, 0, pool.ConnectionCount())
	assert.True(t, conn.closed.Load())
}

func TestPoolCleanupEvictsBeyondMaxIdle(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	pool := NewPool(
		WithMaxIdleConnections(1),
		WithIdleTimeout(time.Minute),
		withClock(clock),
	)
	t.Cleanup(func() { _ = pool.Close() })
	_, r := testRoute(9003)

	idleConn := func() *Conn {
		c := newConn(r)
		client, server := net.Pipe()
		t.Cleanup(func() {
			_ = client.Close()
			_ = server.Close()
		})
		c.raw, c.sock = client, client
		c.allocationLimit = 1
		c.idleAt = clock.Now()
		return c
	}
	pool.mu.Lock()
	pool.conns = append(pool.conns, idleConn(), idleConn())
	pool.mu.Unlock()

	// Two idle with a limit of one: a pass evicts the overflow even
	// though neither has hit the idle timeout.
	wait, done := pool.cleanupOnce()
	require.False(t, done)
	require.Zero(t, wait)
	assert.Equal(t, 1, pool.ConnectionCount())

	// The survivor waits out the rest of its timeout.
	wait, done = pool.cleanupOnce()
	require.False(t, done)
	assert.Equal(t, time.Minute, wait)
	clock.Advance(time.Minute)
	wait, done = pool.cleanupOnce()
	require.False(t, done)
	require.Zero(t, wait)
	assert.Equal(t, 0, pool.ConnectionCount())

	// Nothing left: the loop reports done and exits.
	_, done = pool.cleanupOnce()
	assert.True(t, done)
}

func TestPoolEvictAll(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	t.Cleanup(dialer.closeServers)
	pool := NewPool(WithDialer(dialer.dial))
	t.Cleanup(func() { _ = pool.Close() })
	addr1, r1 := testRoute(9004)
	addr2, r2 := testRoute(9005)

	idle := pool.NewAllocation("idle-call", addr1, WithSelector(newStaticSelector(r1)))
	codec, err := idle.NewStream(context.Background(), StreamOptions{})
	require.NoError(t, err)
	idleConn := codec.Connection()
	require.NoError(t, idle.StreamFinished(false, codec, 0, nil))
	idle.Release()

	busy := pool.NewAllocation("busy-call", addr2, WithSelector(newStaticSelector(r2)))
	busyCodec, err := busy.NewStream(context.Background(), StreamOptions{})
	require.NoError(t, err)
	busyConn := busyCodec.Connection()
	require.NotSame(t, idleConn, busyConn)

	require.NoError(t, pool.EvictAll())
	assert.True(t, idleConn.closed.Load())
	assert.False(t, busyConn.closed.Load())
	assert.Equal(t, 1, pool.ConnectionCount())

	// The surviving connection leaves as soon as its stream finishes.
	require.NoError(t, busy.StreamFinished(false, busyCodec, 0, nil))
	busy.Release()
	assert.Equal(t, 0, pool.ConnectionCount())
	assert.True(t, busyConn.closed.Load())
}

func TestPoolClose(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	t.Cleanup(dialer.closeServers)
	pool := NewPool(WithDialer(dialer.dial))
	addr, r := testRoute(9006)
	alloc := pool.NewAllocation("call", addr, WithSelector(newStaticSelector(r)))

	codec, err := alloc.NewStream(context.Background(), StreamOptions{})
	require.NoError(t, err)
	conn := codec.Connection()

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
	assert.True(t, conn.closed.Load())
	assert.Equal(t, 0, pool.ConnectionCount())

	_, err = alloc.NewStream(context.Background(), StreamOptions{})
	assert.ErrorIs(t, err, ErrPoolClosed)
	require.NoError(t, alloc.StreamFinished(false, codec, 0, nil))
	alloc.Release()
}

func TestPoolDeduplicate(t *testing.T) {
	t.Parallel()
	pool := NewPool()
	t.Cleanup(func() { _ = pool.Close() })
	addr, r := testRoute(9007)

	multiplexedConn := func() *Conn {
		c := newConn(r)
		client, server := net.Pipe()
		t.Cleanup(func() {
			_ = client.Close()
			_ = server.Close()
		})
		c.raw, c.sock = client, client
		c.protocol = ProtocolHTTP2
		c.allocationLimit = defaultMaxConcurrentStreams
		c.idleAt = time.Now()
		return c
	}
	existing := multiplexedConn()
	fresh := multiplexedConn()
	alloc := pool.NewAllocation("call", addr, WithSelector(newStaticSelector(r)))

	pool.mu.Lock()
	pool.put(existing)
	alloc.acquireLocked(fresh, false)
	pool.put(fresh)
	duplicate := pool.deduplicate(addr, alloc)
	rebound := alloc.conn
	pool.mu.Unlock()

	require.Same(t, fresh, duplicate)
	assert.Same(t, existing, rebound)
	assert.Equal(t, 1, pool.ConnectionCount())
	duplicate.close()
}
