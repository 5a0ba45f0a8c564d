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
	"errors"
	"slices"
	"time"

	"golang.org/x/net/http2"

	"github.com/bufbuild/httpconn/route"
)

// Allocation binds one logical call to a sequence of streams over one
// or more physical connections, one connection at a time. The call
// driver requests a stream per attempt with [Allocation.NewStream]
// and reports the outcome with [Allocation.StreamFinished] or
// [Allocation.StreamFailed]; the allocation decides whether the
// connection stays usable and which route a retry should take.
//
// An allocation is used by one call goroutine, except for
// [Allocation.Cancel] which may be invoked from any goroutine at any
// time.
type Allocation struct {
	pool     *Pool
	address  route.Address
	call     any
	listener Listener
	selector route.Selector

	// All fields below are guarded by pool.mu.

	conn  *Conn
	codec Codec
	// selection is the current batch of candidate routes.
	selection *route.Selection
	// nextRoute, when set, pins the next connection attempt to a
	// specific route instead of consulting the selection. Used to
	// retry the same route and for coalesced acquisitions.
	nextRoute *route.Route
	// refusedStreamCount counts consecutive REFUSED_STREAM resets on
	// the current connection. One is tolerated; the second retires
	// the connection.
	refusedStreamCount int
	released           bool
	canceled           bool
	// reportedAcquired records whether a connection-acquired event
	// was emitted for the current binding, so the matching released
	// event fires only when it was.
	reportedAcquired bool
	callEnded        bool
}

// Connection returns the currently bound connection, or nil.
func (a *Allocation) Connection() *Conn {
	a.pool.mu.Lock()
	defer a.pool.mu.Unlock()
	return a.conn
}

// HasMoreRoutes reports whether another connection attempt could try
// a route not yet exhausted. The call driver consults this when
// deciding whether a failed attempt is worth retrying.
func (a *Allocation) HasMoreRoutes() bool {
	a.pool.mu.Lock()
	defer a.pool.mu.Unlock()
	return a.nextRoute != nil ||
		(a.selection != nil && a.selection.HasNext()) ||
		a.selector.HasNext()
}

// NewStream acquires a healthy connection and opens one stream on it,
// returning the stream's codec. At most one stream may be open per
// allocation; the previous one must be reported finished or failed
// first.
func (a *Allocation) NewStream(ctx context.Context, opts StreamOptions) (Codec, error) {
	conn, err := a.findHealthyConnection(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !conn.Protocol().Multiplexed() {
		sock := conn.Socket()
		if opts.ReadTimeout > 0 {
			if err := sock.SetReadDeadline(time.Now().Add(opts.ReadTimeout)); err != nil {
				return nil, err
			}
		}
		if opts.WriteTimeout > 0 {
			if err := sock.SetWriteDeadline(time.Now().Add(opts.WriteTimeout)); err != nil {
				return nil, err
			}
		}
	}
	a.pool.mu.Lock()
	defer a.pool.mu.Unlock()
	if a.canceled {
		return nil, ErrCanceled
	}
	codec := conn.newCodec()
	a.codec = codec
	return codec, nil
}

// findHealthyConnection loops until it finds a connection that passes
// the health check. A pooled connection that turns out to be dead is
// retired silently and the search continues; only route exhaustion or
// a connect failure surfaces to the caller.
func (a *Allocation) findHealthyConnection(ctx context.Context, opts StreamOptions) (*Conn, error) {
	for {
		conn, err := a.findConnection(ctx, opts)
		if err != nil {
			return nil, err
		}
		a.pool.mu.Lock()
		brandNew := conn.successCount == 0
		a.pool.mu.Unlock()
		// A connection that has never carried a stream was just
		// established; the handshake is all the health proof there is.
		if brandNew {
			return conn, nil
		}
		if conn.isHealthy(opts.ExtensiveHealthChecks) {
			return conn, nil
		}
		a.NoNewStreams()
	}
}

// findConnection returns a connection to carry a new stream: the
// currently bound one if it still accepts streams, else a pooled one,
// else a freshly connected one. Route resolution and the handshake
// block without the pool lock; cancellation is re-checked at every
// lock acquisition.
func (a *Allocation) findConnection(ctx context.Context, opts StreamOptions) (*Conn, error) {
	pool := a.pool
	var result *Conn
	var selectedRoute *route.Route
	foundPooled := false

	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if a.released {
		pool.mu.Unlock()
		return nil, ErrReleased
	}
	if a.codec != nil {
		pool.mu.Unlock()
		return nil, ErrCodecInProgress
	}
	if a.canceled {
		pool.mu.Unlock()
		return nil, ErrCanceled
	}
	// The bound connection may have been retired since the last
	// stream; if so, shed the binding before looking elsewhere.
	releasedFrom := a.conn
	var toClose *Conn
	if a.conn != nil && a.conn.noNewStreams {
		toClose, _ = a.deallocateLocked(false, false, false)
	}
	if a.conn != nil {
		result = a.conn
		releasedFrom = nil
	}
	reported := a.reportedAcquired
	if result == nil {
		if c := pool.get(a.address, a, nil); c != nil {
			foundPooled = true
			result = c
		} else if a.nextRoute != nil {
			selectedRoute = a.nextRoute
			a.nextRoute = nil
		}
	}
	needsSelection := selectedRoute == nil && (a.selection == nil || !a.selection.HasNext())
	pool.mu.Unlock()

	if toClose != nil {
		toClose.close()
	}
	if releasedFrom != nil && reported {
		a.listener.ConnectionReleased(a.call, releasedFrom)
	}
	if foundPooled {
		a.listener.ConnectionAcquired(a.call, result)
	}
	if result != nil {
		return result, nil
	}

	// No reusable connection; resolve routes if the current batch is
	// spent. This blocks on DNS, so it runs unlocked.
	var freshSelection *route.Selection
	if needsSelection {
		selection, err := a.selector.Next(ctx)
		if err != nil {
			return nil, err
		}
		freshSelection = selection
	}

	pool.mu.Lock()
	if a.canceled {
		pool.mu.Unlock()
		return nil, ErrCanceled
	}
	if freshSelection != nil {
		a.selection = freshSelection
		// A fresh batch of IPs may coalesce onto a connection pooled
		// under a different hostname.
		for _, candidate := range freshSelection.All() {
			if c := pool.get(a.address, a, &candidate); c != nil {
				foundPooled = true
				result = c
				a.nextRoute = &candidate
				break
			}
		}
	}
	if result == nil {
		if selectedRoute == nil {
			next, ok := a.selection.Next()
			if !ok {
				pool.mu.Unlock()
				return nil, route.ErrExhausted
			}
			selectedRoute = &next
		}
		a.nextRoute = selectedRoute
		a.refusedStreamCount = 0
		result = newConn(*selectedRoute)
		// Bind before connecting so a concurrent cancel can observe
		// the connection and interrupt the handshake.
		a.acquireLocked(result, false)
	}
	pool.mu.Unlock()

	if foundPooled {
		a.listener.ConnectionAcquired(a.call, result)
		return result, nil
	}

	if err := result.connect(ctx, pool, opts); err != nil {
		pool.mu.Lock()
		canceled := a.canceled
		a.nextRoute = nil
		failed, _ := a.deallocateLocked(true, false, false)
		pool.mu.Unlock()
		if failed != nil {
			failed.close()
		}
		a.selector.ConnectFailed(*selectedRoute, err)
		if canceled || errors.Is(err, ErrCanceled) {
			return nil, ErrCanceled
		}
		return nil, &ConnectError{Route: *selectedRoute, Err: err}
	}
	pool.routeDB.Connected(*selectedRoute)

	var duplicate *Conn
	pool.mu.Lock()
	if pool.closed || a.canceled {
		canceled := a.canceled
		toClose, _ := a.deallocateLocked(true, false, false)
		pool.mu.Unlock()
		if toClose != nil {
			toClose.close()
		}
		if canceled {
			return nil, ErrCanceled
		}
		return nil, ErrPoolClosed
	}
	a.reportedAcquired = true
	pool.put(result)
	// Two calls racing to the same HTTP/2 host can each complete a
	// handshake; keep one connection and fold the loser.
	if result.Protocol().Multiplexed() {
		if duplicate = pool.deduplicate(a.address, a); duplicate != nil {
			result = a.conn
		}
	}
	pool.mu.Unlock()
	if duplicate != nil {
		duplicate.close()
	}
	a.listener.ConnectionAcquired(a.call, result)
	return result, nil
}

// StreamFinished reports that the stream carried by codec completed.
// When noNewStreams is set the connection is also retired, such as
// after reading a Connection: close response. bytesRead and err
// describe the exchange's outcome for listeners; a non-nil err here
// marks the call failed without triggering retry classification.
func (a *Allocation) StreamFinished(noNewStreams bool, codec Codec, bytesRead int64, err error) error {
	pool := a.pool
	pool.mu.Lock()
	if codec == nil || codec != a.codec {
		pool.mu.Unlock()
		return ErrCodecMismatch
	}
	if !noNewStreams && a.conn != nil {
		a.conn.successCount++
	}
	toClose, releasedFrom := a.deallocateLocked(noNewStreams, false, true)
	reported := a.reportedAcquired
	pool.mu.Unlock()

	if toClose != nil {
		toClose.close()
	}
	if releasedFrom != nil && reported {
		a.listener.ConnectionReleased(a.call, releasedFrom)
	}
	if observer, ok := a.listener.(StreamObserver); ok {
		observer.StreamEnd(a.call, bytesRead, err)
	}
	if err != nil {
		a.listener.CallFailed(a.call, err)
	}
	return nil
}

// StreamFailed classifies a stream failure and updates retry state.
// A first REFUSED_STREAM reset leaves the connection usable for a
// retry; a second retires it. A CANCEL reset carries no penalty. Any
// other reset, and any failure on a non-multiplexed connection,
// retires the connection; if the connection never carried a
// successful stream, its route is also recorded as failed so retries
// prefer a different one.
func (a *Allocation) StreamFailed(err error) {
	pool := a.pool
	pool.mu.Lock()
	noNewStreams := false
	var failedRoute *route.Route
	var resetErr *StreamResetError
	switch {
	case errors.As(err, &resetErr):
		switch resetErr.Code {
		case http2.ErrCodeRefusedStream:
			a.refusedStreamCount++
			if a.refusedStreamCount > 1 {
				noNewStreams = true
				a.nextRoute = nil
			}
		case http2.ErrCodeCancel:
			// The stream was canceled locally; its connection is fine.
		default:
			noNewStreams = true
			a.nextRoute = nil
		}
	case a.conn != nil && (!a.conn.Protocol().Multiplexed() || errors.Is(err, ErrConnectionShutdown)):
		noNewStreams = true
		if a.conn.successCount == 0 {
			failedRoute = &a.conn.route
			a.nextRoute = nil
		}
	}
	toClose, releasedFrom := a.deallocateLocked(noNewStreams, false, true)
	reported := a.reportedAcquired
	pool.mu.Unlock()

	if failedRoute != nil {
		a.selector.ConnectFailed(*failedRoute, err)
	}
	if toClose != nil {
		toClose.close()
	}
	if releasedFrom != nil && reported {
		a.listener.ConnectionReleased(a.call, releasedFrom)
	}
	a.listener.CallFailed(a.call, err)
}

// Release ends the call's hold on connections. The allocation
// acquires nothing further; an open stream, if any, keeps its
// connection bound until it finishes.
func (a *Allocation) Release() {
	pool := a.pool
	pool.mu.Lock()
	toClose, releasedFrom := a.deallocateLocked(false, true, false)
	reported := a.reportedAcquired
	ended := !a.callEnded
	a.callEnded = true
	pool.mu.Unlock()

	if toClose != nil {
		toClose.close()
	}
	if releasedFrom != nil && reported {
		a.listener.ConnectionReleased(a.call, releasedFrom)
	}
	if ended {
		a.listener.CallEnd(a.call)
	}
}

// NoNewStreams retires the bound connection without releasing this
// allocation's own hold. Used when the peer signals it will accept no
// further requests.
func (a *Allocation) NoNewStreams() {
	pool := a.pool
	pool.mu.Lock()
	toClose, releasedFrom := a.deallocateLocked(true, false, false)
	reported := a.reportedAcquired
	pool.mu.Unlock()

	if toClose != nil {
		toClose.close()
	}
	if releasedFrom != nil && reported {
		a.listener.ConnectionReleased(a.call, releasedFrom)
	}
}

// Cancel aborts the allocation's current work from any goroutine. An
// open stream is canceled on its own; a connection mid-handshake is
// torn down whole, since a handshake cannot be partially aborted.
// Subsequent acquisition attempts fail promptly.
func (a *Allocation) Cancel() {
	pool := a.pool
	pool.mu.Lock()
	a.canceled = true
	codec := a.codec
	conn := a.conn
	pool.mu.Unlock()

	if codec != nil {
		codec.Cancel()
	} else if conn != nil {
		conn.cancel()
	}
}

// acquireLocked binds the allocation to a connection.
//
// +checklocks:a.pool.mu
func (a *Allocation) acquireLocked(c *Conn, reported bool) {
	a.conn = c
	a.reportedAcquired = reported
	c.allocations = append(c.allocations, a)
}

// releaseAndAcquire swaps the allocation's freshly connected
// connection for an equivalent pooled one, returning the loser for
// the caller to close. Only valid when this allocation is the sole
// holder and no stream is open.
//
// +checklocks:a.pool.mu
func (a *Allocation) releaseAndAcquire(c *Conn) *Conn {
	toClose, _ := a.deallocateLocked(true, false, false)
	a.acquireLocked(c, true)
	return toClose
}

// deallocateLocked unwinds stream and connection bindings. It clears
// the codec when streamFinished, marks the allocation released when
// released, and retires the connection when noNewStreams. The binding
// itself ends only when no stream remains open and either the
// allocation or the connection is done; a connection left with no
// allocations is handed to the pool's idle policy.
//
// It returns the connection to close outside the lock, if any, and
// the connection the binding ended on, for release notifications.
//
// +checklocks:a.pool.mu
func (a *Allocation) deallocateLocked(noNewStreams, released, streamFinished bool) (toClose, releasedFrom *Conn) {
	if streamFinished {
		a.codec = nil
	}
	if released {
		a.released = true
	}
	c := a.conn
	if c == nil {
		return nil, nil
	}
	if noNewStreams {
		c.noNewStreams = true
	}
	if a.codec != nil || (!a.released && !c.noNewStreams) {
		return nil, nil
	}
	if i := slices.Index(c.allocations, a); i >= 0 {
		c.allocations = slices.Delete(c.allocations, i, i+1)
	}
	a.conn = nil
	releasedFrom = c
	if len(c.allocations) == 0 {
		c.idleAt = a.pool.clock.Now()
		if a.pool.connectionBecameIdle(c) {
			toClose = c
		}
	}
	return toClose, releasedFrom
}
