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
	"crypto/tls"
	"net"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bufbuild/httpconn/internal"
	"github.com/bufbuild/httpconn/route"
)

// Pool stores reusable physical connections and shares them across
// allocations targeting the same address. Connections that sit idle
// too long, or in excess of the idle limit, are evicted by a
// background cleanup goroutine that runs only while idle connections
// exist.
type Pool struct {
	maxIdle     int
	idleTimeout time.Duration
	dialFunc    func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig   *tls.Config
	listener    Listener
	clock       internal.Clock
	routeDB     *route.Database

	mu sync.Mutex
	// +checklocks:mu
	conns []*Conn
	// +checklocks:mu
	cleanupRunning bool
	// +checklocks:mu
	closed bool
	// closeCh is closed when the pool closes, waking the cleanup
	// goroutine.
	closeCh chan struct{}
}

// NewPool creates a connection pool.
func NewPool(opts ...PoolOption) *Pool {
	var options poolOptions
	for _, opt := range opts {
		opt.applyToPool(&options)
	}
	options.applyDefaults()
	return &Pool{
		maxIdle:     options.maxIdle,
		idleTimeout: options.idleTimeout,
		dialFunc:    options.dialFunc,
		tlsConfig:   options.tlsConfig,
		listener:    options.listener,
		clock:       options.clock,
		routeDB:     route.NewDatabase(),
		closeCh:     make(chan struct{}),
	}
}

// NewAllocation creates an allocation binding the given call to
// connections for the address. The call value is opaque to this
// package; it is only passed through to listeners.
func (p *Pool) NewAllocation(call any, address route.Address, opts ...AllocationOption) *Allocation {
	var options allocationOptions
	for _, opt := range opts {
		opt.applyToAllocation(&options)
	}
	if options.selector == nil {
		options.selector = route.NewSelector(address, p.routeDB)
	}
	listener := p.listener
	if options.listener != nil {
		listener = MultiListener{p.listener, options.listener}
	}
	return &Allocation{
		pool:     p,
		address:  address,
		call:     call,
		listener: listener,
		selector: options.selector,
	}
}

// RouteDatabase returns the pool's shared record of failed routes,
// consulted by selectors to deprioritize known-bad candidates.
func (p *Pool) RouteDatabase() *route.Database {
	return p.routeDB
}

// get finds a pooled connection eligible for the address and binds
// the allocation to it. When routes is non-nil, connections reachable
// by coalescing onto one of those routes are also eligible.
//
// +checklocks:p.mu
func (p *Pool) get(addr route.Address, alloc *Allocation, r *route.Route) *Conn {
	for _, c := range p.conns {
		if c.isEligible(addr, r) {
			alloc.acquireLocked(c, true)
			return c
		}
	}
	return nil
}

// put publishes a newly established connection to the pool and kicks
// off the cleanup goroutine if it is not already running.
//
// +checklocks:p.mu
func (p *Pool) put(c *Conn) {
	if !p.cleanupRunning {
		p.cleanupRunning = true
		go p.cleanupLoop()
	}
	p.conns = append(p.conns, c)
}

// deduplicate looks for an existing multiplexed connection equivalent
// to the one the allocation just established. If one exists, the
// allocation is rebound to it and the duplicate connection is
// returned for the caller to close outside the lock.
//
// +checklocks:p.mu
func (p *Pool) deduplicate(addr route.Address, alloc *Allocation) *Conn {
	for _, c := range p.conns {
		if c == alloc.conn || !c.isEligible(addr, nil) || !c.Protocol().Multiplexed() {
			continue
		}
		return alloc.releaseAndAcquire(c)
	}
	return nil
}

// connectionBecameIdle decides the fate of a connection whose last
// allocation was just removed. It returns true when the connection
// must be removed and closed immediately, either because it can take
// no new streams or because the pool retains no idle connections.
//
// +checklocks:p.mu
func (p *Pool) connectionBecameIdle(c *Conn) bool {
	if c.noNewStreams || p.maxIdle == 0 || p.closed {
		p.removeLocked(c)
		return true
	}
	// The cleanup goroutine recomputes its wakeup from idleAt, so a
	// nudge is unnecessary: the connection's eviction deadline is
	// never earlier than an already-scheduled one.
	return false
}

// +checklocks:p.mu
func (p *Pool) removeLocked(c *Conn) {
	if i := slices.Index(p.conns, c); i >= 0 {
		p.conns = slices.Delete(p.conns, i, i+1)
	}
}

// ConnectionCount returns the number of connections in the pool,
// idle or in use.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// IdleConnectionCount returns the number of pooled connections with
// no current allocations.
func (p *Pool) IdleConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, c := range p.conns {
		if len(c.allocations) == 0 {
			count++
		}
	}
	return count
}

// EvictAll closes and removes every idle connection. In-use
// connections are marked to take no new streams, so they leave the
// pool as soon as their streams finish.
func (p *Pool) EvictAll() error {
	p.mu.Lock()
	var evicted []*Conn
	remaining := p.conns[:0]
	for _, c := range p.conns {
		if len(c.allocations) == 0 {
			evicted = append(evicted, c)
		} else {
			c.noNewStreams = true
			remaining = append(remaining, c)
		}
	}
	p.conns = remaining
	p.mu.Unlock()
	return closeAll(evicted)
}

// Close evicts every connection, including in-use ones, and stops the
// cleanup goroutine. The pool hands out no connections afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	close(p.closeCh)
	p.mu.Unlock()
	return closeAll(conns)
}

func closeAll(conns []*Conn) error {
	group, _ := errgroup.WithContext(context.Background())
	for _, c := range conns {
		group.Go(func() error {
			c.close()
			return nil
		})
	}
	return group.Wait()
}

// cleanupLoop evicts idle connections in the background. Each pass
// computes how long to sleep until the next connection would exceed
// the idle timeout; the loop exits when the pool holds no
// connections, and is restarted by the next put.
func (p *Pool) cleanupLoop() {
	for {
		wait, done := p.cleanupOnce()
		if done {
			return
		}
		if wait <= 0 {
			continue
		}
		timer := p.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-p.closeCh:
			timer.Stop()
			p.mu.Lock()
			p.cleanupRunning = false
			p.mu.Unlock()
			return
		}
	}
}

// cleanupOnce performs one eviction pass. It returns how long the
// loop should sleep before the next pass, or done when the pool is
// empty and the loop should exit.
func (p *Pool) cleanupOnce() (wait time.Duration, done bool) {
	var evict *Conn
	p.mu.Lock()
	inUse := 0
	idle := 0
	var longestIdle time.Duration = -1
	for _, c := range p.conns {
		if len(c.allocations) > 0 {
			inUse++
			continue
		}
		idle++
		if d := p.clock.Since(c.idleAt); d > longestIdle {
			longestIdle = d
			evict = c
		}
	}
	switch {
	case evict != nil && (longestIdle >= p.idleTimeout || idle > p.maxIdle):
		p.removeLocked(evict)
		p.mu.Unlock()
		evict.close()
		// Re-run immediately; another connection may also be due.
		return 0, false
	case idle > 0:
		wait = p.idleTimeout - longestIdle
	case inUse > 0:
		wait = p.idleTimeout
	default:
		p.cleanupRunning = false
		p.mu.Unlock()
		return 0, true
	}
	p.mu.Unlock()
	return wait, false
}
