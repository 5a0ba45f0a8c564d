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
	"time"

	"github.com/bufbuild/httpconn/internal"
	"github.com/bufbuild/httpconn/route"
)

const (
	defaultMaxIdleConnections   = 5
	defaultIdleTimeout          = 5 * time.Minute
	defaultMaxConcurrentStreams = 100
)

// PoolOption is an option for configuring the behavior of a [Pool].
type PoolOption interface {
	applyToPool(*poolOptions)
}

type poolOptionFunc func(*poolOptions)

func (f poolOptionFunc) applyToPool(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	maxIdle     int
	idleTimeout time.Duration
	dialFunc    func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig   *tls.Config
	listener    Listener
	clock       internal.Clock
}

func (o *poolOptions) applyDefaults() {
	if o.maxIdle == 0 {
		o.maxIdle = defaultMaxIdleConnections
	}
	if o.maxIdle < 0 {
		o.maxIdle = 0
	}
	if o.idleTimeout == 0 {
		o.idleTimeout = defaultIdleTimeout
	}
	if o.dialFunc == nil {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		o.dialFunc = dialer.DialContext
	}
	if o.listener == nil {
		o.listener = NopListener{}
	}
	if o.clock == nil {
		o.clock = internal.NewRealClock()
	}
}

// WithMaxIdleConnections configures the maximum number of idle
// connections the pool retains. Pass a negative count to disable
// idle retention entirely, so every connection is closed as soon as
// its last stream finishes.
//
// If this option is not used, the default is five.
func WithMaxIdleConnections(count int) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		if count < 0 {
			count = -1
		}
		opts.maxIdle = count
	})
}

// WithIdleTimeout configures how long a connection may sit idle
// before the pool evicts it.
//
// If this option is not used, the default is five minutes.
func WithIdleTimeout(duration time.Duration) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.idleTimeout = duration
	})
}

// WithDialer configures the pool to use the given function to
// establish network connections. This is typically used to control
// the underlying socket options or to route through an intermediary.
//
// If this option is not used, the default dialer uses a 30-second
// connect timeout and TCP keep-alive.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig configures the base TLS configuration for secure
// connections. The pool clones it per connection attempt and narrows
// the enabled versions and cipher suites to the route's negotiated
// profile. If the config's ServerName is empty, the destination's
// server name is used.
func WithTLSConfig(config *tls.Config) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.tlsConfig = config
	})
}

// WithListener configures a [Listener] that observes connection and
// call lifecycle events for every allocation created from the pool.
func WithListener(listener Listener) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.listener = listener
	})
}

func withClock(clock internal.Clock) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.clock = clock
	})
}

// AllocationOption is an option for configuring a single
// [Allocation].
type AllocationOption interface {
	applyToAllocation(*allocationOptions)
}

type allocationOptionFunc func(*allocationOptions)

func (f allocationOptionFunc) applyToAllocation(opts *allocationOptions) {
	f(opts)
}

type allocationOptions struct {
	selector route.Selector
	listener Listener
}

// WithSelector configures the allocation to draw candidate routes
// from the given selector instead of one built from the address with
// the default resolver.
func WithSelector(selector route.Selector) AllocationOption {
	return allocationOptionFunc(func(opts *allocationOptions) {
		opts.selector = selector
	})
}

// WithCallListener configures an additional [Listener] observing only
// this allocation's events, alongside the pool-wide listener.
func WithCallListener(listener Listener) AllocationOption {
	return allocationOptionFunc(func(opts *allocationOptions) {
		opts.listener = listener
	})
}

// StreamOptions carries the per-attempt knobs for
// [Allocation.NewStream].
type StreamOptions struct {
	// ConnectTimeout bounds establishing a new connection, including
	// the TLS handshake. Zero means no bound beyond the context's.
	ConnectTimeout time.Duration
	// ReadTimeout and WriteTimeout are applied as socket deadlines on
	// HTTP/1.1 connections for the stream's lifetime.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RetryEnabled permits the allocation to move to another route
	// when connecting fails. When false the first failure is final.
	RetryEnabled bool
	// ExtensiveHealthChecks enables the more expensive liveness probe
	// on pooled HTTP/1.1 connections before reuse. Appropriate when
	// the attempt is safe to retry, such as an idempotent request.
	ExtensiveHealthChecks bool
}
