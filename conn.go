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
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httpconn/route"
	"github.com/bufbuild/httpconn/tlsprofile"
)

var (
	errTunnelUnsupported     = errors.New("httpconn: HTTPS over an HTTP proxy requires CONNECT tunneling, which is not supported")
	errCleartextNotPermitted = errors.New("httpconn: cleartext connections are not permitted by the address's profiles")
)

// Conn is one physical connection: a TCP socket, optionally wrapped
// in TLS, with a negotiated application protocol and a bounded set of
// concurrently allocated streams.
//
// The fields below the pool mutex marker are guarded by the owning
// pool's mutex once the connection has been published to the pool.
// Before publication the establishing allocation owns them.
type Conn struct {
	route route.Route

	// connMu guards the socket fields, which are written during
	// connect and may be read concurrently by cancellation.
	connMu   sync.Mutex
	raw      net.Conn
	sock     net.Conn
	tlsState *tls.ConnectionState
	protocol Protocol

	closed   atomic.Bool
	shutdown atomic.Bool

	resetMu   sync.Mutex
	resetFunc func(streamID uint32)

	// Guarded by the pool mutex:

	// successCount counts streams that completed without a network
	// failure. Zero means the connection has never proven itself.
	successCount int
	// noNewStreams permanently bars new stream allocation. Once set it
	// is never cleared.
	noNewStreams bool
	// allocations holds a back-reference per allocation currently
	// bound to this connection.
	allocations []*Allocation
	// allocationLimit is the maximum concurrent streams: one for
	// HTTP/1.1, the concurrency limit for HTTP/2.
	allocationLimit int
	// idleAt records when the connection last became idle.
	idleAt time.Time
	// nextStreamID is the next client-initiated stream identifier to
	// hand to a multiplexed codec.
	nextStreamID uint32
}

func newConn(r route.Route) *Conn {
	return &Conn{route: r, protocol: ProtocolHTTP1, nextStreamID: 1}
}

// Route returns the route the connection was established on.
func (c *Conn) Route() route.Route {
	return c.route
}

// Protocol returns the negotiated application protocol.
func (c *Conn) Protocol() Protocol {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.protocol
}

// TLSState returns the TLS connection state, or nil for cleartext
// connections.
func (c *Conn) TLSState() *tls.ConnectionState {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.tlsState
}

// Socket returns the stream-ready socket: the TLS session for secure
// connections, the raw TCP socket otherwise. The call driver performs
// all request and response I/O on it.
func (c *Conn) Socket() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sock
}

// Shutdown marks the connection as draining, such as after receiving
// an HTTP/2 GOAWAY. Existing streams may finish but no new streams
// are allocated.
func (c *Conn) Shutdown() {
	c.shutdown.Store(true)
}

// OnStreamReset installs the call driver's per-stream reset hook.
// Canceling a multiplexed codec routes through it so the driver can
// emit the protocol-level reset for that stream alone.
func (c *Conn) OnStreamReset(fn func(streamID uint32)) {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	c.resetFunc = fn
}

func (c *Conn) resetStream(streamID uint32) {
	c.resetMu.Lock()
	fn := c.resetFunc
	c.resetMu.Unlock()
	if fn != nil {
		fn(streamID)
	}
}

// cancel closes the underlying socket, interrupting any in-flight
// connect or I/O. Safe to call from any goroutine at any time.
func (c *Conn) cancel() {
	c.close()
}

func (c *Conn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.connMu.Lock()
	sock, raw := c.sock, c.raw
	c.connMu.Unlock()
	if sock != nil {
		_ = sock.Close()
	} else if raw != nil {
		_ = raw.Close()
	}
}

// connect establishes the socket and, for secure addresses, performs
// the TLS handshake, walking the address's profiles from most to
// least preferred. A handshake failure that looks like a version or
// cipher mismatch re-dials and retries with the next compatible
// profile in fallback mode. Runs without the pool lock; the
// connection has not been published yet.
func (c *Conn) connect(ctx context.Context, pool *Pool, opts StreamOptions) error {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if c.route.RequiresTunnel() {
		return errTunnelUnsupported
	}
	if !c.route.Address.UseTLS {
		if c.route.Address.Profiles != nil && !cleartextPermitted(c.route.Address.Profiles) {
			return errCleartextNotPermitted
		}
		if err := c.connectSocket(ctx, pool); err != nil {
			return err
		}
		c.connMu.Lock()
		c.sock = c.raw
		c.protocol = ProtocolHTTP1
		c.connMu.Unlock()
		c.finishConnect()
		return nil
	}
	selector := newProfileSelector(c.route.Address.EffectiveProfiles())
	for {
		if err := c.connectSocket(ctx, pool); err != nil {
			return err
		}
		err := c.connectTLS(ctx, pool, selector)
		if err == nil {
			break
		}
		c.closeSocket()
		if !opts.RetryEnabled || !selector.connectionFailed(err) {
			return err
		}
		if c.closed.Load() {
			return ErrCanceled
		}
	}
	c.finishConnect()
	return nil
}

func (c *Conn) connectSocket(ctx context.Context, pool *Pool) error {
	if c.closed.Load() {
		return ErrCanceled
	}
	target := c.route.Address.HostPort()
	if c.route.SocketAddress.IsValid() {
		target = c.route.SocketAddress.String()
	}
	raw, err := pool.dialFunc(ctx, "tcp", target)
	if err != nil {
		return err
	}
	// The allocation may have been canceled while the dial was in
	// flight; the socket must not leak.
	if c.closed.Load() {
		_ = raw.Close()
		return ErrCanceled
	}
	c.connMu.Lock()
	c.raw = raw
	c.connMu.Unlock()
	return nil
}

func (c *Conn) connectTLS(ctx context.Context, pool *Pool, selector *profileSelector) error {
	cfg := pool.tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{} //nolint:gosec // MinVersion comes from the profile below.
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.route.Address.EffectiveServerName()
	}
	sock := tlsprofile.ConfigSocket{Config: cfg}
	profile, err := selector.configure(sock)
	if err != nil {
		return err
	}
	if profile.SupportsExtensions() && len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{string(ProtocolHTTP2), string(ProtocolHTTP1)}
	}
	c.connMu.Lock()
	raw := c.raw
	c.connMu.Unlock()
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	state := tlsConn.ConnectionState()
	c.connMu.Lock()
	c.sock = tlsConn
	c.tlsState = &state
	c.protocol = protocolFromALPN(state.NegotiatedProtocol)
	c.connMu.Unlock()
	return nil
}

// finishConnect sets the stream capacity from the negotiated
// protocol. The connection is still private to the establishing
// allocation, so no lock is required.
func (c *Conn) finishConnect() {
	if c.protocol.Multiplexed() {
		c.allocationLimit = defaultMaxConcurrentStreams
	} else {
		c.allocationLimit = 1
	}
}

// closeSocket tears down the raw socket between fallback attempts
// without marking the connection closed, so the next attempt can
// re-dial.
func (c *Conn) closeSocket() {
	c.connMu.Lock()
	raw, sock := c.raw, c.sock
	c.raw, c.sock, c.tlsState = nil, nil, nil
	c.connMu.Unlock()
	if sock != nil {
		_ = sock.Close()
	} else if raw != nil {
		_ = raw.Close()
	}
}

// newCodec creates the codec for one new stream. Called with the pool
// lock held, after the allocation has been admitted against
// allocationLimit.
func (c *Conn) newCodec() Codec {
	if c.protocol.Multiplexed() {
		id := c.nextStreamID
		c.nextStreamID += 2
		return &h2Codec{conn: c, streamID: id}
	}
	return &h1Codec{conn: c}
}

// isEligible reports whether the connection can carry a new stream to
// the given address. Beyond an exact address match, a multiplexed
// connection can coalesce calls for a different hostname when the
// route's resolved socket address matches and the peer's certificate
// covers the other host. Called with the pool lock held.
func (c *Conn) isEligible(addr route.Address, r *route.Route) bool {
	if len(c.allocations) >= c.allocationLimit || c.noNewStreams {
		return false
	}
	if c.route.Address.Equal(addr) {
		return true
	}
	// Coalescing requires a multiplexed connection.
	if !c.protocol.Multiplexed() {
		return false
	}
	// The routes must share an IP address and use no proxies.
	if r == nil || r.Proxy != nil || c.route.Proxy != nil {
		return false
	}
	if !r.SocketAddress.IsValid() || r.SocketAddress != c.route.SocketAddress {
		return false
	}
	// The certificate must cover the other host.
	if !addr.UseTLS || c.tlsState == nil || len(c.tlsState.PeerCertificates) == 0 {
		return false
	}
	if addr.Port != c.route.Address.Port {
		return false
	}
	return c.tlsState.PeerCertificates[0].VerifyHostname(addr.EffectiveServerName()) == nil
}

// isHealthy reports whether the connection is likely to still carry a
// stream. The extensive check probes HTTP/1.1 sockets with a
// short-deadline read, which catches half-closed connections at the
// cost of a millisecond; it is only worth doing when the caller can
// retry the attempt. Called without the pool lock, since the probe
// touches the socket.
func (c *Conn) isHealthy(extensive bool) bool {
	if c.closed.Load() {
		return false
	}
	if c.Protocol().Multiplexed() {
		return !c.shutdown.Load()
	}
	if !extensive {
		return true
	}
	sock := c.Socket()
	if sock == nil {
		return false
	}
	if err := sock.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	var buf [1]byte
	_, err := sock.Read(buf[:])
	if resetErr := sock.SetReadDeadline(time.Time{}); resetErr != nil {
		return false
	}
	// A timeout means the peer sent nothing and the socket is open.
	// Readable data here would be a stale or unsolicited response, and
	// EOF means the peer closed; either way the connection is done.
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func cleartextPermitted(profiles []tlsprofile.Profile) bool {
	for _, p := range profiles {
		if !p.IsTLS() {
			return true
		}
	}
	return false
}
