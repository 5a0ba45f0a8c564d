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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bufbuild/httpconn/route"
)

// staticSelector yields a fixed list of routes, one per batch, and
// records reported failures.
type staticSelector struct {
	mu     sync.Mutex
	routes []route.Route
	next   int
	failed []route.Route
}

func newStaticSelector(routes ...route.Route) *staticSelector {
	return &staticSelector{routes: routes}
}

func (s *staticSelector) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next < len(s.routes)
}

func (s *staticSelector) Next(_ context.Context) (*route.Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.routes) {
		return nil, route.ErrExhausted
	}
	r := s.routes[s.next]
	s.next++
	return route.NewSelection([]route.Route{r}), nil
}

func (s *staticSelector) ConnectFailed(r route.Route, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, r)
}

func (s *staticSelector) failedRoutes() []route.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]route.Route(nil), s.failed...)
}

// fakeDialer hands out the client half of a fresh in-memory pipe per
// dial. The first failDials dials return an error instead; when block
// is set, dials park on it until it is closed.
type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	servers   []net.Conn
	failDials int
	block     chan struct{}
	started   chan struct{}
}

func (d *fakeDialer) dial(ctx context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.dials <= d.failDials
	block := d.block
	started := d.started
	d.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: io.ErrUnexpectedEOF}
	}
	client, server := net.Pipe()
	d.mu.Lock()
	d.servers = append(d.servers, server)
	d.mu.Unlock()
	return client, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) closeServers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, server := range d.servers {
		_ = server.Close()
	}
}

// recordingListener remembers every event it sees.
type recordingListener struct {
	mu          sync.Mutex
	acquired    []*Conn
	released    []*Conn
	callEnds    int
	failures    []error
	streamBytes []int64
}

func (l *recordingListener) ConnectionAcquired(_ any, conn *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = append(l.acquired, conn)
}

func (l *recordingListener) ConnectionReleased(_ any, conn *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, conn)
}

func (l *recordingListener) CallEnd(any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callEnds++
}

func (l *recordingListener) CallFailed(_ any, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *recordingListener) StreamEnd(_ any, bytesRead int64, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streamBytes = append(l.streamBytes, bytesRead)
}

func (l *recordingListener) snapshot() (acquired, released []*Conn, callEnds int, failures []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Conn(nil), l.acquired...),
		append([]*Conn(nil), l.released...),
		l.callEnds,
		append([]error(nil), l.failures...)
}

// testRoute builds a cleartext address with a single literal route.
func testRoute(port uint16) (route.Address, route.Route) {
	addr := route.Address{Host: "127.0.0.1", Port: int(port)}
	r := route.Route{
		Address:       addr,
		SocketAddress: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port),
	}
	return addr, r
}

// newTestCert creates a self-signed server certificate covering the
// given DNS names plus 127.0.0.1, and a pool trusting it.
func newTestCert(t *testing.T, hosts ...string) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              hosts,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

// startTLSServer listens on a loopback port, completes TLS handshakes
// with the given certificate and ALPN protocols, and then drains each
// connection until the client closes it.
func startTLSServer(t *testing.T, cert tls.Certificate, nextProtos []string) netip.AddrPort {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				tlsConn := tls.Server(conn, cfg)
				if tlsConn.Handshake() != nil {
					_ = conn.Close()
					return
				}
				_, _ = io.Copy(io.Discard, tlsConn)
				_ = tlsConn.Close()
			}()
		}
	}()
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(tcpAddr.Port))
}
