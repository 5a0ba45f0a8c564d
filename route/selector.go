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

package route

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strconv"

	"github.com/bufbuild/httpconn/internal"
)

// ErrExhausted is returned by [Selector.Next] when every candidate
// route has been handed out.
var ErrExhausted = errors.New("route: exhausted all candidate routes")

// Selection is one batch of candidate routes, typically all routes
// through a single proxy decision.
type Selection struct {
	routes []Route
	next   int
}

// NewSelection builds a batch from explicit routes, for [Selector]
// implementations that do not resolve names.
func NewSelection(routes []Route) *Selection {
	return &Selection{routes: slices.Clone(routes)}
}

// HasNext reports whether the selection has routes left to hand out.
func (s *Selection) HasNext() bool {
	return s.next < len(s.routes)
}

// Next returns the next route in the batch. The second return value is
// false when the batch is exhausted.
func (s *Selection) Next() (Route, bool) {
	if !s.HasNext() {
		return Route{}, false
	}
	r := s.routes[s.next]
	s.next++
	return r, true
}

// All returns every route in the batch, including ones already handed
// out by Next.
func (s *Selection) All() []Route {
	all := make([]Route, len(s.routes))
	copy(all, s.routes)
	return all
}

// Selector yields candidate routes for one address. Next blocks on name
// resolution, so callers must not invoke it while holding locks shared
// with other connection work.
//
// Implementations are used by a single allocation at a time and need
// not be safe for concurrent use, except for ConnectFailed which may be
// called from any goroutine.
type Selector interface {
	// HasNext reports whether another call to Next can yield routes.
	HasNext() bool
	// Next resolves and returns the next batch of candidate routes.
	// It returns [ErrExhausted] once all candidates have been yielded.
	Next(ctx context.Context) (*Selection, error)
	// ConnectFailed records that connecting via the given route failed,
	// so the route is deprioritized on subsequent selection.
	ConnectFailed(r Route, err error)
}

// SelectorOption customizes the behavior of [NewSelector].
type SelectorOption interface {
	apply(*dnsSelector)
}

// WithResolver configures the selector to resolve names with the given
// resolver instead of [net.DefaultResolver].
func WithResolver(resolver *net.Resolver) SelectorOption {
	return selectorOptionFunc(func(s *dnsSelector) {
		s.resolver = resolver
	})
}

// WithNetwork restricts resolution to the given address family. The
// network must be "ip", "ip4" or "ip6"; the default is "ip".
func WithNetwork(network string) SelectorOption {
	return selectorOptionFunc(func(s *dnsSelector) {
		s.network = network
	})
}

// WithShuffle randomizes the order of resolved addresses within each
// batch, spreading connections across the destination's IPs instead
// of always dialing them in resolver order.
func WithShuffle() SelectorOption {
	return selectorOptionFunc(func(s *dnsSelector) {
		s.rnd = internal.NewRand()
	})
}

type selectorOptionFunc func(*dnsSelector)

func (f selectorOptionFunc) apply(s *dnsSelector) {
	f(s)
}

// NewSelector returns a Selector that resolves the address (or its
// proxy) in DNS and yields one batch of routes per proxy decision.
// Routes recorded as failed in db are withheld until every untainted
// route has been yielded, then offered in a final batch.
func NewSelector(address Address, db *Database, opts ...SelectorOption) Selector {
	selector := &dnsSelector{
		address:  address,
		db:       db,
		resolver: net.DefaultResolver,
		network:  "ip",
	}
	for _, opt := range opts {
		opt.apply(selector)
	}
	// A single proxy decision per selector: the configured proxy, or a
	// direct connection.
	selector.proxies = []*url.URL{address.Proxy}
	return selector
}

type dnsSelector struct {
	address  Address
	db       *Database
	resolver *net.Resolver
	network  string

	rnd *rand.Rand

	proxies   []*url.URL
	nextProxy int
	postponed []Route
}

func (s *dnsSelector) HasNext() bool {
	return s.nextProxy < len(s.proxies) || len(s.postponed) > 0
}

func (s *dnsSelector) Next(ctx context.Context) (*Selection, error) {
	for s.nextProxy < len(s.proxies) {
		proxy := s.proxies[s.nextProxy]
		s.nextProxy++

		host, port, err := s.dialTarget(proxy)
		if err != nil {
			return nil, err
		}
		addrs, err := s.resolver.LookupNetIP(ctx, s.network, host)
		if err != nil {
			return nil, fmt.Errorf("route: resolve %s: %w", host, err)
		}
		fresh := make([]Route, 0, len(addrs))
		for _, addr := range addrs {
			r := Route{
				Address:       s.address,
				Proxy:         proxy,
				SocketAddress: netip.AddrPortFrom(addr.Unmap(), uint16(port)),
			}
			if s.db != nil && s.db.ShouldPostpone(r) {
				s.postponed = append(s.postponed, r)
			} else {
				fresh = append(fresh, r)
			}
		}
		if s.rnd != nil {
			s.rnd.Shuffle(len(fresh), func(i, j int) {
				fresh[i], fresh[j] = fresh[j], fresh[i]
			})
		}
		if len(fresh) > 0 {
			return &Selection{routes: fresh}, nil
		}
	}
	if len(s.postponed) > 0 {
		// Everything left has failed before. Try it anyway, last.
		selection := &Selection{routes: s.postponed}
		s.postponed = nil
		return selection, nil
	}
	return nil, ErrExhausted
}

func (s *dnsSelector) ConnectFailed(r Route, _ error) {
	if s.db != nil {
		s.db.Failed(r)
	}
}

// dialTarget returns the host to resolve and port to dial: the proxy's
// when one is configured, otherwise the destination's.
func (s *dnsSelector) dialTarget(proxy *url.URL) (string, int, error) {
	if proxy == nil {
		return s.address.Host, s.address.Port, nil
	}
	host := proxy.Hostname()
	portText := proxy.Port()
	if portText == "" {
		switch proxy.Scheme {
		case "https":
			return host, 443, nil
		default:
			return host, 80, nil
		}
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("route: invalid proxy port %q", portText)
	}
	return host, port, nil
}
