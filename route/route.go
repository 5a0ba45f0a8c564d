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
	"net/netip"
	"net/url"
)

// Route is one concrete way to reach an [Address]: a proxy decision
// plus a resolved socket address. When Proxy is non-nil, SocketAddress
// is the proxy's resolved address, not the destination's.
type Route struct {
	Address       Address
	Proxy         *url.URL
	SocketAddress netip.AddrPort
}

// RequiresTunnel reports whether reaching the destination needs an
// HTTP CONNECT tunnel through the proxy.
func (r Route) RequiresTunnel() bool {
	return r.Proxy != nil && r.Address.UseTLS
}

// Equal reports whether two routes dial the same socket for the same
// address.
func (r Route) Equal(o Route) bool {
	return r.Address.Equal(o.Address) &&
		urlEqual(r.Proxy, o.Proxy) &&
		r.SocketAddress == o.SocketAddress
}

func (r Route) String() string {
	if r.Proxy != nil {
		return r.SocketAddress.String() + " via " + r.Proxy.String()
	}
	return r.SocketAddress.String()
}

// key returns a stable representation for use in the failure database.
func (r Route) key() string {
	k := r.Address.String() + "|" + r.SocketAddress.String()
	if r.Proxy != nil {
		k += "|" + r.Proxy.String()
	}
	return k
}
