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

// Package route describes where and how to connect: a logical Address
// to reach, the concrete Routes (proxy + resolved socket address) that
// may reach it, and a Selector that yields candidate routes in batches,
// deprioritizing routes that recently failed.
package route

import (
	"net"
	"net/url"
	"strconv"

	"github.com/bufbuild/httpconn/tlsprofile"
)

// Address identifies a logical destination. Two addresses being Equal
// means physical connections to them are interchangeable, so Equal
// defines which pooled connections are reuse candidates.
type Address struct {
	// Host is the destination hostname or IP literal.
	Host string
	// Port is the destination port.
	Port int
	// UseTLS indicates whether connections to this address are secured.
	UseTLS bool
	// ServerName overrides the SNI name for TLS handshakes. Defaults to
	// Host.
	ServerName string
	// Profiles is the ordered list of TLS profiles to attempt. A nil
	// list means [tlsprofile.DefaultProfiles]. Ignored when UseTLS is
	// false.
	Profiles []tlsprofile.Profile
	// Proxy is the HTTP proxy to connect through, or nil for a direct
	// connection.
	Proxy *url.URL
}

// HostPort returns the address in "host:port" form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// EffectiveServerName returns the name to present via SNI.
func (a Address) EffectiveServerName() string {
	if a.ServerName != "" {
		return a.ServerName
	}
	return a.Host
}

// EffectiveProfiles returns the TLS profiles to attempt, applying the
// default list when none are declared.
func (a Address) EffectiveProfiles() []tlsprofile.Profile {
	if !a.UseTLS {
		return []tlsprofile.Profile{tlsprofile.Cleartext}
	}
	if a.Profiles != nil {
		return a.Profiles
	}
	return tlsprofile.DefaultProfiles
}

// Equal reports whether two addresses name the same destination with
// the same security requirements.
func (a Address) Equal(o Address) bool {
	if a.Host != o.Host || a.Port != o.Port || a.UseTLS != o.UseTLS {
		return false
	}
	if a.EffectiveServerName() != o.EffectiveServerName() {
		return false
	}
	if !urlEqual(a.Proxy, o.Proxy) {
		return false
	}
	ap, op := a.EffectiveProfiles(), o.EffectiveProfiles()
	if len(ap) != len(op) {
		return false
	}
	for i := range ap {
		if !ap[i].Equal(op[i]) {
			return false
		}
	}
	return true
}

func (a Address) String() string {
	scheme := "http"
	if a.UseTLS {
		scheme = "https"
	}
	return scheme + "://" + a.HostPort()
}

func urlEqual(a, b *url.URL) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
