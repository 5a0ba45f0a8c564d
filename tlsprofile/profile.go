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

// Package tlsprofile provides declarative TLS configuration profiles.
// A profile is an ordered preference for cipher suites and protocol
// versions. Before a handshake, the profile is negotiated against what
// the concrete socket supports: the usable intersection, in the
// profile's preference order, is applied back onto the socket.
//
// Profiles are immutable value objects. The package provides named
// presets ordered from most to least restrictive; callers typically
// attempt them in order, advancing to the next preset when a handshake
// fails with a negotiation error (as opposed to a plain network error).
package tlsprofile

import (
	"crypto/tls"
	"fmt"
	"slices"
	"strings"
)

// FallbackSCSV is the signaling cipher suite value (RFC 7507) appended
// to the negotiated cipher list on fallback connection attempts, when
// the socket supports it. It tells the peer that a protocol downgrade
// occurred; it is not a functional cipher.
const FallbackSCSV uint16 = 0x5600

// Socket is the view of a TLS-capable socket that negotiation reads
// and writes. See [ConfigSocket] for an adapter over [*tls.Config].
type Socket interface {
	// EnabledVersions returns the protocol versions the socket is
	// currently configured to offer.
	EnabledVersions() []uint16
	// EnabledCipherSuites returns the cipher suites the socket is
	// currently configured to offer.
	EnabledCipherSuites() []uint16
	// SupportedCipherSuites returns every cipher suite the socket could
	// offer, including signaling values, regardless of configuration.
	SupportedCipherSuites() []uint16
	// SetEnabledVersions replaces the socket's offered versions.
	SetEnabledVersions([]uint16)
	// SetEnabledCipherSuites replaces the socket's offered cipher suites.
	SetEnabledCipherSuites([]uint16)
}

// Config is the input to [New]. A nil CipherSuites or Versions slice
// means "all enabled": negotiation passes the socket's current set
// through unchanged.
type Config struct {
	TLS                bool
	CipherSuites       []uint16
	Versions           []uint16
	SupportsExtensions bool
}

// Profile is an immutable TLS configuration profile.
type Profile struct {
	tlsEnabled         bool
	cipherSuites       []uint16 // nil means all enabled
	versions           []uint16 // nil means all enabled
	supportsExtensions bool
}

// New builds a Profile from the given configuration. The slices are
// copied; order is significant and preserved.
func New(cfg Config) Profile {
	p := Profile{
		tlsEnabled:         cfg.TLS,
		supportsExtensions: cfg.SupportsExtensions,
	}
	if cfg.TLS {
		p.cipherSuites = slices.Clone(cfg.CipherSuites)
		p.versions = slices.Clone(cfg.Versions)
	}
	return p
}

// IsTLS reports whether this profile uses TLS at all.
func (p Profile) IsTLS() bool {
	return p.tlsEnabled
}

// SupportsExtensions reports whether TLS extensions (such as SNI and
// ALPN) may be used under this profile.
func (p Profile) SupportsExtensions() bool {
	return p.tlsEnabled && p.supportsExtensions
}

// CipherSuites returns a copy of the profile's cipher suite preference
// list, or nil if all cipher suites are enabled.
func (p Profile) CipherSuites() []uint16 {
	return slices.Clone(p.cipherSuites)
}

// Versions returns a copy of the profile's protocol version preference
// list, or nil if all versions are enabled.
func (p Profile) Versions() []uint16 {
	return slices.Clone(p.versions)
}

// IsCompatible reports whether a handshake under this profile could
// possibly succeed on the given socket. It is used to pre-filter which
// profile to attempt before paying for a handshake: the profile must be
// TLS-enabled, and each declared preference list must share at least
// one entry with what the socket currently offers.
func (p Profile) IsCompatible(sock Socket) bool {
	if !p.tlsEnabled {
		return false
	}
	if p.versions != nil && !intersects(p.versions, sock.EnabledVersions()) {
		return false
	}
	if p.cipherSuites != nil && !intersects(p.cipherSuites, sock.EnabledCipherSuites()) {
		return false
	}
	return true
}

// Apply negotiates this profile against the socket and applies the
// result: the socket's offered versions and cipher suites are replaced
// with the intersection of the profile's preferences and the socket's
// current sets, in the profile's order. A nil preference list passes
// the socket's current set through unchanged.
//
// If isFallback is true and the socket supports [FallbackSCSV], the
// signaling value is appended to the negotiated cipher list to tell the
// peer that this attempt follows a protocol downgrade.
func (p Profile) Apply(sock Socket, isFallback bool) {
	versions := sock.EnabledVersions()
	if p.versions != nil {
		versions = intersect(p.versions, versions)
	}
	ciphers := sock.EnabledCipherSuites()
	if p.cipherSuites != nil {
		ciphers = intersect(p.cipherSuites, ciphers)
	}
	if isFallback && slices.Contains(sock.SupportedCipherSuites(), FallbackSCSV) {
		ciphers = append(ciphers, FallbackSCSV)
	}
	sock.SetEnabledVersions(versions)
	sock.SetEnabledCipherSuites(ciphers)
}

// Equal reports whether two profiles are interchangeable: both non-TLS,
// or both TLS with identical (order-sensitive) cipher lists, version
// lists and extension flags.
func (p Profile) Equal(o Profile) bool {
	if p.tlsEnabled != o.tlsEnabled {
		return false
	}
	if !p.tlsEnabled {
		return true
	}
	return slices.Equal(p.cipherSuites, o.cipherSuites) &&
		slices.Equal(p.versions, o.versions) &&
		p.supportsExtensions == o.supportsExtensions
}

func (p Profile) String() string {
	if !p.tlsEnabled {
		return "Profile(cleartext)"
	}
	return fmt.Sprintf(
		"Profile(cipherSuites=%s, versions=%s, supportsExtensions=%v)",
		nameList(p.cipherSuites, tls.CipherSuiteName),
		nameList(p.versions, tls.VersionName),
		p.supportsExtensions,
	)
}

func nameList(values []uint16, name func(uint16) string) string {
	if values == nil {
		return "[all enabled]"
	}
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = name(v)
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// intersect returns the members of preferred that also appear in
// available, in preferred's order.
func intersect(preferred, available []uint16) []uint16 {
	result := make([]uint16, 0, len(preferred))
	for _, v := range preferred {
		if slices.Contains(available, v) {
			result = append(result, v)
		}
	}
	return result
}

func intersects(a, b []uint16) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}
