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

package tlsprofile

import (
	"crypto/tls"
	"slices"
)

// restrictedCipherSuites is an AEAD-only allow list for servers with
// current TLS stacks.
//
//nolint:gochecknoglobals
var restrictedCipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// broadCipherSuites extends the restricted list with suites still
// needed to reach the long tail of servers on the public internet.
//
//nolint:gochecknoglobals
var broadCipherSuites = append(slices.Clone(restrictedCipherSuites),
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
)

//nolint:gochecknoglobals
var (
	// Cleartext is the profile for connections without TLS.
	Cleartext = New(Config{TLS: false})

	// RestrictedTLS is a secure profile for connections to services with
	// modern TLS stacks: TLS 1.3/1.2 only, AEAD cipher suites only.
	RestrictedTLS = New(Config{
		TLS:                true,
		CipherSuites:       restrictedCipherSuites,
		Versions:           []uint16{tls.VersionTLS13, tls.VersionTLS12},
		SupportsExtensions: true,
	})

	// ModernTLS is the profile used for the first attempt against
	// unknown servers. It offers every version down to TLS 1.0 and a
	// broader, still curated, cipher suite list.
	ModernTLS = New(Config{
		TLS:                true,
		CipherSuites:       broadCipherSuites,
		Versions:           []uint16{tls.VersionTLS13, tls.VersionTLS12, tls.VersionTLS11, tls.VersionTLS10},
		SupportsExtensions: true,
	})

	// CompatibleTLS is the last-resort fallback for servers that reject
	// modern negotiation outright: TLS 1.0 only.
	CompatibleTLS = New(Config{
		TLS:                true,
		CipherSuites:       broadCipherSuites,
		Versions:           []uint16{tls.VersionTLS10},
		SupportsExtensions: true,
	})

	// DefaultProfiles is the attempt order used when an address does not
	// declare its own profiles.
	DefaultProfiles = []Profile{ModernTLS, CompatibleTLS}
)
