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

// allVersions is every protocol version the crypto/tls package can
// offer, newest first.
//
//nolint:gochecknoglobals
var allVersions = []uint16{
	tls.VersionTLS13,
	tls.VersionTLS12,
	tls.VersionTLS11,
	tls.VersionTLS10,
}

// ConfigSocket adapts a [*tls.Config] to the [Socket] interface, so a
// profile can be negotiated onto the config before the handshake that
// uses it.
//
// crypto/tls expresses versions as a MinVersion/MaxVersion range rather
// than a list, so SetEnabledVersions collapses the given list to its
// bounds. The preference-order information in between is carried by the
// TLS stack itself.
type ConfigSocket struct {
	Config *tls.Config
}

var _ Socket = ConfigSocket{}

// EnabledVersions returns the versions within the config's
// MinVersion/MaxVersion range, newest first. A zero MinVersion means
// TLS 1.2 (the crypto/tls client default) and a zero MaxVersion means
// TLS 1.3.
func (s ConfigSocket) EnabledVersions() []uint16 {
	minVersion := s.Config.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	maxVersion := s.Config.MaxVersion
	if maxVersion == 0 {
		maxVersion = tls.VersionTLS13
	}
	enabled := make([]uint16, 0, len(allVersions))
	for _, v := range allVersions {
		if v >= minVersion && v <= maxVersion {
			enabled = append(enabled, v)
		}
	}
	return enabled
}

// EnabledCipherSuites returns the config's cipher suites, or the
// crypto/tls default suites if the config does not declare any.
func (s ConfigSocket) EnabledCipherSuites() []uint16 {
	if s.Config.CipherSuites != nil {
		return slices.Clone(s.Config.CipherSuites)
	}
	suites := tls.CipherSuites()
	enabled := make([]uint16, len(suites))
	for i, suite := range suites {
		enabled[i] = suite.ID
	}
	return enabled
}

// SupportedCipherSuites returns every suite crypto/tls implements,
// including insecure ones, plus the [FallbackSCSV] signaling value.
func (s ConfigSocket) SupportedCipherSuites() []uint16 {
	secure := tls.CipherSuites()
	insecure := tls.InsecureCipherSuites()
	supported := make([]uint16, 0, len(secure)+len(insecure)+1)
	for _, suite := range secure {
		supported = append(supported, suite.ID)
	}
	for _, suite := range insecure {
		supported = append(supported, suite.ID)
	}
	return append(supported, FallbackSCSV)
}

// SetEnabledVersions sets the config's MinVersion and MaxVersion to the
// bounds of the given list. An empty list leaves the config unchanged.
func (s ConfigSocket) SetEnabledVersions(versions []uint16) {
	if len(versions) == 0 {
		return
	}
	s.Config.MinVersion = slices.Min(versions)
	s.Config.MaxVersion = slices.Max(versions)
}

// SetEnabledCipherSuites replaces the config's cipher suites. The
// [FallbackSCSV] signaling value is filtered out: crypto/tls manages
// downgrade signaling itself and rejects unknown suite IDs.
func (s ConfigSocket) SetEnabledCipherSuites(suites []uint16) {
	kept := make([]uint16, 0, len(suites))
	for _, suite := range suites {
		if suite != FallbackSCSV {
			kept = append(kept, suite)
		}
	}
	s.Config.CipherSuites = kept
}
