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
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/bufbuild/httpconn/tlsprofile"
)

// profileSelector walks an address's TLS profiles across handshake
// attempts, tracking whether the current attempt is a fallback (and
// so must advertise the fallback signal) and whether any further
// profile remains to fall back to.
type profileSelector struct {
	profiles           []tlsprofile.Profile
	nextIndex          int
	isFallback         bool
	isFallbackPossible bool
}

func newProfileSelector(profiles []tlsprofile.Profile) *profileSelector {
	return &profileSelector{profiles: profiles}
}

// configure picks the next profile compatible with the socket and
// applies it. It must be called once per handshake attempt.
func (s *profileSelector) configure(sock tlsprofile.Socket) (tlsprofile.Profile, error) {
	for i := s.nextIndex; i < len(s.profiles); i++ {
		profile := s.profiles[i]
		if !profile.IsTLS() || !profile.IsCompatible(sock) {
			continue
		}
		s.nextIndex = i + 1
		s.isFallbackPossible = s.anyCompatible(sock, s.nextIndex)
		profile.Apply(sock, s.isFallback)
		return profile, nil
	}
	return tlsprofile.Profile{}, fmt.Errorf(
		"httpconn: no TLS profile is compatible, already tried %d of %d (fallback=%v)",
		s.nextIndex, len(s.profiles), s.isFallback)
}

func (s *profileSelector) anyCompatible(sock tlsprofile.Socket, from int) bool {
	for i := from; i < len(s.profiles); i++ {
		if s.profiles[i].IsTLS() && s.profiles[i].IsCompatible(sock) {
			return true
		}
	}
	return false
}

// connectionFailed reports whether the handshake failure warrants
// retrying with the next profile. When it does, subsequent attempts
// run in fallback mode.
func (s *profileSelector) connectionFailed(err error) bool {
	if !s.isFallbackPossible {
		return false
	}
	if !retryableHandshakeError(err) {
		return false
	}
	s.isFallback = true
	return true
}

// retryableHandshakeError distinguishes handshake failures that a
// different TLS profile might fix from those it cannot. Certificate
// verification failures and I/O errors are final: retrying the same
// certificate or the same dead network with fewer cipher suites
// cannot succeed. Protocol-level rejections, such as a peer alert or
// a garbled record, may mean the peer disliked our parameters.
func retryableHandshakeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return false
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return false
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		// The peer answered with something that is not TLS at all,
		// often a plaintext HTTP error. A different profile still
		// speaks TLS, but a peer alert wrapped this way is retryable.
		return true
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Op != "remote error" {
		// A transport-level failure, not a negotiation failure.
		return false
	}
	return true
}
