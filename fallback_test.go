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
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufbuild/httpconn/tlsprofile"
)

func TestRetryableHandshakeError(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"cert verification", &tls.CertificateVerificationError{Err: errors.New("bad cert")}, false},
		{"unknown authority", x509.UnknownAuthorityError{}, false},
		{"hostname mismatch", x509.HostnameError{Certificate: &x509.Certificate{}, Host: "example.com"}, false},
		{"record header", tls.RecordHeaderError{Msg: "not TLS"}, true},
		{"local transport", &net.OpError{Op: "read", Err: io.ErrUnexpectedEOF}, false},
		{"remote alert", &net.OpError{Op: "remote error", Err: errors.New("handshake failure")}, true},
		{"other handshake failure", errors.New("tls: unsupported versions"), true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.retryable, retryableHandshakeError(testCase.err))
		})
	}
}

func TestProfileSelectorFallback(t *testing.T) {
	t.Parallel()
	selector := newProfileSelector([]tlsprofile.Profile{tlsprofile.ModernTLS, tlsprofile.CompatibleTLS})

	// Each attempt configures a fresh config; the selector only tracks
	// position and fallback state across attempts.
	first := &tls.Config{MinVersion: tls.VersionTLS10}
	profile, err := selector.configure(tlsprofile.ConfigSocket{Config: first})
	require.NoError(t, err)
	assert.True(t, profile.Equal(tlsprofile.ModernTLS))
	assert.False(t, selector.isFallback)
	assert.True(t, selector.isFallbackPossible)

	require.True(t, selector.connectionFailed(tls.RecordHeaderError{Msg: "peer rejected hello"}))
	assert.True(t, selector.isFallback)

	second := &tls.Config{MinVersion: tls.VersionTLS10}
	profile, err = selector.configure(tlsprofile.ConfigSocket{Config: second})
	require.NoError(t, err)
	assert.True(t, profile.Equal(tlsprofile.CompatibleTLS))
	assert.Equal(t, uint16(tls.VersionTLS10), second.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS10), second.MaxVersion)
	assert.False(t, selector.isFallbackPossible)

	// Nothing left to fall back to.
	assert.False(t, selector.connectionFailed(tls.RecordHeaderError{}))
}

func TestProfileSelectorSkipsCleartext(t *testing.T) {
	t.Parallel()
	selector := newProfileSelector([]tlsprofile.Profile{tlsprofile.Cleartext, tlsprofile.ModernTLS})
	profile, err := selector.configure(tlsprofile.ConfigSocket{Config: &tls.Config{}})
	require.NoError(t, err)
	assert.True(t, profile.Equal(tlsprofile.ModernTLS))
	assert.False(t, selector.isFallbackPossible)
}

func TestProfileSelectorNoCompatibleProfile(t *testing.T) {
	t.Parallel()
	// The default config floor is TLS 1.2, which CompatibleTLS (TLS 1.0
	// only) cannot meet.
	selector := newProfileSelector([]tlsprofile.Profile{tlsprofile.CompatibleTLS})
	_, err := selector.configure(tlsprofile.ConfigSocket{Config: &tls.Config{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no TLS profile is compatible")

	// A final classification of the error must not flip fallback state.
	assert.False(t, selector.connectionFailed(errors.New("anything")))
	assert.False(t, selector.isFallback)
}

func TestProfileSelectorFinalErrorStopsFallback(t *testing.T) {
	t.Parallel()
	selector := newProfileSelector([]tlsprofile.Profile{tlsprofile.ModernTLS, tlsprofile.CompatibleTLS})
	_, err := selector.configure(tlsprofile.ConfigSocket{Config: &tls.Config{MinVersion: tls.VersionTLS10}})
	require.NoError(t, err)
	require.True(t, selector.isFallbackPossible)

	// Certificate failures are final even with profiles remaining.
	assert.False(t, selector.connectionFailed(&tls.CertificateVerificationError{Err: errors.New("expired")}))
	assert.False(t, selector.isFallback)
}
