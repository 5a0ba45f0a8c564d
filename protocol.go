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

import "github.com/bufbuild/httpconn/bytetrie"

// Protocol identifies the application protocol negotiated on a
// connection. Values match ALPN protocol identifiers.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "http/1.1"
	ProtocolHTTP2 Protocol = "h2"
)

// Multiplexed reports whether the protocol carries multiple
// concurrent streams on one connection.
func (p Protocol) Multiplexed() bool {
	return p == ProtocolHTTP2
}

var alpnTokens = bytetrie.MustNewStrings(
	string(ProtocolHTTP1),
	string(ProtocolHTTP2),
)

// protocolFromALPN maps a negotiated ALPN token to a Protocol. An
// empty or unrecognized token means plain HTTP/1.1: TLS servers that
// do not speak ALPN still expect HTTP/1.1, and cleartext connections
// never negotiate.
func protocolFromALPN(token string) Protocol {
	switch alpnTokens.Match([]byte(token)) {
	case 1:
		return ProtocolHTTP2
	default:
		return ProtocolHTTP1
	}
}
