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

// Codec is one logical stream's handle on its connection. The call
// driver uses it to frame a single request/response exchange; this
// package uses it to cancel a stream without necessarily discarding
// the connection.
type Codec interface {
	// Connection returns the physical connection carrying the stream.
	Connection() *Conn
	// Cancel aborts the stream. On a multiplexed connection only the
	// stream is torn down; on HTTP/1.1 the whole connection must go.
	Cancel()
}

// h1Codec frames one exchange over an HTTP/1.1 connection. The
// connection carries nothing else, so canceling the stream closes the
// socket.
type h1Codec struct {
	conn *Conn
}

func (c *h1Codec) Connection() *Conn {
	return c.conn
}

func (c *h1Codec) Cancel() {
	c.conn.cancel()
}

// h2Codec frames one stream of a multiplexed connection. Cancel sends
// a per-stream reset; sibling streams keep going.
type h2Codec struct {
	conn     *Conn
	streamID uint32
}

func (c *h2Codec) Connection() *Conn {
	return c.conn
}

func (c *h2Codec) Cancel() {
	// A stream reset is all that's needed; the connection survives.
	// The call driver observes the cancellation as a stream error.
	c.conn.resetStream(c.streamID)
}
