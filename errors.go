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
	"errors"
	"fmt"

	"golang.org/x/net/http2"

	"github.com/bufbuild/httpconn/route"
)

var (
	// ErrReleased is returned by [Allocation.NewStream] after the
	// allocation has been released.
	ErrReleased = errors.New("httpconn: allocation already released")

	// ErrCodecInProgress is returned by [Allocation.NewStream] when the
	// previous stream has not yet been finished or failed.
	ErrCodecInProgress = errors.New("httpconn: stream already in progress")

	// ErrCodecMismatch is returned by [Allocation.StreamFinished] when
	// the reported codec is not the allocation's current codec.
	ErrCodecMismatch = errors.New("httpconn: codec does not belong to this allocation")

	// ErrCanceled is returned when the allocation was canceled while a
	// stream or connection was being acquired.
	ErrCanceled = errors.New("httpconn: allocation canceled")

	// ErrConnectionShutdown indicates the peer initiated a graceful
	// shutdown (such as an HTTP/2 GOAWAY) and the connection will
	// accept no new streams.
	ErrConnectionShutdown = errors.New("httpconn: connection is shutting down")

	// ErrPoolClosed is returned for operations on a closed [Pool].
	ErrPoolClosed = errors.New("httpconn: pool is closed")
)

// StreamResetError indicates that a single stream was reset by the
// peer without compromising the rest of the connection.
type StreamResetError struct {
	Code http2.ErrCode
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("httpconn: stream reset: %v", e.Code)
}

// ConnectError wraps a failure to establish a connection on a
// specific route.
type ConnectError struct {
	Route route.Route
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("httpconn: failed to connect to %v: %v", &e.Route, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
