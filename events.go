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

import "log/slog"

// Listener observes connection and call lifecycle events. Methods may
// be invoked concurrently from multiple goroutines but never while
// pool locks are held, so implementations are free to block (though
// they shouldn't for long).
type Listener interface {
	// ConnectionAcquired fires when an allocation binds a connection,
	// whether freshly established or reused from the pool.
	ConnectionAcquired(call any, conn *Conn)
	// ConnectionReleased fires when an allocation's binding to a
	// connection ends.
	ConnectionReleased(call any, conn *Conn)
	// CallEnd fires once when the allocation's call completes.
	CallEnd(call any)
	// CallFailed fires when a stream attempt fails with the given
	// error. The call may still retry on another connection.
	CallFailed(call any, err error)
}

// StreamObserver is an optional extension of [Listener]. When a
// listener implements it, StreamEnd fires once per finished stream
// with the number of response body bytes the stream read and the
// error it finished with, if any.
type StreamObserver interface {
	StreamEnd(call any, bytesRead int64, err error)
}

// NopListener is a [Listener] that ignores all events.
type NopListener struct{}

func (NopListener) ConnectionAcquired(any, *Conn) {}
func (NopListener) ConnectionReleased(any, *Conn) {}
func (NopListener) CallEnd(any)                   {}
func (NopListener) CallFailed(any, error)         {}

// NewLoggingListener returns a [Listener] that records events to the
// given logger at debug level. If logger is nil, [slog.Default] is
// used.
func NewLoggingListener(logger *slog.Logger) Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingListener{logger: logger}
}

type loggingListener struct {
	logger *slog.Logger
}

func (l *loggingListener) ConnectionAcquired(_ any, conn *Conn) {
	l.logger.Debug("connection acquired",
		slog.String("route", conn.Route().String()),
		slog.String("protocol", string(conn.Protocol())),
	)
}

func (l *loggingListener) ConnectionReleased(_ any, conn *Conn) {
	l.logger.Debug("connection released",
		slog.String("route", conn.Route().String()),
	)
}

func (l *loggingListener) CallEnd(any) {
	l.logger.Debug("call finished")
}

func (l *loggingListener) CallFailed(_ any, err error) {
	l.logger.Debug("call failed", slog.Any("error", err))
}

// MultiListener fans events out to several listeners in order.
type MultiListener []Listener

func (m MultiListener) ConnectionAcquired(call any, conn *Conn) {
	for _, l := range m {
		l.ConnectionAcquired(call, conn)
	}
}

func (m MultiListener) ConnectionReleased(call any, conn *Conn) {
	for _, l := range m {
		l.ConnectionReleased(call, conn)
	}
}

func (m MultiListener) CallEnd(call any) {
	for _, l := range m {
		l.CallEnd(call)
	}
}

func (m MultiListener) CallFailed(call any, err error) {
	for _, l := range m {
		l.CallFailed(call, err)
	}
}

func (m MultiListener) StreamEnd(call any, bytesRead int64, err error) {
	for _, l := range m {
		if observer, ok := l.(StreamObserver); ok {
			observer.StreamEnd(call, bytesRead, err)
		}
	}
}
