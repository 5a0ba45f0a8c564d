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

// Package httpconn manages physical connections for HTTP calls. It
// binds each logical call to a sequence of streams over one or more
// pooled connections, handling acquisition, health checking, failure
// classification, retry accounting, and release.
//
// The three central types are:
//
//   - [Pool]: a shared store of reusable physical connections, keyed
//     by destination address, with background eviction of idle
//     connections.
//   - [Conn]: one physical TCP(+TLS) connection, its negotiated
//     protocol, and the bounded set of logical streams it may carry.
//   - [Allocation]: the binding of one logical call to at most one
//     connection and at most one open stream at a time. An allocation
//     may traverse several connections over its lifetime as retries
//     occur, but only one at a time.
//
// A call driver creates an [Allocation] via [Pool.NewAllocation] and
// requests a stream per attempt with [Allocation.NewStream]. The
// allocation finds a healthy pooled connection or establishes a new
// one, using a [route.Selector] for candidate routes and the
// [tlsprofile] package for TLS negotiation with profile fallback. The
// driver reports the attempt's outcome back through
// [Allocation.StreamFinished] or [Allocation.StreamFailed], which
// updates health and retry state and releases or retires the
// connection.
//
// All pool membership changes, connection allocation sets, and
// allocation state transitions share one pool-wide mutex. Blocking
// work, in particular route resolution and the TCP+TLS handshake,
// always happens outside that mutex, with state revalidated on every
// reacquisition.
package httpconn
