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

package route

import "sync"

// Database records which routes have recently failed, so selectors can
// try them last. A route leaves the blacklist as soon as a connection
// over it succeeds.
//
// A Database is safe for concurrent use and is typically shared by all
// selectors targeting the same connection pool.
type Database struct {
	mu     sync.Mutex
	failed map[string]struct{}
}

// NewDatabase returns an empty Database.
func NewDatabase() *Database {
	return &Database{failed: map[string]struct{}{}}
}

// Failed records a connection failure on the given route.
func (d *Database) Failed(r Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed[r.key()] = struct{}{}
}

// Connected records a successful connection on the given route,
// clearing any failure record.
func (d *Database) Connected(r Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failed, r.key())
}

// ShouldPostpone reports whether the route failed recently and should
// be attempted only after routes with no such history.
func (d *Database) ShouldPostpone(r Route) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.failed[r.key()]
	return ok
}

// Len returns the number of routes currently recorded as failed.
func (d *Database) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.failed)
}
