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

// Package clocktest adapts the clockwork fake clock to the
// internal.Clock interface. The adaptation is needed because Go
// compares interface-valued method signatures nominally: a clockwork
// method returning clockwork.Timer does not satisfy an interface
// method returning internal.Timer, even though the two interfaces are
// structurally identical.
package clocktest

import (
	"context"
	"time"

	"github.com/bufbuild/httpconn/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is an internal.Clock that is manually advanced through time.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock backed by clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

// NewTimer re-boxes the clockwork.Timer as an internal.Timer. See the
// package comment for why.
func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	return f.FakeClock.NewTimer(d)
}
