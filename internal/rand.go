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

package internal

import (
	"hash/maphash"
	"math/rand"
)

// NewRand returns a seeded *rand.Rand. Seeding goes through
// "hash/maphash", which draws on the runtime's per-thread RNG and so
// avoids the global rand source's lock.
//
// The returned value is not safe for concurrent use.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(randomSeed())) //nolint:gosec // not used for cryptography
}

func randomSeed() int64 {
	var hash maphash.Hash
	return int64(hash.Sum64())
}
