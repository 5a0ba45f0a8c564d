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

// Package bytetrie provides a compact matcher over a fixed set of
// byte-string options. The options are compiled once into a flat
// integer-encoded trie; matching an input against the set then costs
// O(length of the matched option) byte comparisons rather than
// O(number of options).
//
// The matcher is intended for hot token-scanning paths, such as
// recognizing a protocol name or header literal at the front of a
// byte stream.
package bytetrie

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// NotFound is returned by [Set.Match] when no option matches the input.
const NotFound = -1

var (
	errEmptyOption = errors.New("bytetrie: the empty byte string is not a supported option")
)

// Set is an immutable set of byte-string options and its compiled trie.
//
// The trie is a single []int32 holding a tree of nodes. Each node starts
// with two ints: a choice count and a "prefix result". A positive choice
// count introduces a SELECT node: the count is followed by that many
// candidate byte values in ascending order, then by that many steps, one
// per candidate. A negative choice count introduces a SCAN node: the
// magnitude is the number of bytes in the run, followed by the run itself
// and then a single step. A step that is >= 0 is a terminal option index;
// a negative step is the additive inverse of the absolute offset of the
// child node. All child offsets point strictly forward, so the encoding
// is relocatable and needs no pointer fix-up.
type Set struct {
	options [][]byte
	trie    []int32
}

// New builds a Set from the given options. The match result for an input
// is the index of the matched option in the order given here.
//
// An empty option or a duplicate option is a construction error. An
// option that can never match because an earlier-listed option is a
// prefix of it is silently dropped.
func New(options ...[]byte) (*Set, error) {
	kept := make([][]byte, len(options))
	for i, option := range options {
		if len(option) == 0 {
			return nil, errEmptyOption
		}
		kept[i] = bytes.Clone(option)
	}
	if len(kept) == 0 {
		// A trivial trie: a SELECT node with zero choices and no prefix.
		return &Set{trie: []int32{0, NotFound}}, nil
	}

	// Sort the options byte-wise, remembering each option's caller index.
	sorted := make([][]byte, len(kept))
	copy(sorted, kept)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	indexes := make([]int32, len(sorted))
	taken := make([]bool, len(kept))
	for s, option := range sorted {
		indexes[s] = NotFound
		for i, original := range kept {
			if !taken[i] && bytes.Equal(option, original) {
				indexes[s] = int32(i)
				taken[i] = true
				break
			}
		}
	}

	// Strip options that will never be returned because they follow their
	// own prefixes. Options sort immediately after their prefixes, so a
	// single forward scan per option finds them all.
	for a := 0; a < len(sorted); a++ {
		prefix := sorted[a]
		for b := a + 1; b < len(sorted); {
			option := sorted[b]
			if !bytes.HasPrefix(option, prefix) {
				break
			}
			if len(option) == len(prefix) {
				return nil, fmt.Errorf("bytetrie: duplicate option: %q", option)
			}
			if indexes[b] > indexes[a] {
				sorted = append(sorted[:b], sorted[b+1:]...)
				indexes = append(indexes[:b], indexes[b+1:]...)
			} else {
				b++
			}
		}
	}

	var trie []int32
	trie = buildTrie(0, trie, 0, sorted, 0, len(sorted), indexes)
	return &Set{options: kept, trie: trie}, nil
}

// NewStrings is like [New] but takes string options.
func NewStrings(options ...string) (*Set, error) {
	byteOptions := make([][]byte, len(options))
	for i, option := range options {
		byteOptions[i] = []byte(option)
	}
	return New(byteOptions...)
}

// MustNew is like [New] but panics on a construction error. It is
// intended for package-level matchers built from literal options.
func MustNew(options ...[]byte) *Set {
	set, err := New(options...)
	if err != nil {
		panic(err)
	}
	return set
}

// MustNewStrings is like [NewStrings] but panics on a construction error.
func MustNewStrings(options ...string) *Set {
	set, err := NewStrings(options...)
	if err != nil {
		panic(err)
	}
	return set
}

// Len returns the number of options in the set, including options that
// were dropped at construction time.
func (s *Set) Len() int {
	return len(s.options)
}

// Option returns the option at the given caller index.
func (s *Set) Option(i int) []byte {
	return bytes.Clone(s.options[i])
}

// Match runs the automaton against the front of data and returns the
// caller index of the matched option, or [NotFound]. Matching never reads
// past the bytes needed to decide: once an option is fully matched and no
// longer option can extend it, later input bytes are not examined. If
// data diverges from (or is exhausted within) a longer option part-way
// through, the most recently completed shorter option wins.
func (s *Set) Match(data []byte) int {
	if len(s.options) == 0 {
		return NotFound
	}
	trie := s.trie
	triePos := 0
	pos := 0
	prefixIndex := NotFound
	for {
		choiceCount := int(trie[triePos])
		triePos++
		if p := trie[triePos]; p != NotFound {
			prefixIndex = int(p)
		}
		triePos++

		var nextStep int32
		if choiceCount > 0 {
			// A SELECT node: branch on a single byte.
			if pos == len(data) {
				return prefixIndex
			}
			b := int32(data[pos])
			pos++
			selectLimit := triePos + choiceCount
			for {
				if triePos == selectLimit {
					return prefixIndex // no branch for this byte
				}
				if b == trie[triePos] {
					nextStep = trie[triePos+choiceCount]
					break
				}
				triePos++
			}
		} else {
			// A SCAN node: match a run of bytes.
			scanByteCount := -choiceCount
			trieLimit := triePos + scanByteCount
			for {
				if pos == len(data) || int32(data[pos]) != trie[triePos] {
					return prefixIndex
				}
				pos++
				triePos++
				if triePos == trieLimit {
					nextStep = trie[triePos]
					break
				}
			}
		}

		if nextStep >= 0 {
			return int(nextStep) // terminal
		}
		triePos = int(-nextStep) // traverse forward to the child node
	}
}

// MatchString is like [Match] for string input.
func (s *Set) MatchString(data string) int {
	return s.Match([]byte(data))
}

// buildTrie appends the encoding of the options in sorted[from:to],
// considered from byteOffset onward, to node. nodeOffset is the absolute
// trie offset at which the node buffer begins; a sibling being appended
// therefore starts at nodeOffset+len(node). Children are emitted into a
// separate buffer placed immediately after all of a node's fixed-size
// content, which is why every child offset points strictly forward.
func buildTrie(
	nodeOffset int32,
	node []int32,
	byteOffset int,
	sorted [][]byte,
	from, to int,
	indexes []int32,
) []int32 {
	first := sorted[from]
	last := sorted[to-1]
	prefixIndex := int32(NotFound)

	// If the first option is fully consumed at this offset, it becomes
	// this node's prefix result.
	if byteOffset == len(first) {
		prefixIndex = indexes[from]
		from++
		first = sorted[from]
	}

	if first[byteOffset] != last[byteOffset] {
		// Divergent bytes at this offset: a SELECT node.
		choiceCount := 1
		for i := from + 1; i < to; i++ {
			if sorted[i-1][byteOffset] != sorted[i][byteOffset] {
				choiceCount++
			}
		}

		childNodesOffset := nodeOffset + int32(len(node)) + 2 + int32(choiceCount*2)
		node = append(node, int32(choiceCount), prefixIndex)
		for i := from; i < to; i++ {
			rangeByte := sorted[i][byteOffset]
			if i == from || rangeByte != sorted[i-1][byteOffset] {
				node = append(node, int32(rangeByte))
			}
		}

		var childNodes []int32
		rangeStart := from
		for rangeStart < to {
			rangeByte := sorted[rangeStart][byteOffset]
			rangeEnd := to
			for i := rangeStart + 1; i < to; i++ {
				if sorted[i][byteOffset] != rangeByte {
					rangeEnd = i
					break
				}
			}
			if rangeStart+1 == rangeEnd && byteOffset+1 == len(sorted[rangeStart]) {
				node = append(node, indexes[rangeStart]) // terminal
			} else {
				node = append(node, -(childNodesOffset + int32(len(childNodes))))
				childNodes = buildTrie(
					childNodesOffset,
					childNodes,
					byteOffset+1,
					sorted,
					rangeStart, rangeEnd,
					indexes,
				)
			}
			rangeStart = rangeEnd
		}
		return append(node, childNodes...)
	}

	// All options share the byte at this offset: a SCAN node over the
	// longest common run.
	scanByteCount := 0
	maxRun := len(first)
	if len(last) < maxRun {
		maxRun = len(last)
	}
	for i := byteOffset; i < maxRun && first[i] == last[i]; i++ {
		scanByteCount++
	}

	childNodesOffset := nodeOffset + int32(len(node)) + 2 + int32(scanByteCount) + 1
	node = append(node, int32(-scanByteCount), prefixIndex)
	for i := byteOffset; i < byteOffset+scanByteCount; i++ {
		node = append(node, int32(first[i]))
	}

	if from+1 == to {
		// A single option remains and the run consumed all of it.
		return append(node, indexes[from])
	}
	var childNodes []int32
	node = append(node, -childNodesOffset)
	childNodes = buildTrie(childNodesOffset, childNodes, byteOffset+scanByteCount, sorted, from, to, indexes)
	return append(node, childNodes...)
}
