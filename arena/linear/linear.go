// Copyright 2024 The Sapling authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linear implements the arena.Backing interface on top of a
// single pre-committed byte slice, modelling a Wasm linear memory region
// (backing "linear"(initial, max)). Unlike arena/malloc, a linear
// backing never grows its underlying array after construction, so
// every slice it hands out keeps a stable address for the lifetime of
// the backing. This is the backing an Env should use when compiled to
// Wasm, where the host's notion of "memory.grow" would otherwise
// invalidate previously-handed-out pointers.
package linear

import (
	"fmt"

	"github.com/lambkin-lang/sapling/arena"
)

// New returns a linear-memory-style arena.Backing. initial is recorded
// for diagnostic purposes only (this implementation commits max bytes
// up front, rather than growing from initial to max on demand, in order
// to guarantee address stability); max is the hard capacity in bytes.
func New(initial, max int) (arena.Backing, error) {
	if max <= 0 {
		return nil, fmt.Errorf("linear: max must be positive, got %d", max)
	}
	if initial < 0 || initial > max {
		return nil, fmt.Errorf("linear: initial (%d) must be in [0, max=%d]", initial, max)
	}
	return &backing{buf: make([]byte, max), initial: initial, max: max}, nil
}

type backing struct {
	buf     []byte
	cursor  int
	initial int
	max     int
}

func (b *backing) Reserve(size int) ([]byte, error) {
	if size < 0 || b.cursor+size > b.max {
		return nil, &arena.ErrFull{Requested: size}
	}
	start := b.cursor
	b.cursor += size
	// Full slice expression caps len==cap so callers can never
	// accidentally grow into the next allocation via append.
	return b.buf[start:b.cursor:b.cursor], nil
}

// Release is a no-op: a bump allocator over a fixed linear region has no
// way to reclaim an arbitrary interior span, mirroring how Wasm linear
// memory itself has no concept of freeing a byte range.
func (b *backing) Release(_ []byte) {}

func (b *backing) Close() error {
	b.buf = nil
	return nil
}
