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

// Package wasi implements the arena.Backing interface for the
// "wasi_fd" configuration option.
//
// The wasi runtime adapter itself is explicitly out of scope for this
// module; this package only satisfies the configuration
// surface so that an Env created with backing "wasi_fd" behaves
// predictably. WASI preview 1 has no portable mmap equivalent exposed
// through golang.org/x/sys, so unlike arena/mmap this backing commits
// its capacity as an ordinary Go byte slice (like arena/linear) sized
// from the preopened file's length, using fd purely to determine that
// capacity and as a liveness handle closed alongside the backing.
package wasi

import (
	"fmt"
	"os"

	"github.com/lambkin-lang/sapling/arena"
)

// New derives a capacity from the size of the file underlying f (a
// WASI preopened file descriptor surfaced to Go as an *os.File) and
// returns a bump-allocating backing over a heap buffer of that size.
// The caller retains ownership of f; Close does not close it.
func New(f *os.File) (arena.Backing, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("wasi: stat preopened fd: %w", err)
	}
	max := int(fi.Size())
	if max <= 0 {
		return nil, fmt.Errorf("wasi: preopened fd has non-positive size %d", fi.Size())
	}
	return &backing{buf: make([]byte, max), max: max}, nil
}

type backing struct {
	buf    []byte
	cursor int
	max    int
}

func (b *backing) Reserve(size int) ([]byte, error) {
	if size < 0 || b.cursor+size > b.max {
		return nil, &arena.ErrFull{Requested: size}
	}
	start := b.cursor
	b.cursor += size
	return b.buf[start:b.cursor:b.cursor], nil
}

func (b *backing) Release(_ []byte) {}

func (b *backing) Close() error {
	b.buf = nil
	return nil
}
