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

//go:build unix

// Package mmap implements the arena.Backing interface over a single
// mmap(2)-backed region (backing "mmap"(fd, max_bytes)). The
// whole region is reserved up front with a bump cursor, exactly like
// arena/linear, so that handed-out slices keep stable addresses; the
// only difference from arena/linear is where the bytes physically come
// from.
package mmap

import (
	"fmt"

	"github.com/lambkin-lang/sapling/arena"
	"golang.org/x/sys/unix"
)

// New mmaps maxBytes from fd (at offset 0) and returns a backing that
// bump-allocates out of that region. The caller retains ownership of fd
// and is responsible for closing it after Close returns.
func New(fd int, maxBytes int) (arena.Backing, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("mmap: maxBytes must be positive, got %d", maxBytes)
	}
	buf, err := unix.Mmap(fd, 0, maxBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: Mmap(fd=%d, len=%d): %w", fd, maxBytes, err)
	}
	return &backing{buf: buf, max: maxBytes}, nil
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
	for i := start; i < b.cursor; i++ {
		b.buf[i] = 0
	}
	return b.buf[start:b.cursor:b.cursor], nil
}

// Release is a no-op for the same reason as arena/linear: this is a
// bump allocator, not a general-purpose one.
func (b *backing) Release(_ []byte) {}

func (b *backing) Close() error {
	if b.buf == nil {
		return nil
	}
	err := unix.Munmap(b.buf)
	b.buf = nil
	return err
}
