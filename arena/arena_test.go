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

package arena_test

import (
	"errors"
	"testing"

	"github.com/lambkin-lang/sapling/arena"
	"github.com/lambkin-lang/sapling/arena/linear"
	"github.com/lambkin-lang/sapling/arena/malloc"
)

func TestAllocPageRecyclesFreedIDs(t *testing.T) {
	a := arena.New(malloc.New(), 64)

	_, id0, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	a.FreePage(id0)
	_, id1, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if id1 != id0 {
		t.Errorf("expected freed page ID %d to be recycled, got %d", id0, id1)
	}
}

func TestAllocNodeNeverRecycles(t *testing.T) {
	a := arena.New(malloc.New(), 64)

	_, id0, err := a.AllocNode(8)
	if err != nil {
		t.Fatalf("AllocNode: %v", err)
	}
	a.FreeNode(id0, 8)
	_, id1, err := a.AllocNode(8)
	if err != nil {
		t.Fatalf("AllocNode: %v", err)
	}
	if id1 == id0 {
		t.Errorf("node IDs should never be recycled, got %d twice", id0)
	}
}

func TestResolveReturnsNilAfterFree(t *testing.T) {
	a := arena.New(malloc.New(), 64)
	buf, id, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	buf[0] = 0xAB
	if got := a.Resolve(id); got == nil || got[0] != 0xAB {
		t.Fatalf("Resolve before free: got %v", got)
	}
	a.FreePage(id)
	if got := a.Resolve(id); got != nil {
		t.Errorf("Resolve after free: want nil, got %v", got)
	}
}

func TestLinearBackingFull(t *testing.T) {
	b, err := linear.New(0, 16)
	if err != nil {
		t.Fatalf("linear.New: %v", err)
	}
	a := arena.New(b, 8)

	if _, _, err := a.AllocPage(); err != nil {
		t.Fatalf("first AllocPage: %v", err)
	}
	if _, _, err := a.AllocPage(); err != nil {
		t.Fatalf("second AllocPage: %v", err)
	}
	if _, _, err := a.AllocPage(); err == nil {
		t.Fatalf("third AllocPage: want ErrFull, got nil")
	} else if !errors.As(err, new(*arena.ErrFull)) {
		t.Errorf("third AllocPage: want *arena.ErrFull, got %T: %v", err, err)
	}
}

func TestAllocFailureLeavesArenaUnchanged(t *testing.T) {
	b, err := linear.New(0, 8)
	if err != nil {
		t.Fatalf("linear.New: %v", err)
	}
	a := arena.New(b, 8)

	before := a.Stats()
	if _, _, err := a.AllocNode(9); err == nil {
		t.Fatalf("AllocNode(9) over an 8-byte backing: want error, got nil")
	}
	after := a.Stats()
	if before != after {
		t.Errorf("failed alloc changed Stats: before=%+v after=%+v", before, after)
	}
}

func TestLinearAddressStabilityAcrossFurtherAllocs(t *testing.T) {
	b, err := linear.New(0, 64)
	if err != nil {
		t.Fatalf("linear.New: %v", err)
	}
	a := arena.New(b, 8)

	buf0, _, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	buf0[0] = 42
	if _, _, err := a.AllocPage(); err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if buf0[0] != 42 {
		t.Errorf("address instability: expected buf0[0]==42 after further allocs, got %d", buf0[0])
	}
}
