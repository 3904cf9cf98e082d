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

package thatch_test

import (
	"bytes"
	"testing"

	"github.com/lambkin-lang/sapling"
	"github.com/lambkin-lang/sapling/arena/malloc"
	"github.com/lambkin-lang/sapling/thatch"
)

func newTestTxn(t *testing.T) (*sapling.Env, *sapling.Txn) {
	t.Helper()
	env := sapling.NewEnv(malloc.New())
	if err := thatch.Register(env); err != nil {
		t.Fatalf("thatch.Register: %v", err)
	}
	txn, err := sapling.Begin(env, nil, sapling.ReadWrite)
	if err != nil {
		t.Fatalf("sapling.Begin: %v", err)
	}
	return env, txn
}

// TestSkipBackpatchReproducesScenario6 reproduces scenario 6
// exactly.
func TestSkipBackpatchReproducesScenario6(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	r, err := thatch.New(txn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := thatch.WriteTag(txn, r, 0x07); err != nil {
		t.Fatalf("WriteTag(0x07): %v", err)
	}
	slot, err := thatch.ReserveSkip(txn, r)
	if err != nil {
		t.Fatalf("ReserveSkip: %v", err)
	}
	if err := thatch.WriteTag(txn, r, 0x01); err != nil {
		t.Fatalf("WriteTag(0x01): %v", err)
	}
	if err := thatch.WriteTag(txn, r, 0x02); err != nil {
		t.Fatalf("WriteTag(0x02): %v", err)
	}
	if err := thatch.CommitSkip(txn, r, slot); err != nil {
		t.Fatalf("CommitSkip: %v", err)
	}

	wantHead := 1 + 4 + 1 + 1
	if r.Head() != wantHead {
		t.Fatalf("Head: got %d, want %d", r.Head(), wantHead)
	}

	c := thatch.NewCursor(r)
	tag, err := c.ReadTag()
	if err != nil || tag != 0x07 {
		t.Fatalf("ReadTag: got %#x, %v; want 0x07, nil", tag, err)
	}
	skipLen, err := c.ReadSkipLen()
	if err != nil {
		t.Fatalf("ReadSkipLen: %v", err)
	}
	if skipLen != 2 {
		t.Fatalf("ReadSkipLen: got %d, want 2", skipLen)
	}
	if err := c.AdvanceCursor(int(skipLen)); err != nil {
		t.Fatalf("AdvanceCursor(%d): %v", skipLen, err)
	}
	if c.Pos() != r.Head() {
		t.Errorf("cursor after AdvanceCursor: got pos %d, want head %d", c.Pos(), r.Head())
	}
}

func TestWriteDataAndReadData(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	r, err := thatch.New(txn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := thatch.WriteTag(txn, r, 0x02); err != nil {
		t.Fatalf("WriteTag: %v", err)
	}
	if err := thatch.WriteData(txn, r, []byte("hello")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	c := thatch.NewCursor(r)
	if _, err := c.ReadTag(); err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	peek, err := c.ReadPtr(5)
	if err != nil || !bytes.Equal(peek, []byte("hello")) {
		t.Fatalf("ReadPtr = %q, %v; want %q, nil", peek, err, "hello")
	}
	if c.Pos() != 1 {
		t.Errorf("ReadPtr must not advance cursor: got pos %d, want 1", c.Pos())
	}
	got, err := c.ReadData(5)
	if err != nil || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("ReadData = %q, %v; want %q, nil", got, err, "hello")
	}
	if c.Pos() != 6 {
		t.Errorf("ReadData must advance cursor: got pos %d, want 6", c.Pos())
	}
}

func TestReadPastHeadReturnsRange(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	r, err := thatch.New(txn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := thatch.WriteTag(txn, r, 0x01); err != nil {
		t.Fatalf("WriteTag: %v", err)
	}

	c := thatch.NewCursor(r)
	if _, err := c.ReadTag(); err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if _, err := c.ReadTag(); err == nil {
		t.Fatalf("ReadTag past head: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindRange {
		t.Errorf("ReadTag past head: got %v, want KindRange", err)
	}
	if err := c.AdvanceCursor(1); err == nil {
		t.Fatalf("AdvanceCursor past head: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindRange {
		t.Errorf("AdvanceCursor past head: got %v, want KindRange", err)
	}
}

func TestCommitSkipValidatesSlotBound(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	r, err := thatch.New(txn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	slot, err := thatch.ReserveSkip(txn, r)
	if err != nil {
		t.Fatalf("ReserveSkip: %v", err)
	}
	// head is exactly slot+4 here, so slot+4 <= head holds; this must
	// succeed trivially (zero bytes written since the reservation).
	if err := thatch.CommitSkip(txn, r, slot); err != nil {
		t.Fatalf("CommitSkip at exact bound: %v", err)
	}

	if err := thatch.CommitSkip(txn, r, slot+100); err == nil {
		t.Fatalf("CommitSkip past head: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindRange {
		t.Errorf("CommitSkip past head: got %v, want KindRange", err)
	}
}

func TestSealRejectsFurtherWrites(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	r, err := thatch.New(txn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := thatch.WriteTag(txn, r, 0x01); err != nil {
		t.Fatalf("WriteTag: %v", err)
	}
	if err := thatch.Seal(txn, r); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !r.IsSealed() {
		t.Fatalf("IsSealed: want true after Seal")
	}
	if err := thatch.WriteTag(txn, r, 0x02); err == nil {
		t.Fatalf("WriteTag after Seal: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindInvalid {
		t.Errorf("WriteTag after Seal: got %v, want KindInvalid", err)
	}

	// Reads remain valid up to head in either state.
	c := thatch.NewCursor(r)
	if _, err := c.ReadTag(); err != nil {
		t.Errorf("ReadTag after Seal: %v", err)
	}
}

func TestCapacityExhaustionYieldsOOM(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	r, err := thatch.New(txn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	big := make([]byte, r.Capacity()+1)
	if err := thatch.WriteData(txn, r, big); err == nil {
		t.Fatalf("WriteData past capacity: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindOOM {
		t.Errorf("WriteData past capacity: got %v, want KindOOM", err)
	}
}

func TestReleaseRequiresActiveRegion(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	r, err := thatch.New(txn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := thatch.Release(txn, r); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := thatch.Release(txn, r); err == nil {
		t.Fatalf("double Release: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindInvalid {
		t.Errorf("double Release: got %v, want KindInvalid", err)
	}
}

// TestCommitSplicesRegionOntoParent reproduces the "regions are
// spliced onto the parent txn's list" nested-commit behavior.
func TestCommitSplicesRegionOntoParent(t *testing.T) {
	env := sapling.NewEnv(malloc.New())
	if err := thatch.Register(env); err != nil {
		t.Fatalf("thatch.Register: %v", err)
	}
	parent, err := sapling.Begin(env, nil, sapling.ReadWrite)
	if err != nil {
		t.Fatalf("Begin parent: %v", err)
	}
	defer env.Destroy()
	defer parent.Abort()

	child, err := sapling.Begin(env, parent, sapling.ReadWrite)
	if err != nil {
		t.Fatalf("Begin child: %v", err)
	}
	r, err := thatch.New(child)
	if err != nil {
		t.Fatalf("New in child: %v", err)
	}
	if err := thatch.WriteTag(child, r, 0x09); err != nil {
		t.Fatalf("WriteTag: %v", err)
	}
	if err := child.Commit(); err != nil {
		t.Fatalf("Commit child: %v", err)
	}

	if !r.IsSealed() {
		t.Errorf("region sealed state after commit: got false, want true")
	}
	if err := thatch.WriteTag(parent, r, 0x01); err == nil {
		t.Fatalf("WriteTag on sealed region after commit: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindInvalid {
		t.Errorf("WriteTag on sealed region after commit: got %v, want KindInvalid", err)
	}

	// The region created by child must now be releasable via parent.
	if err := thatch.Release(parent, r); err != nil {
		t.Fatalf("Release via parent after child commit: %v", err)
	}
}

// TestAbortFreesOnlyRegionsCreatedThisGeneration reproduces the
// abort semantics: a nested txn's abort must not disturb regions it
// merely inherited from its parent.
func TestAbortFreesOnlyRegionsCreatedThisGeneration(t *testing.T) {
	env := sapling.NewEnv(malloc.New())
	if err := thatch.Register(env); err != nil {
		t.Fatalf("thatch.Register: %v", err)
	}
	parent, err := sapling.Begin(env, nil, sapling.ReadWrite)
	if err != nil {
		t.Fatalf("Begin parent: %v", err)
	}
	defer env.Destroy()
	defer parent.Abort()

	parentRegion, err := thatch.New(parent)
	if err != nil {
		t.Fatalf("New in parent: %v", err)
	}

	child, err := sapling.Begin(env, parent, sapling.ReadWrite)
	if err != nil {
		t.Fatalf("Begin child: %v", err)
	}
	if _, err := thatch.New(child); err != nil {
		t.Fatalf("New in child: %v", err)
	}
	child.Abort()

	// parentRegion must still be releasable via parent: the child's
	// abort must not have freed it.
	if err := thatch.Release(parent, parentRegion); err != nil {
		t.Fatalf("Release parent region after child abort: %v", err)
	}
}

func TestReadOnlyTxnRejectsNewAndWrites(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	r, err := thatch.New(txn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	roEnv := sapling.NewEnv(malloc.New())
	if err := thatch.Register(roEnv); err != nil {
		t.Fatalf("thatch.Register: %v", err)
	}
	roTxn, err := sapling.Begin(roEnv, nil, sapling.ReadOnly)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer roEnv.Destroy()
	defer roTxn.Abort()

	if _, err := thatch.New(roTxn); err == nil {
		t.Fatalf("New under ReadOnly txn: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindReadonly {
		t.Errorf("New under ReadOnly txn: got %v, want KindReadonly", err)
	}
	if err := thatch.WriteTag(roTxn, r, 0x01); err == nil {
		t.Fatalf("WriteTag under ReadOnly txn: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindReadonly {
		t.Errorf("WriteTag under ReadOnly txn: got %v, want KindReadonly", err)
	}
}
