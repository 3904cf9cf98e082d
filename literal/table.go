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

// Package literal implements LiteralTable: an
// append-only, content-addressed byte table. Identical content added
// twice dedups to the same id; storage bump-allocates across arena
// pages, with a dedicated node for any entry too large to fit a page.
// Once Seal is called, reads need no further synchronization.
package literal

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/lambkin-lang/sapling"
)

// ID is the well-known SubsystemID this package registers under.
const ID sapling.SubsystemID = 3

// maxID is the largest id a 30-bit LITERAL handle payload can carry.
const maxID = 1<<30 - 1

// emptySlot marks an unused index-table slot.
const emptySlot = -1

// loadFactorGrowAt is the stated growth threshold.
const loadFactorGrowAt = 0.75

// entryRef locates one stored entry's bytes, either inside a shared
// bump-allocated page or (for oversized entries) its own dedicated
// node.
type entryRef struct {
	oversized bool
	pageID    uint32 // valid when !oversized
	nodeID    uint32 // valid when oversized
	offset    int
	length    int
}

// Table is a LiteralTable. The zero value is not usable; construct one
// with New.
type Table struct {
	env    *sapling.Env
	sealed atomic.Bool

	entries []entryRef
	index   []int32 // open-addressing slots holding entry ids, or emptySlot
	hashes  []uint32

	curPageID  uint32
	curPageBuf []byte
	curOffset  int
}

// New creates an empty, unsealed Table.
func New(env *sapling.Env) *Table {
	t := &Table{env: env}
	t.index = newIndex(16)
	t.hashes = make([]uint32, 16)
	return t
}

// Free is a documentation-only no-op: entries live in the Env's Arena
// and are reclaimed with it, same as every other COW-value subsystem
// here.
func Free(env *sapling.Env, t *Table) {}

func newIndex(n int) []int32 {
	idx := make([]int32, n)
	for i := range idx {
		idx[i] = emptySlot
	}
	return idx
}

func fnv1a(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}

// probe returns the index-table slot holding data's entry id, or the
// first empty slot where it should be inserted, plus whether an
// existing match was found.
func (t *Table) probe(data []byte, h uint32) (slot int, id uint32, found bool) {
	n := len(t.index)
	mask := uint32(n - 1)
	start := h & mask
	for i := uint32(0); i < uint32(n); i++ {
		s := int((start + i) & mask)
		eid := t.index[s]
		if eid == emptySlot {
			return s, 0, false
		}
		if t.hashes[s] == h {
			existing, err := t.resolve(t.entries[eid])
			if err == nil && bytes.Equal(existing, data) {
				return s, uint32(eid), true
			}
		}
	}
	// Unreachable in practice: grow keeps the table well below full.
	return -1, 0, false
}

// growIndex doubles the index table and re-inserts every live entry id
// by its cached hash. It never needs to re-resolve or re-compare entry
// bytes: the original probe that placed each id already confirmed its
// hash/content pairing, and a hash collision between two *different*
// ids during rehash just lands them in different slots the same way it
// did the first time.
func (t *Table) growIndex() {
	old := t.index
	oldHashes := t.hashes
	t.index = newIndex(len(old) * 2)
	t.hashes = make([]uint32, len(old)*2)
	mask := uint32(len(t.index) - 1)
	for s, eid := range old {
		if eid == emptySlot {
			continue
		}
		h := oldHashes[s]
		ns := h & mask
		for t.index[ns] != emptySlot {
			ns = (ns + 1) & mask
		}
		t.index[ns] = eid
		t.hashes[ns] = h
	}
}

func (t *Table) resolve(e entryRef) ([]byte, error) {
	var buf []byte
	if e.oversized {
		buf = t.env.Arena().ResolveNode(e.nodeID)
	} else {
		buf = t.env.Arena().Resolve(e.pageID)
	}
	if buf == nil {
		return nil, sapling.NewError(sapling.KindCorrupt, "literal.resolve", fmt.Errorf("backing page/node reclaimed"))
	}
	return buf[e.offset : e.offset+e.length], nil
}

// Add stores data, returning its id. Adding identical content twice
// returns the same id (the table's dedup property).
func Add(txn *sapling.Txn, t *Table, data []byte) (uint32, error) {
	const op = "literal.Add"
	if t.sealed.Load() {
		return 0, sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("table is sealed"))
	}
	if err := txn.CheckWritable(op); err != nil {
		return 0, err
	}

	h := fnv1a(data)
	if _, id, found := t.probe(data, h); found {
		return id, nil
	}
	if len(t.entries) > maxID {
		return 0, sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("id space exhausted"))
	}

	ref, err := t.store(txn, data)
	if err != nil {
		return 0, err
	}
	id := len(t.entries)
	t.entries = append(t.entries, ref)

	if float64(id+1) >= loadFactorGrowAt*float64(len(t.index)) {
		t.growIndex()
	}
	slot, _, _ := t.probe(data, h)
	t.index[slot] = int32(id)
	t.hashes[slot] = h

	klog.V(2).Infof("%s: id=%d len=%d", op, id, len(data))
	return uint32(id), nil
}

func (t *Table) store(txn *sapling.Txn, data []byte) (entryRef, error) {
	const op = "literal.store"
	pageSize := txn.Env().PageSize()

	if len(data) > pageSize {
		buf, nodeID, err := txn.Arena().AllocNode(len(data))
		if err != nil {
			return entryRef{}, sapling.NewError(sapling.KindOOM, op, err)
		}
		copy(buf, data)
		txn.RecordAlloc()
		return entryRef{oversized: true, nodeID: nodeID, offset: 0, length: len(data)}, nil
	}

	if t.curPageBuf == nil || t.curOffset+len(data) > len(t.curPageBuf) {
		buf, pageID, err := txn.Arena().AllocPage()
		if err != nil {
			return entryRef{}, sapling.NewError(sapling.KindOOM, op, err)
		}
		t.curPageBuf = buf
		t.curPageID = pageID
		t.curOffset = 0
		txn.RecordAlloc()
	}
	copy(t.curPageBuf[t.curOffset:], data)
	ref := entryRef{pageID: t.curPageID, offset: t.curOffset, length: len(data)}
	t.curOffset += len(data)
	return ref, nil
}

// Get returns the bytes stored under id.
func (t *Table) Get(id uint32) ([]byte, error) {
	if int(id) >= len(t.entries) {
		return nil, sapling.NewError(sapling.KindRange, "literal.Get", nil)
	}
	return t.resolve(t.entries[id])
}

// Resolve adapts Get to text.LiteralResolveFn's (id, ctx) signature.
func (t *Table) Resolve(id uint32, _ any) ([]byte, error) {
	return t.Get(id)
}

// Adder adapts Add to text.LiteralAdder's (data) signature for a fixed
// txn, for callers wiring FromUTF8Bulk against this table.
func (t *Table) Adder(txn *sapling.Txn) func([]byte) (uint32, error) {
	return func(data []byte) (uint32, error) { return Add(txn, t, data) }
}

// Seal forbids further Add calls and makes concurrent Get safe without
// external locking: the atomic store here is the release that pairs
// with IsSealed's atomic load as the read-side acquire (per the
// decision 3).
func Seal(t *Table) {
	t.sealed.Store(true)
}

// IsSealed reports whether Seal has been called.
func (t *Table) IsSealed() bool {
	return t.sealed.Load()
}

// Count returns the number of distinct entries stored.
func (t *Table) Count() int {
	return len(t.entries)
}

// Register installs the LiteralTable subsystem with env. Tables are
// COW-free append-only values owned by the caller (like Seq and Text),
// so there is no per-txn draft state to merge; entries added by an
// aborted txn are simply orphaned in the arena, consistent with the
// "accept unbounded growth" choice already made for BEPT's orphan nodes
// (DESIGN.md open question 2).
func Register(env *sapling.Env) error {
	return env.RegisterSubsystem(ID, sapling.Callbacks{
		OnBegin:      func(parent any) (any, error) { return parent, nil },
		OnCommit:     func(_, child any) (any, error) { return child, nil },
		OnAbort:      func(any) {},
		OnEnvDestroy: func(any) {},
	})
}
