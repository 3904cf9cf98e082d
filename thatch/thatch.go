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

// Package thatch implements the Thatch packed region:
// a bump-allocated byte region, one Arena page wide, with a tag+skip
// byte layout and reservable 4-byte skip markers for backpatching.
// Unlike Seq/Text/LiteralTable, a Region is not a COW value: its bytes
// are mutated in place through the bump cursor, and its lifecycle is
// slaved to the transaction that created it: committing splices it
// onto the parent's active-regions list, aborting frees it outright.
package thatch

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/lambkin-lang/sapling"
)

// ID is the well-known SubsystemID this package registers under.
const ID sapling.SubsystemID = 6

// Region is a bump-allocated packed byte region: a page, a capacity, a
// write cursor, and a sealed flag. The zero value is not usable;
// construct one with New.
type Region struct {
	headerNodeID uint32
	pageID       uint32
	page         []byte
	head         int
	sealed       atomic.Bool
}

// draftState is the per-txn-generation Thatch state. active holds every
// region visible to this generation (inherited from the parent plus any
// this generation created, minus any it released); created holds the
// regions this generation allocated plus those of any child generation
// that committed into it, which is exactly what this generation's own
// OnAbort must free; regions inherited from an ancestor are that
// ancestor's responsibility, not this generation's.
type draftState struct {
	active  []*Region
	created []*Region
}

func (s draftState) removeActive(r *Region) draftState {
	active := make([]*Region, 0, len(s.active))
	for _, e := range s.active {
		if e != r {
			active = append(active, e)
		}
	}
	created := make([]*Region, 0, len(s.created))
	for _, e := range s.created {
		if e != r {
			created = append(created, e)
		}
	}
	return draftState{active: active, created: created}
}

func draftOf(txn *sapling.Txn) draftState {
	st, _ := txn.SubsystemState(ID).(draftState)
	return st
}

func isActive(s draftState, r *Region) bool {
	for _, e := range s.active {
		if e == r {
			return true
		}
	}
	return false
}

// New allocates a Region (a header arena node plus one full page) and
// links it into txn's active-regions list.
func New(txn *sapling.Txn) (*Region, error) {
	const op = "thatch.New"
	if err := txn.CheckWritable(op); err != nil {
		return nil, err
	}

	_, headerID, err := txn.Arena().AllocNode(regionHeaderSize)
	if err != nil {
		return nil, sapling.NewError(sapling.KindOOM, op, err)
	}
	page, pageID, err := txn.Arena().AllocPage()
	if err != nil {
		txn.Arena().FreeNode(headerID, regionHeaderSize)
		return nil, sapling.NewError(sapling.KindOOM, op, err)
	}
	txn.RecordAlloc()

	r := &Region{headerNodeID: headerID, pageID: pageID, page: page}

	st := draftOf(txn)
	txn.SetSubsystemState(ID, draftState{
		active:  append(append([]*Region(nil), st.active...), r),
		created: append(append([]*Region(nil), st.created...), r),
	})
	klog.V(2).Infof("%s: pageID=%d capacity=%d", op, pageID, len(page))
	return r, nil
}

// regionHeaderSize is a notional arena-node charge for the Region
// record itself; the record's actual fields live in the native Go struct
// above, the same split seq/bept use between real Arena bookkeeping and
// native-pointer topology.
const regionHeaderSize = 32

// Capacity returns the region's fixed page capacity in bytes.
func (r *Region) Capacity() int { return len(r.page) }

// Head returns the region's current bump-write offset.
func (r *Region) Head() int { return r.head }

// IsSealed reports whether Seal has been called on r.
func (r *Region) IsSealed() bool { return r.sealed.Load() }

func checkWrite(txn *sapling.Txn, r *Region, op string, n int) error {
	if err := txn.CheckWritable(op); err != nil {
		return err
	}
	if r.sealed.Load() {
		return sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("region is sealed"))
	}
	if r.head+n > len(r.page) {
		return sapling.NewError(sapling.KindOOM, op, fmt.Errorf("page capacity %d exhausted at head %d", len(r.page), r.head))
	}
	return nil
}

// WriteTag appends one tag byte.
func WriteTag(txn *sapling.Txn, r *Region, tag byte) error {
	const op = "thatch.WriteTag"
	if err := checkWrite(txn, r, op, 1); err != nil {
		return err
	}
	r.page[r.head] = tag
	r.head++
	return nil
}

// WriteData appends data verbatim.
func WriteData(txn *sapling.Txn, r *Region, data []byte) error {
	const op = "thatch.WriteData"
	if err := checkWrite(txn, r, op, len(data)); err != nil {
		return err
	}
	copy(r.page[r.head:], data)
	r.head += len(data)
	return nil
}

// ReserveSkip reserves a 4-byte slot for later backpatching by
// CommitSkip, returning the slot's offset.
func ReserveSkip(txn *sapling.Txn, r *Region) (slot int, err error) {
	const op = "thatch.ReserveSkip"
	if err := checkWrite(txn, r, op, 4); err != nil {
		return 0, err
	}
	slot = r.head
	clear(r.page[slot : slot+4])
	r.head += 4
	return slot, nil
}

// CommitSkip backpatches slot (previously returned by ReserveSkip) with
// (head − slot − 4), the number of bytes written since the reservation.
func CommitSkip(txn *sapling.Txn, r *Region, slot int) error {
	const op = "thatch.CommitSkip"
	if err := txn.CheckWritable(op); err != nil {
		return err
	}
	if r.sealed.Load() {
		return sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("region is sealed"))
	}
	if slot+4 > r.head {
		return sapling.NewError(sapling.KindRange, op, fmt.Errorf("slot %d+4 exceeds head %d", slot, r.head))
	}
	binary.NativeEndian.PutUint32(r.page[slot:slot+4], uint32(r.head-slot-4))
	return nil
}

// Seal marks r immutable. The atomic store here is the
// release that pairs with IsSealed's atomic load as the read-side
// acquire, the same happens-before discipline package literal uses for
// its sealed LiteralTable. Cursor reads do not load the flag themselves.
func Seal(txn *sapling.Txn, r *Region) error {
	const op = "thatch.Seal"
	if err := txn.CheckWritable(op); err != nil {
		return err
	}
	r.sealed.Store(true)
	return nil
}

// Release unlinks and frees r; it fails INVALID unless r is still in
// txn's active-regions list.
func Release(txn *sapling.Txn, r *Region) error {
	const op = "thatch.Release"
	if err := txn.CheckWritable(op); err != nil {
		return err
	}
	st := draftOf(txn)
	if !isActive(st, r) {
		return sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("region not active in this txn"))
	}
	txn.Arena().FreePage(r.pageID)
	txn.Arena().FreeNode(r.headerNodeID, regionHeaderSize)
	txn.SetSubsystemState(ID, st.removeActive(r))
	return nil
}

// Cursor is a stateful reader over a Region's written bytes, bundling
// tag/data/skip-length/pointer reads and cursor advancement into one
// type, mirroring how the write side is driven through a single Region
// value rather than five unrelated free functions.
type Cursor struct {
	r   *Region
	pos int
}

// NewCursor returns a Cursor positioned at the start of r.
func NewCursor(r *Region) *Cursor {
	return &Cursor{r: r}
}

// Pos returns the cursor's current offset.
func (c *Cursor) Pos() int { return c.pos }

func (c *Cursor) checkRead(op string, n int) error {
	if c.pos+n > c.r.head {
		return sapling.NewError(sapling.KindRange, op, fmt.Errorf("cursor %d+%d exceeds head %d", c.pos, n, c.r.head))
	}
	return nil
}

// ReadTag reads one byte and advances the cursor.
func (c *Cursor) ReadTag() (byte, error) {
	const op = "thatch.Cursor.ReadTag"
	if err := c.checkRead(op, 1); err != nil {
		return 0, err
	}
	b := c.r.page[c.pos]
	c.pos++
	return b, nil
}

// ReadData returns the next n bytes as a zero-copy slice into the
// region's page and advances the cursor.
func (c *Cursor) ReadData(n int) ([]byte, error) {
	const op = "thatch.Cursor.ReadData"
	if err := c.checkRead(op, n); err != nil {
		return nil, err
	}
	b := c.r.page[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadSkipLen reads a 4-byte native-endian skip length and advances the
// cursor.
func (c *Cursor) ReadSkipLen() (uint32, error) {
	const op = "thatch.Cursor.ReadSkipLen"
	if err := c.checkRead(op, 4); err != nil {
		return 0, err
	}
	v := binary.NativeEndian.Uint32(c.r.page[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

// ReadPtr returns a zero-copy peek at the next n bytes without
// advancing the cursor.
func (c *Cursor) ReadPtr(n int) ([]byte, error) {
	const op = "thatch.Cursor.ReadPtr"
	if err := c.checkRead(op, n); err != nil {
		return nil, err
	}
	return c.r.page[c.pos : c.pos+n], nil
}

// AdvanceCursor moves the cursor forward n bytes (the
// advance_cursor), e.g. to skip a region whose length was just read via
// ReadSkipLen.
func (c *Cursor) AdvanceCursor(n int) error {
	const op = "thatch.Cursor.AdvanceCursor"
	if err := c.checkRead(op, n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// Register installs the Thatch subsystem with env. On commit, every
// region the child generation still has active (inherited plus newly
// created, minus released) is sealed, then promoted wholesale to the
// parent's active-regions list; the child's active list already
// started as a copy of the parent's, so promoting it whole is exactly
// "sealed/new regions spliced onto the parent's list". The child's
// created regions are appended to the parent's own created list (minus
// any the child released), so a later abort of the parent frees them
// too. On abort, only the regions in this generation's created list are
// freed; anything inherited from an ancestor remains that ancestor's
// responsibility.
func Register(env *sapling.Env) error {
	return env.RegisterSubsystem(ID, sapling.Callbacks{
		OnBegin: func(parent any) (any, error) {
			p, _ := parent.(draftState)
			return draftState{active: append([]*Region(nil), p.active...)}, nil
		},
		OnCommit: func(parent, child any) (any, error) {
			p, _ := parent.(draftState)
			st, _ := child.(draftState)
			for _, r := range st.active {
				r.sealed.Store(true)
			}
			created := make([]*Region, 0, len(p.created)+len(st.created))
			for _, r := range p.created {
				if isActive(st, r) {
					created = append(created, r)
				}
			}
			created = append(created, st.created...)
			return draftState{active: st.active, created: created}, nil
		},
		OnAbort: func(state any) {
			st, _ := state.(draftState)
			for _, r := range st.created {
				env.Arena().FreePage(r.pageID)
				env.Arena().FreeNode(r.headerNodeID, regionHeaderSize)
				klog.V(2).Infof("thatch: abort freed region pageID=%d", r.pageID)
			}
		},
		OnEnvDestroy: func(any) {},
	})
}
