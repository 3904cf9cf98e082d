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

// Package text implements Text: a copy-on-write rope
// of 32-bit tagged handles built directly on package seq, plus the
// UTF-8 codec and resolver that expand LITERAL/TREE handles back into
// plain code points.
package text

import (
	"fmt"

	"github.com/lambkin-lang/sapling"
	"github.com/lambkin-lang/sapling/seq"
)

// ID is the well-known SubsystemID this package registers under.
const ID sapling.SubsystemID = 2

// Shared is the COW-shared backing store of one or more Text values.
// refs is plain (not atomic): Text mutation is single-writer-per-Env
// the same as every other mutable subsystem here, unlike
// TreeRegistry's refs, which is the one atomic datum in the whole
// engine.
type Shared struct {
	seq  *seq.Seq
	refs int
}

// Text is a handle onto a Shared. The zero value is not usable;
// construct one with New.
type Text struct {
	shared *Shared
}

// New creates an empty Text.
func New(env *sapling.Env) *Text {
	return &Text{shared: &Shared{seq: seq.New(env), refs: 1}}
}

// Clone returns a new Text sharing t's backing store (refs bumped).
// The first write to either one triggers detachForWrite, so mutating
// the clone never affects t, nor t the clone (the scenario 2).
func Clone(env *sapling.Env, t *Text) *Text {
	t.shared.refs++
	return &Text{shared: t.shared}
}

// Free decrements t's refcount, freeing the underlying Seq once it
// reaches zero.
func Free(env *sapling.Env, t *Text) {
	t.shared.refs--
	if t.shared.refs <= 0 {
		seq.Free(env, t.shared.seq)
	}
}

// detachForWrite is called at the top of every write path: if t's
// Shared is referenced by more than one Text, it is deep-copied
// into a private, refs=1 Shared before the caller proceeds to mutate.
func detachForWrite(txn *sapling.Txn, t *Text) error {
	if t.shared.refs <= 1 {
		return nil
	}
	private := seq.New(txn.Env())
	n := t.shared.seq.Length()
	for i := 0; i < n; i++ {
		v, err := t.shared.seq.Get(i)
		if err != nil {
			return sapling.NewError(sapling.KindInvalid, "text.detachForWrite", err)
		}
		if err := seq.PushBack(txn, private, v); err != nil {
			return err
		}
	}
	t.shared.refs--
	t.shared = &Shared{seq: private, refs: 1}
	return nil
}

// Length returns the number of handles in t (Seq-layer indexing:
// LITERAL/TREE each count as one position, same as CODEPOINT).
func (t *Text) Length() int {
	return t.shared.seq.Length()
}

// GetHandle returns the raw handle at index i.
func (t *Text) GetHandle(i int) (Handle, error) {
	v, err := t.shared.seq.Get(i)
	if err != nil {
		return 0, err
	}
	return Handle(v), nil
}

// Get returns the code point at index i, or INVALID if that position
// holds a non-CODEPOINT handle.
func (t *Text) Get(i int) (uint32, error) {
	h, err := t.GetHandle(i)
	if err != nil {
		return 0, err
	}
	if h.Kind() != KindCodepoint {
		return 0, sapling.NewError(sapling.KindInvalid, "text.Get", fmt.Errorf("index %d holds a %s handle, not CODEPOINT", i, h.Kind()))
	}
	return h.Payload(), nil
}

func checkHandle(op string, h Handle) error {
	if !h.valid() {
		return sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("handle %#x is not storable", uint32(h)))
	}
	return nil
}

// PushFrontHandle prepends any valid handle to t.
func PushFrontHandle(txn *sapling.Txn, t *Text, h Handle) error {
	if err := checkHandle("text.PushFrontHandle", h); err != nil {
		return err
	}
	if err := detachForWrite(txn, t); err != nil {
		return err
	}
	return seq.PushFront(txn, t.shared.seq, uint32(h))
}

// PushBackHandle appends any valid handle to t.
func PushBackHandle(txn *sapling.Txn, t *Text, h Handle) error {
	if err := checkHandle("text.PushBackHandle", h); err != nil {
		return err
	}
	if err := detachForWrite(txn, t); err != nil {
		return err
	}
	return seq.PushBack(txn, t.shared.seq, uint32(h))
}

// PushFront prepends a code point to t.
func PushFront(txn *sapling.Txn, t *Text, cp uint32) error {
	h, err := NewCodepointHandle(cp)
	if err != nil {
		return err
	}
	return PushFrontHandle(txn, t, h)
}

// PushBack appends a code point to t.
func PushBack(txn *sapling.Txn, t *Text, cp uint32) error {
	h, err := NewCodepointHandle(cp)
	if err != nil {
		return err
	}
	return PushBackHandle(txn, t, h)
}

// PopFrontHandle removes and returns the first handle of t.
func PopFrontHandle(txn *sapling.Txn, t *Text) (Handle, error) {
	if err := detachForWrite(txn, t); err != nil {
		return 0, err
	}
	v, err := seq.PopFront(txn, t.shared.seq)
	if err != nil {
		return 0, err
	}
	return Handle(v), nil
}

// PopBackHandle removes and returns the last handle of t.
func PopBackHandle(txn *sapling.Txn, t *Text) (Handle, error) {
	if err := detachForWrite(txn, t); err != nil {
		return 0, err
	}
	v, err := seq.PopBack(txn, t.shared.seq)
	if err != nil {
		return 0, err
	}
	return Handle(v), nil
}

// PopFront removes and returns the first code point of t. It fails
// INVALID, without popping, if the first element is not a CODEPOINT.
func PopFront(txn *sapling.Txn, t *Text) (uint32, error) {
	if t.shared.seq.Length() == 0 {
		return 0, sapling.NewError(sapling.KindEmpty, "text.PopFront", nil)
	}
	v, _ := t.shared.seq.Get(0)
	if Handle(v).Kind() != KindCodepoint {
		return 0, sapling.NewError(sapling.KindInvalid, "text.PopFront", fmt.Errorf("front element is a %s handle, not CODEPOINT", Handle(v).Kind()))
	}
	h, err := PopFrontHandle(txn, t)
	if err != nil {
		return 0, err
	}
	return h.Payload(), nil
}

// PopBack removes and returns the last code point of t. It fails
// INVALID, without popping, if the last element is not a CODEPOINT.
func PopBack(txn *sapling.Txn, t *Text) (uint32, error) {
	n := t.shared.seq.Length()
	if n == 0 {
		return 0, sapling.NewError(sapling.KindEmpty, "text.PopBack", nil)
	}
	v, _ := t.shared.seq.Get(n - 1)
	if Handle(v).Kind() != KindCodepoint {
		return 0, sapling.NewError(sapling.KindInvalid, "text.PopBack", fmt.Errorf("back element is a %s handle, not CODEPOINT", Handle(v).Kind()))
	}
	h, err := PopBackHandle(txn, t)
	if err != nil {
		return 0, err
	}
	return h.Payload(), nil
}

// Set replaces the handle at index i (precondition i < length).
func Set(txn *sapling.Txn, t *Text, i int, h Handle) error {
	if err := checkHandle("text.Set", h); err != nil {
		return err
	}
	if i < 0 || i >= t.Length() {
		return sapling.NewError(sapling.KindRange, "text.Set", nil)
	}
	if err := detachForWrite(txn, t); err != nil {
		return err
	}
	left, right, err := seq.SplitAt(txn, t.shared.seq, i)
	if err != nil {
		return err
	}
	if _, err := seq.PopFront(txn, right); err != nil {
		return err
	}
	if err := seq.PushFront(txn, right, uint32(h)); err != nil {
		return err
	}
	if err := seq.Concat(txn, left, right); err != nil {
		return err
	}
	t.shared.seq = left
	return nil
}

// Insert inserts h at index i (precondition i <= length).
func Insert(txn *sapling.Txn, t *Text, i int, h Handle) error {
	if err := checkHandle("text.Insert", h); err != nil {
		return err
	}
	if i < 0 || i > t.Length() {
		return sapling.NewError(sapling.KindRange, "text.Insert", nil)
	}
	if err := detachForWrite(txn, t); err != nil {
		return err
	}
	left, right, err := seq.SplitAt(txn, t.shared.seq, i)
	if err != nil {
		return err
	}
	if err := seq.PushFront(txn, right, uint32(h)); err != nil {
		return err
	}
	if err := seq.Concat(txn, left, right); err != nil {
		return err
	}
	t.shared.seq = left
	return nil
}

// Delete removes the handle at index i (precondition i < length).
func Delete(txn *sapling.Txn, t *Text, i int) error {
	if i < 0 || i >= t.Length() {
		return sapling.NewError(sapling.KindRange, "text.Delete", nil)
	}
	if err := detachForWrite(txn, t); err != nil {
		return err
	}
	left, right, err := seq.SplitAt(txn, t.shared.seq, i)
	if err != nil {
		return err
	}
	if _, err := seq.PopFront(txn, right); err != nil {
		return err
	}
	if err := seq.Concat(txn, left, right); err != nil {
		return err
	}
	t.shared.seq = left
	return nil
}

// Concat appends src onto dest and empties src. dest and
// src must not be the same Text object; they may otherwise be clones of
// the same original (detachForWrite below gives each an independent
// private Seq before the splice, so aliasing is never an issue).
func Concat(txn *sapling.Txn, dest, src *Text) error {
	if dest == src {
		return sapling.NewError(sapling.KindInvalid, "text.Concat", fmt.Errorf("dest and src are the same text"))
	}
	if err := detachForWrite(txn, dest); err != nil {
		return err
	}
	if err := detachForWrite(txn, src); err != nil {
		return err
	}
	return seq.Concat(txn, dest.shared.seq, src.shared.seq)
}

// SplitAt splits t into new Text wrappers left=[0,i) and right=[i,n),
// emptying t: destructive on text, new Text wrappers are returned.
func SplitAt(txn *sapling.Txn, t *Text, i int) (left, right *Text, err error) {
	if err := detachForWrite(txn, t); err != nil {
		return nil, nil, err
	}
	lseq, rseq, err := seq.SplitAt(txn, t.shared.seq, i)
	if err != nil {
		return nil, nil, err
	}
	return &Text{shared: &Shared{seq: lseq, refs: 1}}, &Text{shared: &Shared{seq: rseq, refs: 1}}, nil
}

// Register installs the Text subsystem with env. Like seq, Text's
// actual mutation is already COW and needs no txn-level merge, so these
// callbacks are no-ops (see package seq's Register doc for the same
// reasoning).
func Register(env *sapling.Env) error {
	return env.RegisterSubsystem(ID, sapling.Callbacks{
		OnBegin:      func(parent any) (any, error) { return parent, nil },
		OnCommit:     func(parent, child any) (any, error) { return child, nil },
		OnAbort:      func(child any) {},
		OnEnvDestroy: func(envState any) {},
	})
}
