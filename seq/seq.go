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

// Package seq implements Seq: a persistent 2-3 finger
// tree of u32 element handles with amortised O(1) push/pop at both ends
// and O(log n) concat/split/get, plus the OOM-poisoning discipline
// shared by every mutable sapling collection.
//
// A Seq is a plain Go value handed directly to the caller by New,
// mirroring a free-function contract (new/free/push_front/...
// all take the seq explicitly rather than an id looked up through the
// Env). Because the persistent tree is already copy-on-write, Seq
// registers no per-txn draft state with its Env: commit and abort need
// do nothing for it (the "for Seq/Text: COW means no merge
// needed"), so Register below installs callbacks that are all no-ops
// except for carrying a diagnostic counter Env.Stats could report
// through.
package seq

import (
	"fmt"

	"github.com/lambkin-lang/sapling"
	"k8s.io/klog/v2"
)

// ID is the well-known SubsystemID this package registers under.
const ID sapling.SubsystemID = 1

// seqNodeSize is the notional arena cost charged for each finger-tree
// node a mutator creates. The tree itself is linked with native Go
// pointers rather than serialized into arena bytes (DESIGN.md records
// this as a deliberate departure from a byte-exact port: Go doesn't
// need manual pointer arithmetic to get address stability, and forcing
// one in would fight the language rather than express the algorithm).
// Charging the arena per node keeps OOM genuinely reachable and tied to
// the same Backing capacity every other subsystem shares.
const seqNodeSize = 16

// Seq is a finger tree of u32 element handles. The zero value is not
// usable; construct one with New. Mutating calls are serialized by
// the caller (single-writer per Env); Seq does
// no internal locking of its own, so concurrent use of the same Seq
// from two goroutines without external serialization is a caller bug,
// not something this package defends against.
type Seq struct {
	root  *tree
	valid bool
	freed bool
}

// New creates an empty Seq. Construction is a pure in-process Go
// allocation and, unlike every mutator, cannot fail with OOM.
func New(env *sapling.Env) *Seq {
	return &Seq{valid: true}
}

// Free invalidates s. Every subsequent mutator or Get call against s
// returns INVALID; Length has no error result.
func Free(env *sapling.Env, s *Seq) {
	s.freed = true
	s.valid = false
}

// IsValid reports whether s is neither freed nor poisoned by a prior
// OOM.
func (s *Seq) IsValid() bool {
	return s.valid
}

// Reset clears s back to empty and, if s was poisoned, restores
// validity (the "reset(txn, seq) -> OK | OOM | INVALID").
func Reset(txn *sapling.Txn, s *Seq) error {
	if s.freed {
		return sapling.NewError(sapling.KindInvalid, "seq.Reset", fmt.Errorf("seq freed"))
	}
	if err := txn.CheckWritable("seq.Reset"); err != nil {
		return err
	}
	s.root = nil
	s.valid = true
	return nil
}

// checkLive returns the write-guard error common to every mutator:
// INVALID if freed or poisoned, READONLY if the txn can't mutate.
func (s *Seq) checkLive(txn *sapling.Txn, op string) error {
	if s.freed || !s.valid {
		return sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("seq freed or poisoned"))
	}
	return txn.CheckWritable(op)
}

// chargeNode charges one notional arena node allocation against txn; on
// ErrFull it marks s poisoned and returns an OOM *Error, otherwise it
// records the allocation with the Env's diagnostics and returns nil.
func (s *Seq) chargeNode(txn *sapling.Txn, op string) error {
	if _, _, err := txn.Arena().AllocNode(seqNodeSize); err != nil {
		s.valid = false
		klog.Warningf("%s: arena full, poisoning seq", op)
		return sapling.NewError(sapling.KindOOM, op, err)
	}
	txn.RecordAlloc()
	return nil
}

// PushFront prepends v to s.
func PushFront(txn *sapling.Txn, s *Seq, v uint32) error {
	if err := s.checkLive(txn, "seq.PushFront"); err != nil {
		return err
	}
	if err := s.chargeNode(txn, "seq.PushFront"); err != nil {
		return err
	}
	s.root = pushFront(leaf(v), s.root)
	return nil
}

// PushBack appends v to s.
func PushBack(txn *sapling.Txn, s *Seq, v uint32) error {
	if err := s.checkLive(txn, "seq.PushBack"); err != nil {
		return err
	}
	if err := s.chargeNode(txn, "seq.PushBack"); err != nil {
		return err
	}
	s.root = pushBack(s.root, leaf(v))
	return nil
}

// PopFront removes and returns the first element of s, or EMPTY if s
// has no elements.
func PopFront(txn *sapling.Txn, s *Seq) (uint32, error) {
	if err := s.checkLive(txn, "seq.PopFront"); err != nil {
		return 0, err
	}
	if s.root == nil {
		return 0, sapling.NewError(sapling.KindEmpty, "seq.PopFront", nil)
	}
	n, rest := popFront(s.root)
	s.root = rest
	return uint32(n.(leaf)), nil
}

// PopBack removes and returns the last element of s, or EMPTY if s has
// no elements.
func PopBack(txn *sapling.Txn, s *Seq) (uint32, error) {
	if err := s.checkLive(txn, "seq.PopBack"); err != nil {
		return 0, err
	}
	if s.root == nil {
		return 0, sapling.NewError(sapling.KindEmpty, "seq.PopBack", nil)
	}
	rest, n := popBack(s.root)
	s.root = rest
	return uint32(n.(leaf)), nil
}

// Length returns the number of elements in s in O(1).
func (s *Seq) Length() int {
	return treeSize(s.root)
}

// Get returns the element at index i, or RANGE if i is out of bounds.
func (s *Seq) Get(i int) (uint32, error) {
	if s.freed || !s.valid {
		return 0, sapling.NewError(sapling.KindInvalid, "seq.Get", fmt.Errorf("seq freed or poisoned"))
	}
	if i < 0 || i >= treeSize(s.root) {
		return 0, sapling.NewError(sapling.KindRange, "seq.Get", nil)
	}
	return uint32(getAt(s.root, i).(leaf)), nil
}

// Concat appends src onto dest (dest := dest++src) and empties src. dest
// and src must not be the same object.
func Concat(txn *sapling.Txn, dest, src *Seq) error {
	if dest == src {
		return sapling.NewError(sapling.KindInvalid, "seq.Concat", fmt.Errorf("dest and src are the same seq"))
	}
	if err := dest.checkLive(txn, "seq.Concat"); err != nil {
		return err
	}
	if err := src.checkLive(txn, "seq.Concat"); err != nil {
		return err
	}
	if _, _, err := txn.Arena().AllocNode(seqNodeSize); err != nil {
		dest.valid = false
		src.valid = false
		klog.Warningf("seq.Concat: arena full, poisoning both seqs")
		return sapling.NewError(sapling.KindOOM, "seq.Concat", err)
	}
	txn.RecordAlloc()

	dest.root = concatTrees(dest.root, src.root)
	src.root = nil
	return nil
}

// SplitAt splits s into left = [0,i) and right = [i,n), emptying s. i
// must be in [0, length(s)]; RANGE otherwise. On OOM, s is left poisoned
// with no left/right returned.
func SplitAt(txn *sapling.Txn, s *Seq, i int) (left, right *Seq, err error) {
	if err := s.checkLive(txn, "seq.SplitAt"); err != nil {
		return nil, nil, err
	}
	n := treeSize(s.root)
	if i < 0 || i > n {
		return nil, nil, sapling.NewError(sapling.KindRange, "seq.SplitAt", nil)
	}
	if _, _, aerr := txn.Arena().AllocNode(seqNodeSize); aerr != nil {
		s.valid = false
		klog.Warningf("seq.SplitAt: arena full, poisoning seq")
		return nil, nil, sapling.NewError(sapling.KindOOM, "seq.SplitAt", aerr)
	}
	txn.RecordAlloc()

	var l, r *tree
	switch {
	case i == 0:
		l, r = nil, s.root
	case i == n:
		l, r = s.root, nil
	default:
		lt, x, rt := splitTree(s.root, i-1)
		l = pushBack(lt, x)
		r = rt
	}
	s.root = nil
	return &Seq{valid: true, root: l}, &Seq{valid: true, root: r}, nil
}

// Register installs the Seq subsystem with env. Seq needs no real
// per-txn draft merging (see the package doc); the callbacks exist so
// Env.Destroy's on_env_destroy sweep has a uniform subsystem to walk,
// and so a future caller that does want a live-Seq-count diagnostic has
// somewhere to hang it.
func Register(env *sapling.Env) error {
	return env.RegisterSubsystem(ID, sapling.Callbacks{
		OnBegin: func(parent any) (any, error) {
			count, _ := parent.(int64)
			return count, nil
		},
		OnCommit: func(parent, child any) (any, error) {
			return child, nil
		},
		OnAbort: func(child any) {},
		OnEnvDestroy: func(envState any) {
			klog.V(1).Infof("seq: env destroyed")
		},
	})
}
