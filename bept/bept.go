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

// Package bept implements BEPT: a crit-bit (PATRICIA)
// persistent trie keyed by big-endian arrays of 32-bit words. Unlike
// Seq/Text/LiteralTable/TreeRegistry, there is exactly one BEPT per Env
// (the free-function contract takes only a txn, no tree handle):
// the Env holds the committed root, and each Txn holds a draft root
// that starts as a copy of its parent's (or the Env's) root and
// replaces it wholesale on commit.
package bept

import (
	"fmt"
	"iter"

	"k8s.io/klog/v2"

	"github.com/lambkin-lang/sapling"
)

// ID is the well-known SubsystemID this package registers under.
const ID sapling.SubsystemID = 5

// bnodeSize is the notional arena cost charged per tree node built
// during a mutation, the same OOM-reachability device package seq uses
// for its finger tree (DESIGN.md): node linkage is native Go pointers,
// but every mutating call still spends real Arena capacity so OOM
// isn't simulated.
const bnodeSize = 24

// PutFlags controls Put's overwrite behavior.
type PutFlags uint32

// NoOverwrite rejects Put with EXISTS if the key is already present,
// leaving the tree unchanged.
const NoOverwrite PutFlags = 1 << 0

const allFlags = NoOverwrite

// node is either an Internal node (isLeaf=false: bitIndex, left, right)
// or a Leaf (isLeaf=true: keyWords, value), per the. A single
// struct with a discriminant is used instead of two Go types behind an
// interface, which would otherwise force every traversal to do a type
// switch for no benefit: the two cases differ in which fields are
// populated, not in any behavior that needs dynamic dispatch.
type node struct {
	isLeaf bool

	// Internal
	bitIndex int
	left     *node
	right    *node

	// Leaf
	keyWords []uint32
	value    []byte
}

func newLeaf(keyWords []uint32, value []byte) *node {
	kw := append([]uint32(nil), keyWords...)
	v := append([]byte(nil), value...)
	return &node{isLeaf: true, keyWords: kw, value: v}
}

// bitAt returns the bit at global bit index i across words, treating
// bit 0 as the MSB of words[0] and any index past the end of words as
// 0 (the "treat the shorter key's missing words as zero").
func bitAt(words []uint32, i int) int {
	wordIdx := i / 32
	if wordIdx >= len(words) {
		return 0
	}
	off := uint(i % 32)
	return int((words[wordIdx] >> (31 - off)) & 1)
}

// keysEqual compares a and b as zero-extended bit strings, so e.g.
// [0x1] and [0x1, 0x0] compare equal.
func keysEqual(a, b []uint32) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		wa, wb := uint32(0), uint32(0)
		if i < len(a) {
			wa = a[i]
		}
		if i < len(b) {
			wb = b[i]
		}
		if wa != wb {
			return false
		}
	}
	return true
}

// firstDiffBit returns the lowest global bit index at which a and b
// differ (zero-extending the shorter), or -1 if they are equal.
func firstDiffBit(a, b []uint32) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n*32; i++ {
		if bitAt(a, i) != bitAt(b, i) {
			return i
		}
	}
	return -1
}

// findClosestLeaf descends via each Internal's stored bitIndex,
// choosing left/right by keyWords's bit there, with no backtracking.
// This is the standard crit-bit "find candidate leaf" walk: it may land
// on a leaf whose key differs from keyWords (the caller checks that via
// firstDiffBit/keysEqual afterwards).
func findClosestLeaf(n *node, keyWords []uint32) *node {
	for !n.isLeaf {
		if bitAt(keyWords, n.bitIndex) == 1 {
			n = n.right
		} else {
			n = n.left
		}
	}
	return n
}

// insertAt rebuilds the path to the correct insertion point for a new
// leaf whose key diverges from the existing tree at diffBit, sharing
// every node not on that path (COW).
func insertAt(n *node, keyWords []uint32, value []byte, diffBit int) *node {
	if n.isLeaf || n.bitIndex > diffBit {
		leaf := newLeaf(keyWords, value)
		branch := &node{bitIndex: diffBit}
		if bitAt(keyWords, diffBit) == 1 {
			branch.left, branch.right = n, leaf
		} else {
			branch.left, branch.right = leaf, n
		}
		return branch
	}
	cp := &node{bitIndex: n.bitIndex, left: n.left, right: n.right}
	if bitAt(keyWords, n.bitIndex) == 1 {
		cp.right = insertAt(n.right, keyWords, value, diffBit)
	} else {
		cp.left = insertAt(n.left, keyWords, value, diffBit)
	}
	return cp
}

// replaceLeaf rebuilds the path to the leaf matching keyWords, replacing
// its value (the keys-equal case of insert).
func replaceLeaf(n *node, keyWords []uint32, value []byte) *node {
	if n.isLeaf {
		return newLeaf(keyWords, value)
	}
	goRight := bitAt(keyWords, n.bitIndex) == 1
	cp := &node{bitIndex: n.bitIndex, left: n.left, right: n.right}
	if goRight {
		cp.right = replaceLeaf(n.right, keyWords, value)
	} else {
		cp.left = replaceLeaf(n.left, keyWords, value)
	}
	return cp
}

// lookup returns the leaf with an exactly matching key, or nil.
func lookup(root *node, keyWords []uint32) *node {
	if root == nil {
		return nil
	}
	leaf := findClosestLeaf(root, keyWords)
	if keysEqual(leaf.keyWords, keyWords) {
		return leaf
	}
	return nil
}

// del rebuilds the path to keyWords's leaf, substituting its sibling
// into the parent (standard crit-bit delete); it returns notFound=true,
// unchanged, if keyWords isn't present.
func del(n *node, keyWords []uint32) (_ *node, notFound bool) {
	if n.isLeaf {
		if keysEqual(n.keyWords, keyWords) {
			return nil, false
		}
		return n, true
	}
	goRight := bitAt(keyWords, n.bitIndex) == 1
	child, sibling := n.left, n.right
	if goRight {
		child, sibling = n.right, n.left
	}
	newChild, nf := del(child, keyWords)
	if nf {
		return n, true
	}
	if newChild == nil {
		return sibling, false
	}
	cp := &node{bitIndex: n.bitIndex, left: n.left, right: n.right}
	if goRight {
		cp.right = newChild
	} else {
		cp.left = newChild
	}
	return cp, false
}

// min walks all-left from root, which for a crit-bit trie always
// reaches the lexicographically smallest stored key.
func min(root *node) *node {
	n := root
	for !n.isLeaf {
		n = n.left
	}
	return n
}

func rootOf(txn *sapling.Txn) *node {
	st := txn.SubsystemState(ID)
	n, _ := st.(*node)
	return n
}

func chargeNode(txn *sapling.Txn, op string) error {
	if _, _, err := txn.Arena().AllocNode(bnodeSize); err != nil {
		return sapling.NewError(sapling.KindOOM, op, err)
	}
	txn.RecordAlloc()
	return nil
}

// Put stores value under keyWords. With flags&NoOverwrite set, an
// existing key is left untouched and reported EXISTS; any other flag
// bit is rejected INVALID.
func Put(txn *sapling.Txn, keyWords []uint32, value []byte, flags PutFlags) error {
	const op = "bept.Put"
	if err := txn.CheckWritable(op); err != nil {
		return err
	}
	if flags&^allFlags != 0 {
		return sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("unknown flag bits %#x", uint32(flags&^allFlags)))
	}
	root := rootOf(txn)
	if flags&NoOverwrite != 0 && lookup(root, keyWords) != nil {
		return sapling.NewError(sapling.KindExists, op, nil)
	}
	if err := chargeNode(txn, op); err != nil {
		return err
	}

	var newRoot *node
	switch {
	case root == nil:
		newRoot = newLeaf(keyWords, value)
	default:
		closest := findClosestLeaf(root, keyWords)
		if diffBit := firstDiffBit(closest.keyWords, keyWords); diffBit == -1 {
			newRoot = replaceLeaf(root, keyWords, value)
		} else {
			newRoot = insertAt(root, keyWords, value, diffBit)
		}
	}
	txn.SetSubsystemState(ID, newRoot)
	klog.V(2).Infof("%s: nwords=%d vlen=%d", op, len(keyWords), len(value))
	return nil
}

// Get returns the value stored under keyWords, or NOT_FOUND.
func Get(txn *sapling.Txn, keyWords []uint32) ([]byte, error) {
	leaf := lookup(rootOf(txn), keyWords)
	if leaf == nil {
		return nil, sapling.NewError(sapling.KindNotFound, "bept.Get", nil)
	}
	return leaf.value, nil
}

// Del removes keyWords, or fails NOT_FOUND, leaving the tree unchanged.
func Del(txn *sapling.Txn, keyWords []uint32) error {
	const op = "bept.Del"
	if err := txn.CheckWritable(op); err != nil {
		return err
	}
	root := rootOf(txn)
	if root == nil {
		return sapling.NewError(sapling.KindNotFound, op, nil)
	}
	if err := chargeNode(txn, op); err != nil {
		return err
	}
	newRoot, notFound := del(root, keyWords)
	if notFound {
		return sapling.NewError(sapling.KindNotFound, op, nil)
	}
	txn.SetSubsystemState(ID, newRoot)
	return nil
}

// Min returns the lexicographically least key and its value, or EMPTY
// if the tree has no entries.
func Min(txn *sapling.Txn) (keyWords []uint32, value []byte, err error) {
	root := rootOf(txn)
	if root == nil {
		return nil, nil, sapling.NewError(sapling.KindEmpty, "bept.Min", nil)
	}
	leaf := min(root)
	return leaf.keyWords, leaf.value, nil
}

// inorder yields every leaf reachable from n in key order. A crit-bit
// trie's left/right children are already ordered by bit value, so a
// plain left-then-right walk is an in-order walk.
func inorder(n *node, yield func(keyWords []uint32, value []byte) bool) bool {
	if n == nil {
		return true
	}
	if n.isLeaf {
		return yield(n.keyWords, n.value)
	}
	if !inorder(n.left, yield) {
		return false
	}
	return inorder(n.right, yield)
}

// Iterate walks every (key, value) pair in key order, returning an
// iter.Seq2 rather than a slice so a caller can stop early. The snapshot is the
// txn's current draft root, so mutating txn during iteration has no
// effect on an already-started walk (each call to Iterate captures its
// own root).
func Iterate(txn *sapling.Txn) iter.Seq2[[]uint32, []byte] {
	root := rootOf(txn)
	return func(yield func([]uint32, []byte) bool) {
		inorder(root, yield)
	}
}

// Register installs the BEPT subsystem with env (the
// subsystem_init) and seeds an empty committed root.
func Register(env *sapling.Env) error {
	if err := env.RegisterSubsystem(ID, sapling.Callbacks{
		OnBegin:      func(parent any) (any, error) { return parent, nil },
		OnCommit:     func(_, child any) (any, error) { return child, nil },
		OnAbort:      func(any) {},
		OnEnvDestroy: func(any) {},
	}); err != nil {
		return err
	}
	return env.SetSubsystemState(ID, (*node)(nil))
}
