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

package seq

// This file implements the classic persistent 2-3 finger tree (Hinze &
// Paterson) that backs Seq. The algorithm itself is textbook; this
// package's naming and error conventions follow the rest of the
// module.
//
// A node is either a leaf (one Seq element) or a branch (2 or 3 nodes
// from one level down). A *tree nests digits (1-4 nodes) of a single
// level around a "spine" tree of branches one level deeper, which is
// what gives push/pop O(1) amortised and index/concat/split O(log n).

// node is any element of a finger tree at some level of nesting: either
// a leaf (a Seq element) or a branch wrapping 2-3 nodes from the level
// below.
type node interface {
	size() int
}

type leaf uint32

func (leaf) size() int { return 1 }

type branch struct {
	kids []node
	sz   int
}

func newBranch(kids ...node) *branch {
	sz := 0
	for _, k := range kids {
		sz += k.size()
	}
	return &branch{kids: kids, sz: sz}
}

func (b *branch) size() int { return b.sz }

// tree is a finger tree over nodes of one level. A nil *tree is Empty.
// A non-nil tree with single != nil is a one-element tree; otherwise it
// is "Deep": prefix and suffix are non-empty digits (1-4 nodes) and
// spine is a finger tree over branch nodes one level deeper (nil means
// an empty spine).
type tree struct {
	sz     int
	single node
	prefix []node
	spine  *tree
	suffix []node
}

func treeSize(t *tree) int {
	if t == nil {
		return 0
	}
	return t.sz
}

func digitSize(items []node) int {
	sz := 0
	for _, n := range items {
		sz += n.size()
	}
	return sz
}

func deep(prefix []node, spine *tree, suffix []node) *tree {
	return &tree{
		sz:     digitSize(prefix) + treeSize(spine) + digitSize(suffix),
		prefix: prefix,
		spine:  spine,
		suffix: suffix,
	}
}

func single(n node) *tree {
	return &tree{sz: n.size(), single: n}
}

// pushFront prepends n to t.
func pushFront(n node, t *tree) *tree {
	if t == nil {
		return single(n)
	}
	if t.single != nil {
		return deep([]node{n}, nil, []node{t.single})
	}
	if len(t.prefix) == 4 {
		b, c, d, e := t.prefix[0], t.prefix[1], t.prefix[2], t.prefix[3]
		newSpine := pushFront(newBranch(c, d, e), t.spine)
		return deep([]node{n, b}, newSpine, t.suffix)
	}
	newPrefix := make([]node, 0, len(t.prefix)+1)
	newPrefix = append(newPrefix, n)
	newPrefix = append(newPrefix, t.prefix...)
	return deep(newPrefix, t.spine, t.suffix)
}

// pushBack appends n to t.
func pushBack(t *tree, n node) *tree {
	if t == nil {
		return single(n)
	}
	if t.single != nil {
		return deep([]node{t.single}, nil, []node{n})
	}
	if len(t.suffix) == 4 {
		b, c, d, e := t.suffix[0], t.suffix[1], t.suffix[2], t.suffix[3]
		newSpine := pushBack(t.spine, newBranch(b, c, d))
		return deep(t.prefix, newSpine, []node{e, n})
	}
	newSuffix := make([]node, 0, len(t.suffix)+1)
	newSuffix = append(newSuffix, t.suffix...)
	newSuffix = append(newSuffix, n)
	return deep(t.prefix, t.spine, newSuffix)
}

// digitToTree builds a tree directly from a non-empty digit (1-4 nodes).
func digitToTree(items []node) *tree {
	if len(items) == 1 {
		return single(items[0])
	}
	mid := len(items) / 2
	return deep(items[:mid], nil, items[mid:])
}

// popFront removes and returns the first node of t. t must be non-empty.
func popFront(t *tree) (node, *tree) {
	if t.single != nil {
		return t.single, nil
	}
	if len(t.prefix) > 1 {
		return t.prefix[0], deep(t.prefix[1:], t.spine, t.suffix)
	}
	n := t.prefix[0]
	if t.spine == nil {
		return n, digitToTree(t.suffix)
	}
	b, spine2 := popFront(t.spine)
	return n, deep(b.(*branch).kids, spine2, t.suffix)
}

// popBack removes and returns the last node of t. t must be non-empty.
func popBack(t *tree) (*tree, node) {
	if t.single != nil {
		return nil, t.single
	}
	if len(t.suffix) > 1 {
		last := len(t.suffix) - 1
		return deep(t.prefix, t.spine, t.suffix[:last]), t.suffix[last]
	}
	n := t.suffix[0]
	if t.spine == nil {
		return digitToTree(t.prefix), n
	}
	spine2, b := popBack(t.spine)
	return deep(t.prefix, spine2, b.(*branch).kids), n
}

// nodesOf groups a flat list of same-level nodes (length >= 2) into
// branch nodes of 2 or 3 children each, for splicing into a spine.
func nodesOf(items []node) []node {
	switch len(items) {
	case 2:
		return []node{newBranch(items[0], items[1])}
	case 3:
		return []node{newBranch(items[0], items[1], items[2])}
	case 4:
		return []node{newBranch(items[0], items[1]), newBranch(items[2], items[3])}
	default:
		rest := nodesOf(items[3:])
		return append([]node{newBranch(items[0], items[1], items[2])}, rest...)
	}
}

// app3 concatenates t1, an (possibly empty) list of same-level nodes to
// splice between them, and t2.
func app3(t1 *tree, mid []node, t2 *tree) *tree {
	if t1 == nil {
		return prependAll(mid, t2)
	}
	if t2 == nil {
		return appendAll(t1, mid)
	}
	if t1.single != nil {
		return pushFront(t1.single, prependAll(mid, t2))
	}
	if t2.single != nil {
		return pushBack(appendAll(t1, mid), t2.single)
	}
	combined := make([]node, 0, len(t1.suffix)+len(mid)+len(t2.prefix))
	combined = append(combined, t1.suffix...)
	combined = append(combined, mid...)
	combined = append(combined, t2.prefix...)
	return deep(t1.prefix, app3(t1.spine, nodesOf(combined), t2.spine), t2.suffix)
}

func prependAll(items []node, t *tree) *tree {
	for i := len(items) - 1; i >= 0; i-- {
		t = pushFront(items[i], t)
	}
	return t
}

func appendAll(t *tree, items []node) *tree {
	for _, n := range items {
		t = pushBack(t, n)
	}
	return t
}

func concatTrees(t1, t2 *tree) *tree {
	return app3(t1, nil, t2)
}

// splitDigit locates the item covering index i within items (0 <= i <
// digitSize(items)), returning the items strictly before it, the item
// itself, and the items strictly after it.
func splitDigit(items []node, i int) ([]node, node, []node) {
	acc := 0
	for idx, n := range items {
		sz := n.size()
		if i < acc+sz {
			return items[:idx], n, items[idx+1:]
		}
		acc += sz
	}
	panic("seq: splitDigit index out of range")
}

// deepL builds a tree given a possibly-empty new prefix, a spine, and a
// known non-empty original suffix; if the prefix is empty it is
// refilled by popping a node from the spine.
func deepL(prefix []node, spine *tree, suffix []node) *tree {
	if len(prefix) > 0 {
		return deep(prefix, spine, suffix)
	}
	if spine == nil {
		return digitToTree(suffix)
	}
	b, spine2 := popFront(spine)
	return deep(b.(*branch).kids, spine2, suffix)
}

// deepR is the mirror of deepL for a possibly-empty new suffix.
func deepR(prefix []node, spine *tree, suffix []node) *tree {
	if len(suffix) > 0 {
		return deep(prefix, spine, suffix)
	}
	if spine == nil {
		return digitToTree(prefix)
	}
	spine2, b := popBack(spine)
	return deep(prefix, spine2, b.(*branch).kids)
}

// splitTree splits t at index i (0 <= i < treeSize(t)) into the nodes
// strictly before i, the node at i, and the nodes strictly after i.
func splitTree(t *tree, i int) (*tree, node, *tree) {
	if t.single != nil {
		return nil, t.single, nil
	}
	preSz := digitSize(t.prefix)
	if i < preSz {
		l, x, r := splitDigit(t.prefix, i)
		return digitToTreeOrNil(l), x, deepL(r, t.spine, t.suffix)
	}
	i2 := i - preSz
	spineSz := treeSize(t.spine)
	if i2 < spineSz {
		ml, xn, mr := splitTree(t.spine, i2)
		posInNode := i2 - treeSize(ml)
		br := xn.(*branch)
		l2, x, r2 := splitDigit(br.kids, posInNode)
		return deepR(t.prefix, ml, l2), x, deepL(r2, mr, t.suffix)
	}
	i3 := i2 - spineSz
	l, x, r := splitDigit(t.suffix, i3)
	return deepR(t.prefix, t.spine, l), x, digitToTreeOrNil(r)
}

func digitToTreeOrNil(items []node) *tree {
	if len(items) == 0 {
		return nil
	}
	return digitToTree(items)
}

// getAt returns the node at index i (0 <= i < treeSize(t)). It reuses
// splitTree rather than a bespoke descent: Get is documented as O(log n),
// same as split_at, so there is no benefit to a second traversal scheme.
func getAt(t *tree, i int) node {
	_, x, _ := splitTree(t, i)
	return x
}
