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

// Package treereg implements TreeRegistry: an
// append-only id→Text registry where each entry carries an atomic
// refcount. Registration happens on the single-writer txn path like
// every other mutable subsystem here, but Retain/Release are designed
// to race safely against each other and against registration from any
// goroutine, since they touch nothing but the entry's atomic counter.
package treereg

import (
	"fmt"
	"sync/atomic"

	"github.com/lambkin-lang/sapling"
	"github.com/lambkin-lang/sapling/text"
)

// ID is the well-known SubsystemID this package registers under.
const ID sapling.SubsystemID = 4

// maxID is the largest id a 30-bit TREE handle payload can carry (the
// above.
const maxID = 1<<30 - 1

// entry pairs a registered Text with its atomic refcount. refs reaching
// zero means released: the Text has been freed and id is a dead
// reference (the "fails INVALID if id already released").
type entry struct {
	text *text.Text
	refs atomic.Int32
}

// Registry is a TreeRegistry. The zero value is not usable; construct
// one with New.
type Registry struct {
	entries []*entry
}

// New creates an empty Registry.
func New(env *sapling.Env) *Registry {
	return &Registry{}
}

// Free releases every currently-held Text in r.
func Free(env *sapling.Env, r *Registry) {
	for _, e := range r.entries {
		if e.refs.Swap(0) > 0 {
			text.Free(env, e.text)
		}
	}
}

// Add stores a COW clone of t and returns its new id, with refs
// starting at 1 (the "register(reg, text, &id)").
func Add(txn *sapling.Txn, r *Registry, t *text.Text) (uint32, error) {
	const op = "treereg.Add"
	if err := txn.CheckWritable(op); err != nil {
		return 0, err
	}
	if len(r.entries) > maxID {
		return 0, sapling.NewError(sapling.KindInvalid, op, fmt.Errorf("id space exhausted"))
	}
	e := &entry{text: text.Clone(txn.Env(), t)}
	e.refs.Store(1)
	id := len(r.entries)
	r.entries = append(r.entries, e)
	return uint32(id), nil
}

func lookup(r *Registry, id uint32) (*entry, error) {
	if int(id) >= len(r.entries) {
		return nil, sapling.NewError(sapling.KindRange, "treereg", nil)
	}
	return r.entries[id], nil
}

// Get returns the Text registered under id, or INVALID if id has
// already been released to zero.
func Get(r *Registry, id uint32) (*text.Text, error) {
	e, err := lookup(r, id)
	if err != nil {
		return nil, err
	}
	if e.refs.Load() <= 0 {
		return nil, sapling.NewError(sapling.KindInvalid, "treereg.Get", fmt.Errorf("id %d already released", id))
	}
	return e.text, nil
}

// Retain atomically increments id's refcount. It fails INVALID if id
// has already been released to zero (no resurrecting a dead id).
func Retain(r *Registry, id uint32) error {
	e, err := lookup(r, id)
	if err != nil {
		return err
	}
	for {
		cur := e.refs.Load()
		if cur <= 0 {
			return sapling.NewError(sapling.KindInvalid, "treereg.Retain", fmt.Errorf("id %d already released", id))
		}
		if e.refs.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release atomically decrements id's refcount, freeing the underlying
// Text when it reaches zero. Releasing an already-released id fails
// INVALID (underflow guard).
func Release(env *sapling.Env, r *Registry, id uint32) error {
	e, err := lookup(r, id)
	if err != nil {
		return err
	}
	for {
		cur := e.refs.Load()
		if cur <= 0 {
			return sapling.NewError(sapling.KindInvalid, "treereg.Release", fmt.Errorf("id %d already released", id))
		}
		next := cur - 1
		if e.refs.CompareAndSwap(cur, next) {
			if next == 0 {
				text.Free(env, e.text)
			}
			return nil
		}
	}
}

// Count returns the number of currently-live (unreleased) entries.
func Count(r *Registry) int {
	n := 0
	for _, e := range r.entries {
		if e.refs.Load() > 0 {
			n++
		}
	}
	return n
}

// Resolve adapts Get to text.TreeResolveFn's (id, ctx) signature, for
// wiring this registry as a resolver's TreeFn.
func (r *Registry) Resolve(id uint32, _ any) (*text.Text, error) {
	return Get(r, id)
}

// Register installs the TreeRegistry subsystem with env. Like Seq and
// Text, a Registry is a plain value the caller owns and threads through
// explicitly, so there is no per-txn draft state for these callbacks to
// merge.
func Register(env *sapling.Env) error {
	return env.RegisterSubsystem(ID, sapling.Callbacks{
		OnBegin:      func(parent any) (any, error) { return parent, nil },
		OnCommit:     func(_, child any) (any, error) { return child, nil },
		OnAbort:      func(any) {},
		OnEnvDestroy: func(any) {},
	})
}
