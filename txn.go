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

package sapling

import (
	"fmt"
	"sync"

	"github.com/lambkin-lang/sapling/arena"
	"k8s.io/klog/v2"
)

// Mode selects whether a Txn may perform mutating subsystem calls.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// Txn is a (possibly nested) unit of mutation. Begin it
// against an Env (root Txn, parent==nil) or against another live Txn
// (nested). Every registered subsystem gets a chance to build its own
// per-Txn draft state at Begin, merge or discard it at Commit, and
// unconditionally discard it at Abort.
type Txn struct {
	mu sync.Mutex

	env    *Env
	parent *Txn
	mode   Mode
	ended  bool

	state   map[SubsystemID]any
	scratch [][]byte
}

// Begin starts a new Txn. If parent is nil this is a root Txn against
// env directly; otherwise it is nested under parent, which must belong
// to the same Env. Partial OnBegin failure rolls back every subsystem
// that had already been started for this Begin call.
func Begin(env *Env, parent *Txn, mode Mode) (*Txn, error) {
	if env == nil {
		return nil, NewError(KindInvalid, "sapling.Begin", fmt.Errorf("nil Env"))
	}
	if parent != nil && parent.env != env {
		return nil, NewError(KindInvalid, "sapling.Begin", fmt.Errorf("parent Txn belongs to a different Env"))
	}
	env.markTxnsBegun()

	t := &Txn{
		env:    env,
		parent: parent,
		mode:   mode,
		state:  make(map[SubsystemID]any),
	}

	slots := env.subsystemsInOrder()
	started := make([]*subsystemSlot, 0, len(slots))
	for _, s := range slots {
		parentState := t.parentStateLocked(s.id)
		if s.callbacks.OnBegin == nil {
			started = append(started, s)
			continue
		}
		child, err := s.callbacks.OnBegin(parentState)
		if err != nil {
			klog.V(1).Infof("Txn.Begin: subsystem %d OnBegin failed: %v, rolling back %d already-started subsystems", s.id, err, len(started))
			for i := len(started) - 1; i >= 0; i-- {
				rs := started[i]
				if rs.callbacks.OnAbort != nil {
					rs.callbacks.OnAbort(t.state[rs.id])
				}
			}
			return nil, NewError(KindInvalid, "Txn.Begin", fmt.Errorf("subsystem %d: %w", s.id, err))
		}
		t.state[s.id] = child
		started = append(started, s)
	}

	klog.V(2).Infof("Txn.Begin: mode=%v nested=%v subsystems=%d", mode, parent != nil, len(slots))
	return t, nil
}

// parentStateLocked returns the state a fresh child should be built
// from: the parent Txn's current state for id if nested, or the Env's
// committed state otherwise.
func (t *Txn) parentStateLocked(id SubsystemID) any {
	if t.parent != nil {
		t.parent.mu.Lock()
		defer t.parent.mu.Unlock()
		return t.parent.state[id]
	}
	st, _ := t.env.GetSubsystemState(id)
	return st
}

// Env returns the Env this Txn (or its root ancestor) belongs to.
func (t *Txn) Env() *Env { return t.env }

// Arena returns the Arena backing this Txn's Env.
func (t *Txn) Arena() *arena.Arena { return t.env.arena }

// Mode returns whether this Txn is read-write or read-only.
func (t *Txn) Mode() Mode { return t.mode }

// CheckWritable returns a READONLY error if this Txn is read-only,
// letting subsystem mutators start with `if err := txn.CheckWritable();
// err != nil { return err }` (the "Read-only txns must reject any
// mutating subsystem call with a typed error").
func (t *Txn) CheckWritable(op string) error {
	if t.mode == ReadOnly {
		return NewError(KindReadonly, op, nil)
	}
	return nil
}

// SubsystemState returns this Txn's current per-subsystem draft state.
func (t *Txn) SubsystemState(id SubsystemID) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state[id]
}

// SetSubsystemState replaces this Txn's draft state for id. Subsystems
// call this after building a new (possibly COW-shared) version of their
// state in response to a mutating call.
func (t *Txn) SetSubsystemState(id SubsystemID, state any) {
	t.mu.Lock()
	t.state[id] = state
	t.mu.Unlock()
}

// RecordAlloc notifies the owning Env's diagnostics that an arena
// allocation occurred during this Txn (the
// allocation-rate moving average).
func (t *Txn) RecordAlloc() {
	t.env.stats.recordAlloc()
}

// ScratchAlloc returns transient memory that is only referenced for the
// remaining lifetime of this Txn; it is not drawn from the Arena and
// carries no Arena ID. Subsystems use it for per-Txn bookkeeping
// structures that never need to survive a commit (the structures that
// do survive are exactly what OnCommit promotes).
func (t *Txn) ScratchAlloc(size int) []byte {
	buf := make([]byte, size)
	t.mu.Lock()
	t.scratch = append(t.scratch, buf)
	t.mu.Unlock()
	return buf
}

// Commit commits this Txn. Subsystem OnCommit callbacks are evaluated
// in registration order and their results are buffered; only once every
// subsystem has succeeded are the merged states installed (all of them
// at once), giving all-or-nothing semantics without needing a separate
// undo callback (DESIGN.md open question 1). On any failure, every
// subsystem's draft state is discarded via OnAbort and this Txn is left
// ended (aborted); the caller does not need to call Abort afterwards.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return NewError(KindInvalid, "Txn.Commit", fmt.Errorf("txn already ended"))
	}
	t.mu.Unlock()

	slots := t.env.subsystemsInOrder()
	merged := make(map[SubsystemID]any, len(slots))
	for _, s := range slots {
		child := t.SubsystemState(s.id)
		if s.callbacks.OnCommit == nil {
			merged[s.id] = child
			continue
		}
		parentState := t.parentStateLocked(s.id)
		m, err := s.callbacks.OnCommit(parentState, child)
		if err != nil {
			klog.Warningf("Txn.Commit: subsystem %d OnCommit failed: %v; aborting all subsystems", s.id, err)
			t.abortLocked(slots)
			kind := KindInvalid
			if k, ok := KindOf(err); ok {
				kind = k
			}
			return NewError(kind, "Txn.Commit", fmt.Errorf("subsystem %d: %w", s.id, err))
		}
		merged[s.id] = m
	}

	// Every subsystem succeeded: install all at once.
	if t.parent != nil {
		t.parent.mu.Lock()
		for id, m := range merged {
			t.parent.state[id] = m
		}
		t.parent.mu.Unlock()
	} else {
		for id, m := range merged {
			_ = t.env.SetSubsystemState(id, m)
		}
	}

	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
	klog.V(2).Infof("Txn.Commit: nested=%v subsystems=%d", t.parent != nil, len(slots))
	return nil
}

// Abort discards every subsystem's draft state for this Txn. Abort is
// idempotent: calling it more than once, or calling it after Commit
// already ended the Txn, is a silent no-op.
func (t *Txn) Abort() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.mu.Unlock()

	slots := t.env.subsystemsInOrder()
	t.abortLocked(slots)
	klog.V(2).Infof("Txn.Abort: nested=%v subsystems=%d", t.parent != nil, len(slots))
}

// abortLocked runs OnAbort for every subsystem in reverse registration
// order, then marks the txn ended, so Commit's failure path leaves the
// txn ended without a separate step.
func (t *Txn) abortLocked(slots []*subsystemSlot) {
	for i := len(slots) - 1; i >= 0; i-- {
		s := slots[i]
		if s.callbacks.OnAbort != nil {
			s.callbacks.OnAbort(t.SubsystemState(s.id))
		}
	}
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
}
