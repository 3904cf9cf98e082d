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

// Env owns exactly one Arena and a fixed table of subsystem slots (the
// lifecycle. Create it, register every subsystem you intend to use, then
// begin Txns against it; register after the first Txn begins is
// rejected (DESIGN.md open question 4).
type Env struct {
	mu sync.Mutex

	arena    *arena.Arena
	pageSize int

	order  []SubsystemID
	slots  map[SubsystemID]*subsystemSlot
	txnsBegun bool

	stats *statTracker
}

// NewEnv creates an Env around b, which becomes owned by the Env for its
// lifetime: Env.Destroy closes it.
func NewEnv(b arena.Backing, opts ...EnvOption) *Env {
	o := resolveEnvOptions(opts...)
	e := &Env{
		arena:    arena.New(b, o.PageSize),
		pageSize: o.PageSize,
		slots:    make(map[SubsystemID]*subsystemSlot),
		stats:    newStatTracker(),
	}
	klog.V(1).Infof("sapling.NewEnv: page_size=%d", o.PageSize)
	return e
}

// RegisterSubsystem installs callbacks under id. It must be called
// before the first Txn begins against this Env (the open question);
// calling it afterwards returns an INVALID error rather than silently
// racing with in-flight Txns.
func (e *Env) RegisterSubsystem(id SubsystemID, callbacks Callbacks) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.txnsBegun {
		return NewError(KindInvalid, "Env.RegisterSubsystem", fmt.Errorf("subsystem %d registered after first Txn began", id))
	}
	if _, exists := e.slots[id]; exists {
		return NewError(KindInvalid, "Env.RegisterSubsystem", fmt.Errorf("subsystem %d already registered", id))
	}
	e.slots[id] = &subsystemSlot{id: id, callbacks: callbacks}
	e.order = append(e.order, id)
	klog.V(1).Infof("Env.RegisterSubsystem: id=%d", id)
	return nil
}

// SetSubsystemState installs state as the current Env-wide state for a
// subsystem, bypassing any Txn. Subsystems use this once, immediately
// after registering, to install their initial (empty) committed state.
func (e *Env) SetSubsystemState(id SubsystemID, state any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slots[id]
	if !ok {
		return NewError(KindInvalid, "Env.SetSubsystemState", fmt.Errorf("subsystem %d not registered", id))
	}
	slot.envState = state
	return nil
}

// GetSubsystemState returns the current Env-wide (committed) state for
// id, or (nil, false) if id isn't registered.
func (e *Env) GetSubsystemState(id SubsystemID) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slots[id]
	if !ok {
		return nil, false
	}
	return slot.envState, true
}

// Arena returns the Arena this Env owns.
func (e *Env) Arena() *arena.Arena { return e.arena }

// PageSize returns the Env's configured page size.
func (e *Env) PageSize() int { return e.pageSize }

// Stats returns a live diagnostic snapshot (arena occupancy plus a
// moving-average allocation rate); see the.
func (e *Env) Stats() EnvStats {
	return e.stats.snapshot(e.arena.Stats())
}

// Destroy invokes on_env_destroy for every registered subsystem (in
// registration order), then destroys the Arena. Destroy assumes every
// Txn against this Env has already ended; it does not itself track or
// abort in-flight Txns.
func (e *Env) Destroy() error {
	e.mu.Lock()
	slots := make([]*subsystemSlot, 0, len(e.order))
	for _, id := range e.order {
		slots = append(slots, e.slots[id])
	}
	e.mu.Unlock()

	for _, s := range slots {
		if s.callbacks.OnEnvDestroy != nil {
			s.callbacks.OnEnvDestroy(s.envState)
		}
	}
	klog.V(1).Infof("Env.Destroy: subsystems=%d", len(slots))
	return e.arena.Close()
}

func (e *Env) markTxnsBegun() {
	e.mu.Lock()
	e.txnsBegun = true
	e.mu.Unlock()
}

// subsystemsInOrder returns a stable snapshot of registered subsystems
// in registration order, used by Txn.begin/commit/abort.
func (e *Env) subsystemsInOrder() []*subsystemSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*subsystemSlot, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.slots[id])
	}
	return out
}
