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

// SubsystemID identifies a registered subsystem slot in an Env. The
// concrete subsystem packages (seq, text, bept, thatch, ...) each pick
// their own well-known SubsystemID constant; Env itself has no notion
// of what a given ID "means" beyond routing callbacks to callback
// tables, which keeps this package independent of every collaborator.
type SubsystemID int

// Callbacks is the lifecycle contract every subsystem registered with an
// Env must implement exactly (the "Subsystem callback
// contract"). All four funcs may be nil only for a subsystem that truly
// has no per-txn or per-env state to manage; in practice every shipped
// subsystem (seq, text, bept, thatch) supplies all four.
type Callbacks struct {
	// OnBegin is called when a Txn begins. parent is the parent txn's
	// current per-subsystem state (or the Env's committed state, for a
	// root Txn); it must return the fresh child state and must not
	// mutate parent.
	OnBegin func(parent any) (child any, err error)

	// OnCommit is called when a Txn commits. For a nested Txn, it must
	// merge/replace the parent's state with child and return the value
	// to install as the parent's new state. For a root Txn, the
	// returned value is installed as the Env's committed state.
	OnCommit func(parent, child any) (merged any, err error)

	// OnAbort is called when a Txn aborts, and for every subsystem when
	// any OnCommit in a Commit fails (no merged state has been installed
	// at that point, see DESIGN.md open question 1). It must
	// release every draft allocation reachable only from child. OnAbort
	// must be idempotent: the engine may call it more than once for the
	// same child state.
	OnAbort func(child any)

	// OnEnvDestroy is called exactly once, when the owning Env is
	// destroyed, after all live Txns are expected to have already
	// ended. envState is the subsystem's top-level Env-wide state (as
	// last installed by a root-Txn OnCommit, or nil if none ever
	// committed).
	OnEnvDestroy func(envState any)
}

type subsystemSlot struct {
	id        SubsystemID
	callbacks Callbacks
	envState  any
}
