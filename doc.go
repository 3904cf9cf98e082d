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

// Package sapling provides an embeddable, Wasm-friendly data-structures
// engine built on a single linear-memory arena.
//
// An Env owns exactly one Arena and a table of registered subsystems. A
// Txn is a (possibly nested) unit of mutation: it carries per-subsystem
// scratch state built at begin time, and on commit or abort each
// subsystem either promotes its draft state into its parent (or, for a
// root Txn, into the Env) or discards it.
//
// The subsystems themselves (Seq, Text, BEPT, Thatch) live in their own
// packages and register with an Env via RegisterSubsystem; this package
// only defines the substrate they share.
package sapling
