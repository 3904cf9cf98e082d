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

// Package malloc implements the arena.Backing interface directly on top
// of the Go heap. It has no capacity limit beyond what the host process
// can allocate. Pass New() to sapling.NewEnv to select it (backing
// "malloc").
package malloc

import "github.com/lambkin-lang/sapling/arena"

// New returns a heap-backed arena.Backing.
func New() arena.Backing {
	return backing{}
}

type backing struct{}

func (backing) Reserve(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Release is a no-op: the Go garbage collector reclaims heap memory once
// nothing in the Arena's maps references it (i.e. after the ID is
// removed from Arena.pages/nodes), so there's nothing for this backing
// to do explicitly.
func (backing) Release(_ []byte) {}

func (backing) Close() error { return nil }
