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

// Package arena implements the single linear-memory pool that every
// sapling subsystem allocates from. An Arena addresses two logical
// populations by u32 ID: fixed-size Pages and variable-size Nodes.
//
// The actual bytes backing an Arena come from a pluggable Backing
// (arena/malloc, arena/mmap, arena/linear, arena/wasi): Arena is the
// policy (ID assignment, free-list reuse, zero-fill, FULL detection),
// Backing is the mechanism (where the bytes actually live).
package arena

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// DefaultPageSize is used when an Env is created without an explicit
// page_size option.
const DefaultPageSize = 4096

// Backing supplies raw, zero-filled memory to an Arena. Implementations
// are not expected to be safe for concurrent use; Arena enforces the
// engine-wide single-writer discipline above this interface.
type Backing interface {
	// Reserve returns a zero-filled slice of exactly size bytes, or
	// ErrFull if the backing's capacity is exhausted. The returned slice
	// is suitably aligned for any fundamental type.
	Reserve(size int) ([]byte, error)
	// Release returns a previously Reserved slice for potential reuse.
	// Implementations that cannot recycle memory may treat this as a
	// no-op; Arena itself tracks ID liveness independently.
	Release(buf []byte)
	// Close releases every resource owned by the backing (file
	// descriptors, mmap regions, ...). Close is called exactly once,
	// from Arena.Close, which itself is called from Env's
	// on_env_destroy sequence.
	Close() error
}

// ErrFull is returned by Backing.Reserve when capacity is exhausted, and
// passed through unchanged by Arena's Alloc* methods; the subsystem
// packages that call them wrap it into a *sapling.Error.
type ErrFull struct{ Requested int }

func (e *ErrFull) Error() string {
	return fmt.Sprintf("arena: capacity exhausted requesting %d bytes", e.Requested)
}

// page tracks one fixed-size allocation.
type page struct {
	buf  []byte
	live bool
}

// node tracks one variable-size allocation.
type node struct {
	buf  []byte
	live bool
}

// Arena is the single linear-memory pool owned by an Env.
// IDs are monotonically assigned and never aliased while live; freed
// page IDs are recycled via a LIFO free list, freed node IDs are
// retained without recycling (either is permitted; we pick the simpler
// of the two allowed choices, see DESIGN.md).
type Arena struct {
	mu sync.Mutex

	backing  Backing
	pageSize int

	pages     map[uint32]*page
	nextPage  uint32
	freePages []uint32

	nodes    map[uint32]*node
	nextNode uint32
}

// New creates an Arena backed by b, with the given fixed page size.
func New(b Backing, pageSize int) *Arena {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Arena{
		backing:  b,
		pageSize: pageSize,
		pages:    make(map[uint32]*page),
		nodes:    make(map[uint32]*node),
	}
}

// PageSize returns the Arena's configured fixed page size.
func (a *Arena) PageSize() int {
	return a.pageSize
}

// AllocPage returns a zeroed page of PageSize bytes and its ID, or
// ErrFull.
func (a *Arena) AllocPage() ([]byte, uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, err := a.backing.Reserve(a.pageSize)
	if err != nil {
		klog.V(1).Infof("AllocPage: backing full: %v", err)
		return nil, 0, &ErrFull{Requested: a.pageSize}
	}

	var id uint32
	if n := len(a.freePages); n > 0 {
		id = a.freePages[n-1]
		a.freePages = a.freePages[:n-1]
	} else {
		id = a.nextPage
		a.nextPage++
	}
	a.pages[id] = &page{buf: buf, live: true}
	klog.V(2).Infof("AllocPage: id=%d size=%d", id, a.pageSize)
	return buf, id, nil
}

// FreePage pushes pgno onto the LIFO free list for reuse. FreePage on an
// already-free or unknown ID is a silent no-op, matching Arena's
// tolerance for idempotent subsystem abort paths.
func (a *Arena) FreePage(pgno uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pages[pgno]
	if !ok || !p.live {
		return
	}
	p.live = false
	a.backing.Release(p.buf)
	delete(a.pages, pgno)
	a.freePages = append(a.freePages, pgno)
	klog.V(2).Infof("FreePage: id=%d", pgno)
}

// AllocNode returns zero-filled memory of at least size bytes and a
// unique node ID, or ErrFull.
func (a *Arena) AllocNode(size int) ([]byte, uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reserveSize := int(roundUp(uint(size), nodeAlignment))
	buf, err := a.backing.Reserve(reserveSize)
	if err != nil {
		klog.V(1).Infof("AllocNode: backing full: %v", err)
		return nil, 0, &ErrFull{Requested: reserveSize}
	}

	id := a.nextNode
	a.nextNode++
	a.nodes[id] = &node{buf: buf, live: true}
	klog.V(2).Infof("AllocNode: id=%d size=%d", id, size)
	return buf, id, nil
}

// FreeNode releases nodeno. Per the ID may or may not be
// recycled; this Arena never recycles node IDs (DESIGN.md open
// question 2; orphan nodes from COW structures are accepted rather
// than pooled).
func (a *Arena) FreeNode(nodeno uint32, _ int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.nodes[nodeno]
	if !ok || !n.live {
		return
	}
	n.live = false
	a.backing.Release(n.buf)
	delete(a.nodes, nodeno)
	klog.V(2).Infof("FreeNode: id=%d", nodeno)
}

// ResolveID identifies which population (page or node) an ID belongs to.
type ResolveID struct {
	ID     uint32
	IsPage bool
}

// Resolve returns the current in-process address for a page ID, or nil
// if it has been reaped.
func (a *Arena) Resolve(pgno uint32) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pages[pgno]
	if !ok || !p.live {
		return nil
	}
	return p.buf
}

// ResolveNode returns the current in-process address for a node ID, or
// nil if it has been reaped.
func (a *Arena) ResolveNode(nodeno uint32) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[nodeno]
	if !ok || !n.live {
		return nil
	}
	return n.buf
}

// Stats reports current occupancy, used by sapling.Env.Stats. An Arena
// contract implying FULL without any way to observe the watermark
// leading up to it is of little use to an embedder.
type Stats struct {
	LivePages int
	LiveNodes int
	FreePages int
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		LivePages: len(a.pages),
		LiveNodes: len(a.nodes),
		FreePages: len(a.freePages),
	}
}

// Close releases the Arena's backing. It is called once, by Env's
// destroy sequence, after every subsystem's on_env_destroy has run.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backing.Close()
}
