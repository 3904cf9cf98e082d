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

package text

import (
	"fmt"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lambkin-lang/sapling"
	"github.com/lambkin-lang/sapling/seq"
)

// literalCacheSize bounds the memo of resolved LITERAL bytes, keyed by
// bare LITERAL id (TREE results are not memoized: a Text is mutable, so
// caching an expansion by id risks returning stale content once the
// underlying Text changes). Literal table entries are append-only and
// immutable once stored, so caching a resolved id's bytes across
// repeated expansions of the same handle (e.g. a TREE visited from more
// than one place) is always safe and never needs invalidation.
const literalCacheSize = 1024

// DefaultMaxTreeDepth and DefaultMaxTreeVisits are ResolverConfig's
// defaults.
const (
	DefaultMaxTreeDepth  = 64
	DefaultMaxTreeVisits = 4096
)

// LiteralResolveFn resolves a LITERAL handle's id to its stored bytes.
// Signature-only: package text never imports package literal, so any
// LiteralTable-backed or test-fake resolver can be plugged in (the
// the resolver-adapter decoupling rationale).
type LiteralResolveFn func(id uint32, ctx any) ([]byte, error)

// TreeResolveFn resolves a TREE handle's id to the Text it refers to
// (the "resolver adapter"), same decoupling rationale.
type TreeResolveFn func(id uint32, ctx any) (*Text, error)

// EmitFn receives one resolved code point at a time.
type EmitFn func(cp uint32, ctx any) error

// ResolverConfig drives expand_runtime_handle.
type ResolverConfig struct {
	MaxTreeDepth  int
	MaxTreeVisits int
	LiteralFn     LiteralResolveFn
	TreeFn        TreeResolveFn
	Ctx           any

	literalCache *lru.Cache[uint32, []byte]
}

// DefaultResolverConfig returns a ResolverConfig with the stated
// defaults and no resolver functions configured (callers must set
// LiteralFn/TreeFn to expand the corresponding handle kinds). The
// returned config memoizes LiteralFn lookups in an LRU cache.
func DefaultResolverConfig() ResolverConfig {
	cache, _ := lru.New[uint32, []byte](literalCacheSize)
	return ResolverConfig{MaxTreeDepth: DefaultMaxTreeDepth, MaxTreeVisits: DefaultMaxTreeVisits, literalCache: cache}
}

func (cfg ResolverConfig) resolveLiteral(id uint32) ([]byte, error) {
	if cfg.literalCache != nil {
		if data, ok := cfg.literalCache.Get(id); ok {
			return data, nil
		}
	}
	data, err := cfg.LiteralFn(id, cfg.Ctx)
	if err != nil {
		return nil, err
	}
	if cfg.literalCache != nil {
		cfg.literalCache.Add(id, data)
	}
	return data, nil
}

// ExpandRuntimeHandle drives a single handle through cfg's resolvers,
// emitting one code point per call to emit, with cycle and budget
// guards (the "expand_runtime_handle").
func ExpandRuntimeHandle(cfg ResolverConfig, h Handle, emit EmitFn, emitCtx any) error {
	// Preallocated to 64 entries, the stated "up to 64 inline" visit-path
	// threshold; append grows it onto the heap transparently beyond
	// that, which is the Go-native equivalent of the two-tier
	// inline/heap buffer the design describes.
	visited := make([]uint32, 0, 64)
	visits := 0
	return expandHandle(cfg, h, emit, emitCtx, &visited, 0, &visits)
}

func expandHandle(cfg ResolverConfig, h Handle, emit EmitFn, emitCtx any, visited *[]uint32, depth int, visits *int) error {
	switch h.Kind() {
	case KindCodepoint:
		return emit(h.Payload(), emitCtx)

	case KindLiteral:
		if cfg.LiteralFn == nil {
			return sapling.NewError(sapling.KindInvalid, "text.expandHandle", fmt.Errorf("no LiteralFn configured"))
		}
		data, err := cfg.resolveLiteral(h.Payload())
		if err != nil {
			return err
		}
		for i := 0; i < len(data); {
			r, size := utf8.DecodeRune(data[i:])
			if r == utf8.RuneError && size <= 1 {
				return sapling.NewError(sapling.KindInvalid, "text.expandHandle", fmt.Errorf("literal %d: invalid UTF-8 at byte %d", h.Payload(), i))
			}
			if err := emit(uint32(r), emitCtx); err != nil {
				return err
			}
			i += size
		}
		return nil

	case KindTree:
		id := h.Payload()
		for _, v := range *visited {
			if v == id {
				return sapling.NewError(sapling.KindInvalid, "text.expandHandle", fmt.Errorf("cycle: tree %d already on the visit path", id))
			}
		}
		if depth+1 > cfg.MaxTreeDepth {
			return sapling.NewError(sapling.KindInvalid, "text.expandHandle", fmt.Errorf("max_tree_depth %d exceeded", cfg.MaxTreeDepth))
		}
		*visits++
		if *visits > cfg.MaxTreeVisits {
			return sapling.NewError(sapling.KindInvalid, "text.expandHandle", fmt.Errorf("max_tree_visits %d exceeded", cfg.MaxTreeVisits))
		}
		if cfg.TreeFn == nil {
			return sapling.NewError(sapling.KindInvalid, "text.expandHandle", fmt.Errorf("no TreeFn configured"))
		}
		sub, err := cfg.TreeFn(id, cfg.Ctx)
		if err != nil {
			return err
		}
		*visited = append(*visited, id)
		defer func() { *visited = (*visited)[:len(*visited)-1] }()
		n := sub.Length()
		for i := 0; i < n; i++ {
			sh, err := sub.GetHandle(i)
			if err != nil {
				return err
			}
			if err := expandHandle(cfg, sh, emit, emitCtx, visited, depth+1, visits); err != nil {
				return err
			}
		}
		return nil

	default:
		return sapling.NewError(sapling.KindInvalid, "text.expandHandle", fmt.Errorf("reserved handle tag"))
	}
}

func expandText(t *Text, cfg ResolverConfig, emit EmitFn, emitCtx any) error {
	n := t.Length()
	for i := 0; i < n; i++ {
		h, err := t.GetHandle(i)
		if err != nil {
			return err
		}
		if err := ExpandRuntimeHandle(cfg, h, emit, emitCtx); err != nil {
			return err
		}
	}
	return nil
}

// CodepointLengthResolved returns the number of code points t expands
// to once every LITERAL/TREE handle is resolved.
func CodepointLengthResolved(t *Text, cfg ResolverConfig) (int, error) {
	count := 0
	err := expandText(t, cfg, func(uint32, any) error { count++; return nil }, nil)
	return count, err
}

// UTF8LengthResolved returns the UTF-8 byte length t expands to.
func UTF8LengthResolved(t *Text, cfg ResolverConfig) (int, error) {
	length := 0
	err := expandText(t, cfg, func(cp uint32, _ any) error { length += utf8.RuneLen(rune(cp)); return nil }, nil)
	return length, err
}

// foundResolved is a sentinel "error" used to short-circuit
// expandText once GetCodepointResolved reaches its target index,
// rather than resolving the whole (possibly large) expansion.
type foundResolved struct{ cp uint32 }

func (foundResolved) Error() string { return "text: resolved code point found" }

// GetCodepointResolved returns the i-th code point of t's resolved
// expansion.
func GetCodepointResolved(t *Text, cfg ResolverConfig, i int) (uint32, error) {
	if i < 0 {
		return 0, sapling.NewError(sapling.KindRange, "text.GetCodepointResolved", nil)
	}
	count := 0
	err := expandText(t, cfg, func(cp uint32, _ any) error {
		if count == i {
			return foundResolved{cp: cp}
		}
		count++
		return nil
	}, nil)
	if found, ok := err.(foundResolved); ok {
		return found.cp, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, sapling.NewError(sapling.KindRange, "text.GetCodepointResolved", nil)
}

// ToUTF8Resolved encodes t's full resolved expansion as UTF-8.
func ToUTF8Resolved(t *Text, cfg ResolverConfig) ([]byte, error) {
	var out []byte
	err := expandText(t, cfg, func(cp uint32, _ any) error {
		out = utf8.AppendRune(out, rune(cp))
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LiteralAdder stores bytes in a LiteralTable (or test fake) and
// returns its id, decoupling FromUTF8Bulk from package literal the same
// way LiteralResolveFn decouples resolution.
type LiteralAdder func(data []byte) (id uint32, err error)

// FromUTF8Bulk validates data, stores it as a single literal via add,
// and replaces t's content with one LITERAL handle referencing it
// (single-literal fast path for bulk loads).
func FromUTF8Bulk(txn *sapling.Txn, t *Text, data []byte, add LiteralAdder) error {
	if !utf8.Valid(data) {
		return sapling.NewError(sapling.KindParse, "text.FromUTF8Bulk", fmt.Errorf("invalid UTF-8"))
	}
	id, err := add(data)
	if err != nil {
		return err
	}
	h, err := NewLiteralHandle(id)
	if err != nil {
		return err
	}
	fresh := seq.New(txn.Env())
	if err := seq.PushBack(txn, fresh, uint32(h)); err != nil {
		return err
	}
	old := t.shared
	t.shared = &Shared{seq: fresh, refs: 1}
	old.refs--
	if old.refs <= 0 {
		seq.Free(txn.Env(), old.seq)
	}
	return nil
}

// ExpandHandleAt replaces a LITERAL handle at index i with its resolved
// CODEPOINT handles in place; it is a no-op if index i does not hold a
// LITERAL handle.
func ExpandHandleAt(txn *sapling.Txn, t *Text, i int, literalFn LiteralResolveFn, ctx any) error {
	h, err := t.GetHandle(i)
	if err != nil {
		return err
	}
	if h.Kind() != KindLiteral {
		return nil
	}
	data, err := literalFn(h.Payload(), ctx)
	if err != nil {
		return err
	}

	if err := detachForWrite(txn, t); err != nil {
		return err
	}
	left, right, err := seq.SplitAt(txn, t.shared.seq, i)
	if err != nil {
		return err
	}
	if _, err := seq.PopFront(txn, right); err != nil {
		return err
	}
	expansion := seq.New(txn.Env())
	for idx := 0; idx < len(data); {
		r, size := utf8.DecodeRune(data[idx:])
		if r == utf8.RuneError && size <= 1 {
			return sapling.NewError(sapling.KindInvalid, "text.ExpandHandleAt", fmt.Errorf("invalid UTF-8 at byte %d", idx))
		}
		hcp, err := NewCodepointHandle(uint32(r))
		if err != nil {
			return err
		}
		if err := seq.PushBack(txn, expansion, uint32(hcp)); err != nil {
			return err
		}
		idx += size
	}
	if err := seq.Concat(txn, expansion, right); err != nil {
		return err
	}
	if err := seq.Concat(txn, left, expansion); err != nil {
		return err
	}
	t.shared.seq = left
	return nil
}
