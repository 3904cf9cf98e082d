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

	"github.com/lambkin-lang/sapling"
	"github.com/lambkin-lang/sapling/seq"
)

// ToUTF8 encodes t assuming every handle is a CODEPOINT, failing INVALID
// on the first handle that isn't. utf8.AppendRune gives the
// minimal-length encoding; it would substitute U+FFFD for an
// out-of-range or surrogate rune, but none reaches it, since
// NewCodepointHandle rejects those at construction time.
func ToUTF8(t *Text) ([]byte, error) {
	n := t.Length()
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		cp, err := t.Get(i)
		if err != nil {
			return nil, sapling.NewError(sapling.KindInvalid, "text.ToUTF8", fmt.Errorf("index %d: %w", i, err))
		}
		out = utf8.AppendRune(out, rune(cp))
	}
	return out, nil
}

// FromUTF8 validates bytes as strict UTF-8, rejecting overlong forms,
// surrogates, and code points beyond U+10FFFF, then replaces t's
// content with one CODEPOINT handle per decoded rune. On success, t's
// Shared is atomically swapped for a freshly built one; on failure, t is
// left untouched.
func FromUTF8(txn *sapling.Txn, t *Text, data []byte) error {
	if !utf8.Valid(data) {
		return sapling.NewError(sapling.KindParse, "text.FromUTF8", fmt.Errorf("invalid UTF-8"))
	}
	fresh := seq.New(txn.Env())
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			return sapling.NewError(sapling.KindParse, "text.FromUTF8", fmt.Errorf("invalid UTF-8 at byte %d", i))
		}
		h, err := NewCodepointHandle(uint32(r))
		if err != nil {
			return sapling.NewError(sapling.KindParse, "text.FromUTF8", err)
		}
		if err := seq.PushBack(txn, fresh, uint32(h)); err != nil {
			return err
		}
		i += size
	}
	old := t.shared
	t.shared = &Shared{seq: fresh, refs: 1}
	old.refs--
	if old.refs <= 0 {
		seq.Free(txn.Env(), old.seq)
	}
	return nil
}
