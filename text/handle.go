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

	"github.com/lambkin-lang/sapling"
)

// HandleKind is the 2-bit tag occupying the top of a Handle.
type HandleKind uint32

const (
	KindCodepoint HandleKind = 0
	KindLiteral   HandleKind = 1
	KindTree      HandleKind = 2
	kindReserved  HandleKind = 3
)

func (k HandleKind) String() string {
	switch k {
	case KindCodepoint:
		return "CODEPOINT"
	case KindLiteral:
		return "LITERAL"
	case KindTree:
		return "TREE"
	default:
		return "RESERVED"
	}
}

const (
	tagShift    = 30
	tagMask     = uint32(0x3) << tagShift
	payloadMask = uint32(1)<<tagShift - 1

	maxCodepoint = 0x10FFFF
	surrogateLo  = 0xD800
	surrogateHi  = 0xDFFF
)

// Handle is a Seq element: a u32 with a 2-bit kind tag and a 30-bit
// payload (the {CODEPOINT, LITERAL, TREE, reserved} table).
type Handle uint32

// Kind returns the handle's tag.
func (h Handle) Kind() HandleKind { return HandleKind(uint32(h) >> tagShift) }

// Payload returns the handle's 30-bit payload.
func (h Handle) Payload() uint32 { return uint32(h) & payloadMask }

func makeHandle(k HandleKind, payload uint32) (Handle, error) {
	if payload&^payloadMask != 0 {
		return 0, sapling.NewError(sapling.KindInvalid, "text.makeHandle", fmt.Errorf("payload %#x exceeds 30 bits", payload))
	}
	return Handle(uint32(k)<<tagShift | payload), nil
}

// NewCodepointHandle validates cp against the CODEPOINT
// constraint (<= U+10FFFF, not a surrogate) and tags it.
func NewCodepointHandle(cp uint32) (Handle, error) {
	if cp > maxCodepoint || (cp >= surrogateLo && cp <= surrogateHi) {
		return 0, sapling.NewError(sapling.KindInvalid, "text.NewCodepointHandle", fmt.Errorf("code point %#x out of range or surrogate", cp))
	}
	return makeHandle(KindCodepoint, cp)
}

// NewLiteralHandle tags id as a LiteralTable reference.
func NewLiteralHandle(id uint32) (Handle, error) {
	return makeHandle(KindLiteral, id)
}

// NewTreeHandle tags id as a TreeRegistry reference.
func NewTreeHandle(id uint32) (Handle, error) {
	return makeHandle(KindTree, id)
}

// valid reports whether h is storable: any LITERAL/TREE id is storable
// (30 bits, already enforced by makeHandle), but a CODEPOINT handle must
// still satisfy the code point constraint, and the reserved tag is never
// storable.
func (h Handle) valid() bool {
	switch h.Kind() {
	case KindCodepoint:
		cp := h.Payload()
		return cp <= maxCodepoint && !(cp >= surrogateLo && cp <= surrogateHi)
	case KindLiteral, KindTree:
		return true
	default:
		return false
	}
}
