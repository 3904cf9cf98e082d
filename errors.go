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

import "fmt"

// Kind is the flat, wire-stable error taxonomy shared by every subsystem
// registered with an Env. Any change to these values (not just their
// names) is a breaking change for callers who persist or compare them.
type Kind int

const (
	// KindOK is the zero value, meaning success. Operations that succeed
	// don't return a *Error at all; Kind OK only appears as a sentinel
	// for table-driven tests and switch defaults.
	KindOK Kind = iota
	KindOOM
	KindInvalid
	KindNotFound
	KindRange
	KindEmpty
	KindFull
	KindReadonly
	KindBusy
	KindExists
	KindConflict
	KindCorrupt
	KindParse
	KindType
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindOOM:
		return "OOM"
	case KindInvalid:
		return "INVALID"
	case KindNotFound:
		return "NOT_FOUND"
	case KindRange:
		return "RANGE"
	case KindEmpty:
		return "EMPTY"
	case KindFull:
		return "FULL"
	case KindReadonly:
		return "READONLY"
	case KindBusy:
		return "BUSY"
	case KindExists:
		return "EXISTS"
	case KindConflict:
		return "CONFLICT"
	case KindCorrupt:
		return "CORRUPT"
	case KindParse:
		return "PARSE"
	case KindType:
		return "TYPE"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the concrete error type returned by sapling and its
// subsystem packages. Op names the failing operation (e.g. "seq.PushBack"),
// and Cause, if non-nil, is the underlying error being wrapped.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, or is one
// of the package-level sentinel Err* values for that Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs an *Error, optionally wrapping cause.
func NewError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Sentinel errors for the flat taxonomy, in the style of a
// small set of comparable package-level Err* values (see e.g.
// ErrNoMoreEntries / ErrDupeLeaf in lifecycle.go and
// storage/posix/integrate.go). Subsystem packages define no sentinels
// of their own: they build a fresh *Error with NewError carrying their
// own Op, and errors.Is matches it against these by Kind equality
// rather than identity.
var (
	ErrOOM      = &Error{Kind: KindOOM, Op: "sapling"}
	ErrInvalid  = &Error{Kind: KindInvalid, Op: "sapling"}
	ErrNotFound = &Error{Kind: KindNotFound, Op: "sapling"}
	ErrRange    = &Error{Kind: KindRange, Op: "sapling"}
	ErrEmpty    = &Error{Kind: KindEmpty, Op: "sapling"}
	ErrFull     = &Error{Kind: KindFull, Op: "sapling"}
	ErrReadonly = &Error{Kind: KindReadonly, Op: "sapling"}
	ErrBusy     = &Error{Kind: KindBusy, Op: "sapling"}
	ErrExists   = &Error{Kind: KindExists, Op: "sapling"}
	ErrConflict = &Error{Kind: KindConflict, Op: "sapling"}
	ErrCorrupt  = &Error{Kind: KindCorrupt, Op: "sapling"}
	ErrParse    = &Error{Kind: KindParse, Op: "sapling"}
	ErrType     = &Error{Kind: KindType, Op: "sapling"}
)

// KindOf extracts the Kind from err if it is (or wraps) a *Error,
// returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return KindOK, false
}

// as walks err's single-error Unwrap chain and stores the first *Error
// it finds in target, reporting whether it found one.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
