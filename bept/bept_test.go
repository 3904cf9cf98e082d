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

package bept_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lambkin-lang/sapling"
	"github.com/lambkin-lang/sapling/arena/malloc"
	"github.com/lambkin-lang/sapling/bept"
)

func newTestTxn(t *testing.T) (*sapling.Env, *sapling.Txn) {
	t.Helper()
	env := sapling.NewEnv(malloc.New())
	if err := bept.Register(env); err != nil {
		t.Fatalf("bept.Register: %v", err)
	}
	txn, err := sapling.Begin(env, nil, sapling.ReadWrite)
	if err != nil {
		t.Fatalf("sapling.Begin: %v", err)
	}
	return env, txn
}

// TestPutGetDelMinReproducesScenario5 reproduces scenario 5
// exactly: put 0xDEADBEEF->"v1", 0xFEADBEEF->"v2", 0x00000001->"v3",
// then del 0xDEADBEEF, then min returns the lexicographically least
// remaining key.
func TestPutGetDelMinReproducesScenario5(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	keys := []struct {
		words []uint32
		value string
	}{
		{[]uint32{0xDEADBEEF}, "v1"},
		{[]uint32{0xFEADBEEF}, "v2"},
		{[]uint32{0x00000001}, "v3"},
	}
	for _, k := range keys {
		if err := bept.Put(txn, k.words, []byte(k.value), 0); err != nil {
			t.Fatalf("Put(%#x): %v", k.words, err)
		}
	}

	for _, k := range keys {
		got, err := bept.Get(txn, k.words)
		if err != nil || !bytes.Equal(got, []byte(k.value)) {
			t.Fatalf("Get(%#x) = %q, %v; want %q, nil", k.words, got, err, k.value)
		}
	}

	if err := bept.Del(txn, []uint32{0xDEADBEEF}); err != nil {
		t.Fatalf("Del(0xDEADBEEF): %v", err)
	}
	if _, err := bept.Get(txn, []uint32{0xDEADBEEF}); err == nil {
		t.Fatalf("Get after Del: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindNotFound {
		t.Errorf("Get after Del: got %v, want KindNotFound", err)
	}

	minKey, minVal, err := bept.Min(txn)
	if err != nil {
		t.Fatalf("Min: %v", err)
	}
	if len(minKey) != 1 || minKey[0] != 0x00000001 {
		t.Errorf("Min key: got %#x, want [0x1]", minKey)
	}
	if !bytes.Equal(minVal, []byte("v3")) {
		t.Errorf("Min value: got %q, want %q", minVal, "v3")
	}
}

func TestPutGetRoundtripIsInsertionOrderIndependent(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	keys := [][]uint32{
		{0x00000003, 0x00000000},
		{0x00000001},
		{0xFFFFFFFF},
		{0x00000002, 0x12345678},
		{0x00000000},
	}
	for i, k := range keys {
		if err := bept.Put(txn, k, []byte(fmt.Sprintf("v%d", i)), 0); err != nil {
			t.Fatalf("Put(%d, %#x): %v", i, k, err)
		}
	}
	for i, k := range keys {
		got, err := bept.Get(txn, k)
		want := fmt.Sprintf("v%d", i)
		if err != nil || string(got) != want {
			t.Fatalf("Get(%#x) = %q, %v; want %q, nil", k, got, err, want)
		}
	}

	minKey, _, err := bept.Min(txn)
	if err != nil {
		t.Fatalf("Min: %v", err)
	}
	if len(minKey) != 1 || minKey[0] != 0x00000000 {
		t.Errorf("Min key: got %#x, want [0x0]", minKey)
	}

	env2, txn2 := newTestTxn(t)
	defer env2.Destroy()
	defer txn2.Abort()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := bept.Put(txn2, keys[i], []byte(fmt.Sprintf("v%d", i)), 0); err != nil {
			t.Fatalf("reverse Put(%d, %#x): %v", i, keys[i], err)
		}
	}
	for i, k := range keys {
		got, err := bept.Get(txn2, k)
		want := fmt.Sprintf("v%d", i)
		if err != nil || string(got) != want {
			t.Fatalf("reverse Get(%#x) = %q, %v; want %q, nil", k, got, err, want)
		}
	}
}

func TestIterateYieldsKeysInOrder(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	keys := [][]uint32{{0x00000005}, {0x00000001}, {0x00000003}, {0x00000002}}
	for i, k := range keys {
		if err := bept.Put(txn, k, []byte(fmt.Sprintf("v%d", i)), 0); err != nil {
			t.Fatalf("Put(%#x): %v", k, err)
		}
	}

	var got []uint32
	for k, v := range bept.Iterate(txn) {
		got = append(got, k[0])
		if len(v) == 0 {
			t.Errorf("Iterate yielded empty value for key %#x", k)
		}
	}
	want := []uint32{1, 2, 3, 5}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Iterate key order mismatch (-want +got):\n%s", diff)
	}
}

func TestIterateStopsEarlyOnFalseYield(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	for i, k := range [][]uint32{{1}, {2}, {3}} {
		if err := bept.Put(txn, k, []byte(fmt.Sprintf("v%d", i)), 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	count := 0
	for range bept.Iterate(txn) {
		count++
		if count == 1 {
			break
		}
	}
	if count != 1 {
		t.Errorf("Iterate after early break: visited %d, want 1", count)
	}
}

func TestDelOnEmptyOrMissingIsNotFound(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	if err := bept.Del(txn, []uint32{1}); err == nil {
		t.Fatalf("Del on empty tree: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindNotFound {
		t.Errorf("Del on empty tree: got %v, want KindNotFound", err)
	}

	if err := bept.Put(txn, []uint32{1}, []byte("a"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := bept.Del(txn, []uint32{2}); err == nil {
		t.Fatalf("Del of missing key: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindNotFound {
		t.Errorf("Del of missing key: got %v, want KindNotFound", err)
	}
}

func TestMinOnEmptyTreeIsEmpty(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	if _, _, err := bept.Min(txn); err == nil {
		t.Fatalf("Min on empty tree: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindEmpty {
		t.Errorf("Min on empty tree: got %v, want KindEmpty", err)
	}
}

func TestNoOverwriteRejectsDuplicateKey(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	if err := bept.Put(txn, []uint32{7}, []byte("first"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := bept.Put(txn, []uint32{7}, []byte("second"), bept.NoOverwrite)
	if err == nil {
		t.Fatalf("Put with NoOverwrite on duplicate key: want error")
	}
	if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindExists {
		t.Errorf("Put with NoOverwrite: got %v, want KindExists", err)
	}
	got, err := bept.Get(txn, []uint32{7})
	if err != nil || string(got) != "first" {
		t.Fatalf("Get after rejected overwrite: got %q, %v; want %q, nil", got, err, "first")
	}
}

func TestPutWithUnknownFlagBitIsInvalid(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	err := bept.Put(txn, []uint32{1}, []byte("x"), bept.PutFlags(1<<5))
	if err == nil {
		t.Fatalf("Put with unknown flag bit: want error")
	}
	if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindInvalid {
		t.Errorf("Put with unknown flag bit: got %v, want KindInvalid", err)
	}
}

func TestOverwriteWithoutNoOverwriteReplacesValue(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	if err := bept.Put(txn, []uint32{9}, []byte("old"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := bept.Put(txn, []uint32{9}, []byte("new"), 0); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := bept.Get(txn, []uint32{9})
	if err != nil || string(got) != "new" {
		t.Fatalf("Get after overwrite: got %q, %v; want %q, nil", got, err, "new")
	}
}

func TestZeroExtendedShorterKeyMatchesLongerKey(t *testing.T) {
	env, txn := newTestTxn(t)
	defer env.Destroy()
	defer txn.Abort()

	if err := bept.Put(txn, []uint32{5}, []byte("short"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := bept.Get(txn, []uint32{5, 0})
	if err != nil || string(got) != "short" {
		t.Fatalf("Get with zero-extended key: got %q, %v; want %q, nil", got, err, "short")
	}
}

func TestReadOnlyTxnRejectsPutAndDel(t *testing.T) {
	env := sapling.NewEnv(malloc.New())
	if err := bept.Register(env); err != nil {
		t.Fatalf("bept.Register: %v", err)
	}
	txn, err := sapling.Begin(env, nil, sapling.ReadOnly)
	if err != nil {
		t.Fatalf("sapling.Begin: %v", err)
	}
	defer env.Destroy()
	defer txn.Abort()

	if err := bept.Put(txn, []uint32{1}, []byte("x"), 0); err == nil {
		t.Fatalf("Put under ReadOnly txn: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindReadonly {
		t.Errorf("Put under ReadOnly txn: got %v, want KindReadonly", err)
	}
	if err := bept.Del(txn, []uint32{1}); err == nil {
		t.Fatalf("Del under ReadOnly txn: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindReadonly {
		t.Errorf("Del under ReadOnly txn: got %v, want KindReadonly", err)
	}
}

// TestLaterTxnSeesCommittedRootTxnState reproduces the transaction
// isolation property for BEPT: a committed root txn's writes are
// visible to a subsequently begun txn.
func TestLaterTxnSeesCommittedRootTxnState(t *testing.T) {
	env := sapling.NewEnv(malloc.New())
	if err := bept.Register(env); err != nil {
		t.Fatalf("bept.Register: %v", err)
	}
	txn1, err := sapling.Begin(env, nil, sapling.ReadWrite)
	if err != nil {
		t.Fatalf("Begin txn1: %v", err)
	}
	if err := bept.Put(txn1, []uint32{1}, []byte("a"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn1.Commit(); err != nil {
		t.Fatalf("Commit txn1: %v", err)
	}

	txn2, err := sapling.Begin(env, nil, sapling.ReadOnly)
	if err != nil {
		t.Fatalf("Begin txn2: %v", err)
	}
	defer env.Destroy()
	defer txn2.Abort()

	got, err := bept.Get(txn2, []uint32{1})
	if err != nil || string(got) != "a" {
		t.Fatalf("Get in txn2: got %q, %v; want %q, nil", got, err, "a")
	}
}

// TestAbortedTxnLeavesEnvUnchanged reproduces the
// isolation property.
func TestAbortedTxnLeavesEnvUnchanged(t *testing.T) {
	env := sapling.NewEnv(malloc.New())
	if err := bept.Register(env); err != nil {
		t.Fatalf("bept.Register: %v", err)
	}
	txn1, err := sapling.Begin(env, nil, sapling.ReadWrite)
	if err != nil {
		t.Fatalf("Begin txn1: %v", err)
	}
	if err := bept.Put(txn1, []uint32{1}, []byte("a"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	txn1.Abort()

	txn2, err := sapling.Begin(env, nil, sapling.ReadOnly)
	if err != nil {
		t.Fatalf("Begin txn2: %v", err)
	}
	defer env.Destroy()
	defer txn2.Abort()

	if _, err := bept.Get(txn2, []uint32{1}); err == nil {
		t.Fatalf("Get after aborted Put: want error")
	} else if kind, ok := sapling.KindOf(err); !ok || kind != sapling.KindNotFound {
		t.Errorf("Get after aborted Put: got %v, want KindNotFound", err)
	}
}
