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

// Package retry operationalizes the documented but
// unimplemented "user-visible behavior" table: BUSY retries with
// backoff, CONFLICT retries optimistically (re-running the caller's txn
// body against a fresh Txn), and every other Kind returns immediately.
// sapling itself never retries anything internally; this package is
// the opt-in policy layer a caller reaches for on top of it.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/lambkin-lang/sapling"
)

// Config controls retry policy. The zero value is usable and matches
// the defaults: DefaultAttempts tries with exponential backoff
// starting at DefaultDelay. RunTxn's CONFLICT retries count against
// the same Attempts cap as BUSY retries.
type Config struct {
	// Attempts caps the number of tries (including the first). 0 means
	// DefaultAttempts.
	Attempts uint
	// Delay is the base backoff delay for BUSY retries. 0 means
	// DefaultDelay.
	Delay time.Duration
}

// DefaultAttempts and DefaultDelay are used by the zero Config.
const (
	DefaultAttempts = 5
	DefaultDelay    = 10 * time.Millisecond
)

func (c Config) attempts() uint {
	if c.Attempts == 0 {
		return DefaultAttempts
	}
	return c.Attempts
}

func (c Config) delay() time.Duration {
	if c.Delay == 0 {
		return DefaultDelay
	}
	return c.Delay
}

// isBusy reports whether err is (or wraps) a sapling.KindBusy error.
func isBusy(err error) bool {
	kind, ok := sapling.KindOf(err)
	return ok && kind == sapling.KindBusy
}

// isConflict reports whether err is (or wraps) a sapling.KindConflict
// error.
func isConflict(err error) bool {
	kind, ok := sapling.KindOf(err)
	return ok && kind == sapling.KindConflict
}

// Do runs fn, retrying with exponential backoff only on BUSY errors.
// Any other error, including
// CONFLICT, is returned immediately. CONFLICT needs RunTxn's
// fresh-Txn re-run, not a bare re-call of the same fn.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(cfg.attempts()),
		retry.Delay(cfg.delay()),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isBusy),
		retry.LastErrorOnly(true),
	)
}

// RunTxn runs body against a fresh Txn begun with Begin(env, parent,
// mode), committing on success. A CONFLICT from body or from Commit
// re-begins a brand new Txn and re-runs body from scratch; a BUSY
// result backs off before retrying the same way. Any other error
// aborts the in-flight Txn and is returned immediately.
func RunTxn(ctx context.Context, env *sapling.Env, parent *sapling.Txn, mode sapling.Mode, cfg Config, body func(*sapling.Txn) error) error {
	attempt := func() error {
		txn, err := sapling.Begin(env, parent, mode)
		if err != nil {
			return err
		}
		if err := body(txn); err != nil {
			txn.Abort()
			return err
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		return nil
	}

	return retry.Do(
		attempt,
		retry.Context(ctx),
		retry.Attempts(cfg.attempts()),
		retry.Delay(cfg.delay()),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return isBusy(err) || isConflict(err) }),
		retry.LastErrorOnly(true),
	)
}
