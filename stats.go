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

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"

	"github.com/lambkin-lang/sapling/arena"
)

// movingAverageWindow is the number of one-second samples folded into
// the allocation-rate moving average reported by Env.Stats.
const movingAverageWindow = 30

// EnvStats is a point-in-time diagnostic snapshot of an Env: current
// Arena occupancy plus a smoothed allocation rate. This is purely an
// in-process observability aid; it is never
// persisted or exported off-process, consistent with the stated
// non-goals around persistence and network protocols.
type EnvStats struct {
	arena.Stats
	AllocsPerSecond float64
}

// statTracker folds Txn begin/commit allocation activity into a moving
// average. It's deliberately tiny: a single counter bucketed once per
// second, in the spirit of a lightweight in-process helper
// rather than a full metrics pipeline (which would need the
// network-facing exporters this module explicitly drops, see
// DESIGN.md).
type statTracker struct {
	mu      sync.Mutex
	ma      *movingaverage.MovingAverage
	window  time.Duration
	last    time.Time
	current int64
}

func newStatTracker() *statTracker {
	return &statTracker{
		ma:     movingaverage.New(movingAverageWindow),
		window: time.Second,
		last:   time.Now(),
	}
}

// recordAlloc is called by Txn whenever a subsystem reports it performed
// an arena allocation during the transaction; it's a coarse proxy for
// "allocation rate", not a precise accounting of bytes.
func (s *statTracker) recordAlloc() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current++
	s.rolloverLocked()
}

func (s *statTracker) rolloverLocked() {
	now := time.Now()
	if now.Sub(s.last) < s.window {
		return
	}
	s.ma.Add(float64(s.current))
	s.current = 0
	s.last = now
}

func (s *statTracker) snapshot(aStats arena.Stats) EnvStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return EnvStats{Stats: aStats, AllocsPerSecond: s.ma.Avg()}
}
