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

package arena

import "golang.org/x/exp/constraints"

// nodeAlignment is the byte granularity AllocNode rounds requested
// sizes up to, avoiding a backing reservation for every odd byte count
// a caller happens to ask for.
const nodeAlignment = 8

// roundUp rounds n up to the next multiple of step (0 means no
// rounding). Shared by any size-class arithmetic in this package that
// would otherwise need its own per-width copy.
func roundUp[T constraints.Unsigned](n, step T) T {
	if step == 0 {
		return n
	}
	if rem := n % step; rem != 0 {
		return n + step - rem
	}
	return n
}
