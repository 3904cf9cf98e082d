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

import "github.com/lambkin-lang/sapling/arena"

// EnvOptions holds the settings recognised for an Env (currently
// just the fixed page size). Following a functional-options pattern,
// there is no config-file reader here: Env configuration is always
// supplied by the embedding Go program.
type EnvOptions struct {
	PageSize int
}

// EnvOption mutates an EnvOptions during NewEnv.
type EnvOption func(*EnvOptions)

// WithPageSize overrides the Arena's fixed page size.
func WithPageSize(n int) EnvOption {
	return func(o *EnvOptions) { o.PageSize = n }
}

func resolveEnvOptions(opts ...EnvOption) *EnvOptions {
	o := &EnvOptions{PageSize: arena.DefaultPageSize}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
