// Copyright 2024 The sevmon Authors.
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

package sync

import (
	"sync"
)

// Aliases of standard library types. Code above the per-CPU layer (the CLI,
// tests) may block; everything below it must use SpinMutex.

// Mutex is an alias of sync.Mutex.
type Mutex = sync.Mutex

// RWMutex is an alias of sync.RWMutex.
type RWMutex = sync.RWMutex

// WaitGroup is an alias of sync.WaitGroup.
type WaitGroup = sync.WaitGroup

// Once is an alias of sync.Once.
type Once = sync.Once
