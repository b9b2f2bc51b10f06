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

package task

import (
	"sync/atomic"
)

// InitialTaskID is the identifier of the boot task. It is reserved, along
// with zero, and never handed out by the allocator.
const InitialTaskID = 1

var lastID atomic.Uint32

func init() {
	lastID.Store(InitialTaskID)
}

// nextID returns a fresh task identifier. The counter may wrap; the
// reserved values are skipped on every pass.
func nextID() uint32 {
	for {
		id := lastID.Add(1)
		if id != 0 && id != InitialTaskID {
			return id
		}
	}
}
