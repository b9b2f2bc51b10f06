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

// Package sync provides synchronization primitives for the monitor.
//
// The monitor has no blocking primitive beneath the scheduler, so the
// mutexes here busy-wait instead of parking the caller.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinPasses is the number of acquisition attempts between yields.
const spinPasses = 128

// A SpinMutex is a busy-waiting mutual exclusion lock.
//
// The zero value is an unlocked mutex. A SpinMutex must not be copied after
// first use.
type SpinMutex struct {
	locked atomic.Uint32
}

// Lock acquires m, spinning until it is available.
func (m *SpinMutex) Lock() {
	for i := 0; ; i++ {
		if m.TryLock() {
			return
		}
		if i%spinPasses == 0 {
			// Give the holder's thread a chance to run; there is
			// exactly one thread of control per CPU.
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire m without spinning. It returns true if the
// lock was acquired.
func (m *SpinMutex) TryLock() bool {
	return m.locked.CompareAndSwap(0, 1)
}

// Unlock releases m.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if m.locked.Swap(0) != 1 {
		panic("sync: unlock of unlocked SpinMutex")
	}
}
