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

package percpu

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/sevmon/sevmon/pkg/sync"
)

// MaxCPUs is the maximum number of logical CPUs the monitor supports.
const MaxCPUs = 512

// ErrTooManyCPUs is returned when the registry is full.
var ErrTooManyCPUs = errors.New("too many CPUs")

// registryEntry is one (identifier, state) pair.
type registryEntry struct {
	apicID uint32
	cpu    *PerCPU
}

// registry is the process-wide CPU directory. It is append-only and sized
// to MaxCPUs; entries are only added during boot.
var registry struct {
	mu      sync.SpinMutex
	entries [MaxCPUs]registryEntry
	count   int
}

func registerCPU(apicID uint32, c *PerCPU) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.count >= MaxCPUs {
		return ErrTooManyCPUs
	}
	registry.entries[registry.count] = registryEntry{apicID: apicID, cpu: c}
	registry.count++
	return nil
}

// Lookup returns the state of the CPU with the given identifier, or nil.
func Lookup(apicID uint32) *PerCPU {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for i := 0; i < registry.count; i++ {
		if registry.entries[i].apicID == apicID {
			return registry.entries[i].cpu
		}
	}
	return nil
}

// ByIndex returns the state of the i-th registered CPU, or nil.
func ByIndex(i int) *PerCPU {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if i < 0 || i >= registry.count {
		return nil
	}
	return registry.entries[i].cpu
}

// Count returns the number of registered CPUs.
func Count() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.count
}

// binding maps OS threads to the CPU state they own. A CPU's thread of
// control is pinned, so thread identity resolves the owning CPU without
// consulting the address space.
var binding struct {
	mu   sync.SpinMutex
	cpus map[int]*PerCPU
}

// bindCurrent makes the calling thread resolve to c.
//
// Preconditions: the caller is pinned with runtime.LockOSThread.
func bindCurrent(c *PerCPU) {
	tid := unix.Gettid()
	binding.mu.Lock()
	defer binding.mu.Unlock()
	if binding.cpus == nil {
		binding.cpus = make(map[int]*PerCPU)
	}
	binding.cpus[tid] = c
}

// Current returns the calling CPU's own state.
//
// Preconditions: SetupOnCPU ran on this thread.
func Current() *PerCPU {
	tid := unix.Gettid()
	binding.mu.Lock()
	defer binding.mu.Unlock()
	c, ok := binding.cpus[tid]
	if !ok {
		panic("percpu: no CPU state bound to this thread")
	}
	return c
}
