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

package ring0

import (
	"golang.org/x/sys/unix"

	"github.com/sevmon/sevmon/pkg/sync"
)

// registerFile is the shadow of one CPU's privileged registers. One file
// exists per OS thread that has touched the register interface.
type registerFile struct {
	cr3    uint64
	rflags uint64
	tr     *Tss
}

var (
	regsMu sync.SpinMutex
	regs   = make(map[int]*registerFile)
)

// file returns the register file of the calling thread, creating it on
// first use.
//
// Preconditions: the caller is pinned with runtime.LockOSThread.
func file() *registerFile {
	tid := unix.Gettid()
	regsMu.Lock()
	defer regsMu.Unlock()
	f, ok := regs[tid]
	if !ok {
		f = &registerFile{rflags: KernelFlagsSet}
		regs[tid] = f
	}
	return f
}

// WriteCR3 installs the address-space root on the calling thread's CPU.
func WriteCR3(value uint64) {
	file().cr3 = value
}

// ReadCR3 returns the address-space root of the calling thread's CPU.
func ReadCR3() uint64 {
	return file().cr3
}

// LoadTss loads the task register with the given TSS.
func LoadTss(t *Tss) {
	file().tr = t
}

// CurrentTss returns the TSS loaded on the calling thread's CPU, or nil.
func CurrentTss() *Tss {
	return file().tr
}

// WriteFlags sets the RFLAGS image of the calling thread's CPU.
func WriteFlags(value uint64) {
	file().rflags = value
}

// ReadFlags returns the RFLAGS image of the calling thread's CPU.
func ReadFlags() uint64 {
	return file().rflags
}
