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
	"runtime"
	"testing"
)

func TestTssIST(t *testing.T) {
	tss := NewTss()
	tss.SetIST(ISTDoubleFault, 0xffffff8000201000)
	if got := tss.IST(ISTDoubleFault); got != 0xffffff8000201000 {
		t.Errorf("IST(%d) = %#x, want %#x", ISTDoubleFault, got, uint64(0xffffff8000201000))
	}
}

func TestRegisterFilePerThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	WriteCR3(0x1000)
	if got := ReadCR3(); got != 0x1000 {
		t.Errorf("ReadCR3 = %#x, want %#x", got, 0x1000)
	}

	done := make(chan uint64)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		done <- ReadCR3()
	}()
	if other := <-done; other == 0x1000 {
		t.Errorf("register file leaked across threads: CR3 = %#x", other)
	}
}

func TestReadFlagsDefault(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	WriteFlags(KernelFlagsSet)
	if got := ReadFlags(); got != KernelFlagsSet {
		t.Errorf("ReadFlags = %#x, want %#x", got, KernelFlagsSet)
	}
}

func TestInitGuestVMSA(t *testing.T) {
	var v VMSA
	InitGuestVMSA(&v, 0xfffffff0)

	if v.Rip != 0xfff0 {
		t.Errorf("Rip = %#x, want %#x", v.Rip, 0xfff0)
	}
	if v.Cs.Base != 0xffff0000 {
		t.Errorf("Cs.Base = %#x, want %#x", v.Cs.Base, 0xffff0000)
	}
	if v.Cs.Selector != 0xf000 {
		t.Errorf("Cs.Selector = %#x, want %#x", v.Cs.Selector, 0xf000)
	}
	if v.Efer&eferSVME == 0 {
		t.Errorf("Efer = %#x, SVME not set", v.Efer)
	}
	if v.Rflags != ResetFlags {
		t.Errorf("Rflags = %#x, want %#x", v.Rflags, ResetFlags)
	}
}
