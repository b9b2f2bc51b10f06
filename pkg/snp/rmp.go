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

// Package snp provides the SEV-SNP platform resources the monitor owns:
// save-area pages tagged in the reverse map table, and the GHCB signaling
// page used to communicate with the host.
package snp

import (
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/sync"
)

// VMPL is a virtual machine privilege level. The monitor runs at VMPL0;
// guest save-areas are tagged for the level the guest executes at.
type VMPL uint8

// Privilege levels.
const (
	VMPL0 VMPL = iota
	VMPL1
	VMPL2
	VMPL3
)

// rmpEntry mirrors the page attributes the reverse map table tracks for
// pages this layer owns.
type rmpEntry struct {
	vmsa bool
	vmpl VMPL
}

var rmp struct {
	mu      sync.SpinMutex
	entries map[hostarch.PhysAddr]rmpEntry
}

func rmpSetVMSA(paddr hostarch.PhysAddr, vmpl VMPL) {
	rmp.mu.Lock()
	defer rmp.mu.Unlock()
	if rmp.entries == nil {
		rmp.entries = make(map[hostarch.PhysAddr]rmpEntry)
	}
	rmp.entries[paddr] = rmpEntry{vmsa: true, vmpl: vmpl}
}

func rmpClearVMSA(paddr hostarch.PhysAddr) error {
	rmp.mu.Lock()
	defer rmp.mu.Unlock()
	e, ok := rmp.entries[paddr]
	if !ok || !e.vmsa {
		return fmt.Errorf("page %#x is not a save-area page", paddr)
	}
	delete(rmp.entries, paddr)
	return nil
}

// IsVMSAPage returns true if paddr is currently tagged as a save-area
// page.
func IsVMSAPage(paddr hostarch.PhysAddr) bool {
	rmp.mu.Lock()
	defer rmp.mu.Unlock()
	e, ok := rmp.entries[paddr]
	return ok && e.vmsa
}
