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

package snp

import (
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/sync"
)

// Host is the platform communication endpoint used during CPU bring-up and
// teardown. The wire protocol behind it is not this layer's concern.
type Host interface {
	// RegisterGHCB announces a signaling page.
	RegisterGHCB(paddr hostarch.PhysAddr) error

	// UnregisterGHCB withdraws a signaling page.
	UnregisterGHCB(paddr hostarch.PhysAddr) error
}

var hostState struct {
	mu   sync.SpinMutex
	host Host
}

// SetHost installs the platform endpoint. Passing nil restores the
// in-process default.
func SetHost(h Host) {
	hostState.mu.Lock()
	defer hostState.mu.Unlock()
	hostState.host = h
}

// CurrentHost returns the installed platform endpoint.
func CurrentHost() Host {
	hostState.mu.Lock()
	defer hostState.mu.Unlock()
	if hostState.host == nil {
		hostState.host = newInProcessHost()
	}
	return hostState.host
}

// inProcessHost accepts registrations locally. It stands in for the real
// host when the monitor runs self-contained.
type inProcessHost struct {
	mu         sync.SpinMutex
	registered map[hostarch.PhysAddr]struct{}
}

func newInProcessHost() *inProcessHost {
	return &inProcessHost{registered: make(map[hostarch.PhysAddr]struct{})}
}

// RegisterGHCB implements Host.RegisterGHCB.
func (h *inProcessHost) RegisterGHCB(paddr hostarch.PhysAddr) error {
	if !paddr.IsPageAligned() {
		return fmt.Errorf("%w: unaligned page %#x", ErrRegistrationRejected, paddr)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.registered[paddr]; ok {
		return fmt.Errorf("%w: page %#x already registered", ErrRegistrationRejected, paddr)
	}
	h.registered[paddr] = struct{}{}
	return nil
}

// UnregisterGHCB implements Host.UnregisterGHCB.
func (h *inProcessHost) UnregisterGHCB(paddr hostarch.PhysAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.registered, paddr)
	return nil
}
