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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/pgalloc"
)

// GHCB protocol constants, per the GHCB specification.
const (
	ghcbVersion = 2
	ghcbUsage   = 0

	// Offsets into the GHCB page.
	ghcbOffUsage   = 0xff4
	ghcbOffVersion = 0xffa
)

// ErrRegistrationRejected is returned when the host refuses a GHCB
// registration.
var ErrRegistrationRejected = errors.New("ghcb registration rejected")

// GHCB is one CPU's signaling page, shared with the host.
type GHCB struct {
	page       hostarch.VirtAddr
	registered bool
}

// NewGHCB allocates and initializes a signaling page.
func NewGHCB() (*GHCB, error) {
	page, err := pgalloc.AllocateZeroedPage()
	if err != nil {
		return nil, fmt.Errorf("allocating ghcb page: %w", err)
	}
	g := &GHCB{page: page}
	g.init()
	return g, nil
}

// init writes the protocol header fields.
func (g *GHCB) init() {
	b := pgalloc.PageBytes(g.page)
	binary.LittleEndian.PutUint32(b[ghcbOffUsage:], ghcbUsage)
	binary.LittleEndian.PutUint16(b[ghcbOffVersion:], ghcbVersion)
}

// PhysAddr returns the physical address of the signaling page.
func (g *GHCB) PhysAddr() hostarch.PhysAddr {
	return pgalloc.VirtToPhys(g.page)
}

// Register announces the signaling page to the host. It must run on the
// CPU that owns the page.
func (g *GHCB) Register() error {
	if err := CurrentHost().RegisterGHCB(g.PhysAddr()); err != nil {
		return fmt.Errorf("registering ghcb %#x: %w", g.PhysAddr(), err)
	}
	g.registered = true
	return nil
}

// Shutdown withdraws the page from the host and releases it. Shutdown of
// an unregistered GHCB only releases the page.
func (g *GHCB) Shutdown() error {
	if g.page == 0 {
		return nil
	}
	if g.registered {
		if err := CurrentHost().UnregisterGHCB(g.PhysAddr()); err != nil {
			return fmt.Errorf("unregistering ghcb %#x: %w", g.PhysAddr(), err)
		}
		g.registered = false
	}
	pgalloc.FreePage(g.page)
	g.page = 0
	return nil
}
