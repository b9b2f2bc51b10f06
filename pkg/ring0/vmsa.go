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

// Segment is a VMSA segment register image (selector, attributes, limit,
// base), per AMD APM Vol 2 Table B-4.
type Segment struct {
	Selector uint16
	Flags    uint16
	Limit    uint32
	Base     uint64
}

// VMSA is the hardware-defined save area holding a virtual CPU's register
// state. The platform consumes it on every entry to and exit from that
// virtual CPU.
//
// Only the architectural subset the monitor reads or populates is modeled;
// the full structure occupies one page and the remainder is opaque to this
// layer.
type VMSA struct {
	Es   Segment
	Cs   Segment
	Ss   Segment
	Ds   Segment
	Fs   Segment
	Gs   Segment
	Gdtr Segment
	Ldtr Segment
	Idtr Segment
	Tr   Segment

	Efer   uint64
	Cr4    uint64
	Cr3    uint64
	Cr0    uint64
	Dr7    uint64
	Dr6    uint64
	Rflags uint64
	Rip    uint64
	Rsp    uint64
	Rax    uint64
	Rdx    uint64

	GPat        uint64
	SevFeatures uint64
	Xcr0        uint64
	Vmpl        uint8
}

// EFER bits.
const (
	eferSVME = uint64(1) << 12
)

// CR0 and DR values at architectural reset.
const (
	resetCR0 = 0x6000_0010
	resetDR6 = 0xffff_0ff0
	resetDR7 = 0x0000_0400
	resetPAT = 0x0007_0406_0007_0406
)

// codeSegFlags/dataSegFlags are the attribute bytes of 16-bit real-mode
// code and data segments (present, type).
const (
	codeSegFlags = 0x9b
	dataSegFlags = 0x93
)

// realModeSegment returns a real-mode segment image with the given base.
func realModeSegment(base uint64) Segment {
	return Segment{
		Selector: uint16(base >> 4),
		Flags:    dataSegFlags,
		Limit:    0xffff,
		Base:     base,
	}
}

// InitGuestVMSA fills v with the architectural reset state of a virtual
// CPU, with the initial instruction fetch redirected to resetIP.
func InitGuestVMSA(v *VMSA, resetIP uint64) {
	csBase := resetIP & 0xffff_0000

	*v = VMSA{
		Cs: Segment{
			Selector: uint16(csBase >> 4),
			Flags:    codeSegFlags,
			Limit:    0xffff,
			Base:     csBase,
		},
		Ds:   realModeSegment(0),
		Es:   realModeSegment(0),
		Fs:   realModeSegment(0),
		Gs:   realModeSegment(0),
		Ss:   realModeSegment(0),
		Gdtr: Segment{Limit: 0xffff},
		Idtr: Segment{Limit: 0xffff},
		Ldtr: Segment{Limit: 0xffff, Flags: 0x82},
		Tr:   Segment{Limit: 0xffff, Flags: 0x8b},

		Efer:   eferSVME,
		Cr0:    resetCR0,
		Dr6:    resetDR6,
		Dr7:    resetDR7,
		Rflags: ResetFlags,
		Rip:    resetIP & 0xffff,
		Rdx:    0x0000_0600, // Family/model/stepping after reset.

		GPat: resetPAT,
		Xcr0: 1,
	}
}
