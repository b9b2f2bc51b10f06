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

package pgalloc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sevmon/sevmon/pkg/hostarch"
)

// arena pins the mmap'd slice for the life of the process.
var arena []byte

// arenaInit maps the backing arena.
func arenaInit(pages int) error {
	if pages <= 0 {
		return fmt.Errorf("pgalloc: invalid arena size %d pages", pages)
	}
	length := pages * hostarch.PageSize
	m, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("pgalloc: mmap of %d pages failed: %w", pages, err)
	}
	arena = m
	mem.base = hostarch.VirtAddr(uintptr(unsafe.Pointer(&arena[0])))
	mem.size = uintptr(length)
	return nil
}

// zeroPage clears one page.
func zeroPage(addr hostarch.VirtAddr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), hostarch.PageSize)
	clear(b)
}

// PageBytes returns the contents of the page at addr as a byte slice.
func PageBytes(addr hostarch.VirtAddr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr.RoundDown()))), hostarch.PageSize)
}
