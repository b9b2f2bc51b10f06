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

package mm

import (
	"github.com/sevmon/sevmon/pkg/pagetables"
	"github.com/sevmon/sevmon/pkg/sync"
)

var (
	kernelOnce sync.Once
	kernelPT   *pagetables.PageTables
)

// KernelTables returns the shared kernel address-space root. Every CPU and
// every table-sharing task derives its root from this one.
//
// Creation failure at first use is fatal: without a kernel root there is no
// address space to run in.
func KernelTables() *pagetables.PageTables {
	kernelOnce.Do(func() {
		pt, err := pagetables.New()
		if err != nil {
			panic(err)
		}
		kernelPT = pt
	})
	return kernelPT
}
