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

//go:build task_runtime_tsc

package task

import (
	"github.com/sevmon/sevmon/pkg/ring0"
)

// accountingImpl selects the accounting strategy for this build.
type accountingImpl = TscRuntime

// TscRuntime measures consumption as elapsed timestamp-counter cycles
// while the task held a CPU.
type TscRuntime struct {
	start   uint64
	runtime uint64
}

// ScheduleIn implements TaskRuntime.ScheduleIn.
func (r *TscRuntime) ScheduleIn() {
	r.start = ring0.Rdtsc()
}

// ScheduleOut implements TaskRuntime.ScheduleOut.
func (r *TscRuntime) ScheduleOut() {
	r.runtime += ring0.Rdtsc() - r.start
}

// Set implements TaskRuntime.Set.
func (r *TscRuntime) Set(runtime uint64) {
	r.runtime = runtime
}

// Value implements TaskRuntime.Value.
func (r *TscRuntime) Value() uint64 {
	return r.runtime
}
