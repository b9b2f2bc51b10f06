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

package task

// TaskRuntime measures how much CPU a task has consumed. The scheduler
// picks the runnable task with the lowest value.
type TaskRuntime interface {
	// ScheduleIn is called just before the task's context is restored.
	ScheduleIn()

	// ScheduleOut is called when the task leaves the CPU.
	ScheduleOut()

	// Set overrides the accumulated value.
	Set(runtime uint64)

	// Value returns the accumulated value.
	Value() uint64
}

// CountRuntime measures consumption as the number of quanta the task has
// been given.
type CountRuntime struct {
	count uint64
}

// ScheduleIn implements TaskRuntime.ScheduleIn.
func (r *CountRuntime) ScheduleIn() {
	r.count++
}

// ScheduleOut implements TaskRuntime.ScheduleOut.
func (r *CountRuntime) ScheduleOut() {}

// Set implements TaskRuntime.Set.
func (r *CountRuntime) Set(runtime uint64) {
	r.count = runtime
}

// Value implements TaskRuntime.Value.
func (r *CountRuntime) Value() uint64 {
	return r.count
}
