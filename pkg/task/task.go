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

// Package task implements the monitor's cooperative tasks: each task owns
// an address-space root, a guarded kernel stack inside the per-task window,
// and a runtime accounting record consulted by the scheduler.
//
// A task's thread of control is a pinned goroutine. It comes into existence
// on the first Resume and gives the CPU back only at explicit suspension
// points, matching the cooperative model: no preemption below the
// scheduler.
package task

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/log"
	"github.com/sevmon/sevmon/pkg/mm"
	"github.com/sevmon/sevmon/pkg/pagetables"
	"github.com/sevmon/sevmon/pkg/percpu"
	"github.com/sevmon/sevmon/pkg/ring0"
	"github.com/sevmon/sevmon/pkg/sync"
)

// Task errors.
var (
	// ErrNotTerminated is returned by Close for a task that is still
	// running.
	ErrNotTerminated = errors.New("task not terminated")

	// ErrCloseFailed is returned by Close when the task is not present in
	// the task directory, which means it was already closed.
	ErrCloseFailed = errors.New("task close failed")

	// ErrNotResumable is returned by Resume for a task that is neither
	// fresh nor suspended.
	ErrNotResumable = errors.New("task not resumable")
)

// State is a task's lifecycle state.
type State uint32

const (
	// StateRunning means the task has been created and not yet
	// terminated.
	StateRunning State = iota

	// StateTerminated means the task's entry function has returned. The
	// transition is one-way.
	StateTerminated
)

// CreateFlags alter task creation.
type CreateFlags uint16

const (
	// FlagSharePageTable derives the task's root from the calling CPU's
	// root instead of the shared kernel root.
	FlagSharePageTable CreateFlags = 1 << 0
)

// contextSize is the size of the register image at the top of a fresh
// stack: the stack pointer, the general registers, the flags and return
// address, plus the exit trampoline slot.
const contextSize = 18*8 + 8

// execContext records how a task's thread of control is (re)started.
// Exactly one variant occupies a task's context slot at a time.
type execContext interface {
	resumable()
}

// freshStart is the context of a task that has never run. It carries the
// entry point and the flags captured at creation.
type freshStart struct {
	entry func()
	flags uint64
}

// suspended is the context of a task parked at a suspension point.
type suspended struct {
	wake chan struct{}
}

func (freshStart) resumable() {}
func (suspended) resumable()  {}

// Task is one cooperative task.
type Task struct {
	id uint32

	// rsp is the stack pointer a fresh task starts with: the stack top
	// minus the initial register image.
	rsp uint64

	stackBounds mm.StackBounds

	// ptMu guards pgtbl. The root is created once; the only later
	// mutation is the per-CPU entry inserted by ApplyContext.
	ptMu  sync.SpinMutex
	pgtbl *pagetables.PageTables

	// vmr is the task's span of the per-task window.
	vmr *mm.VMR

	idle  atomic.Bool
	state atomic.Uint32

	// ctxMu guards ctx. A nil ctx means the task is on a CPU.
	ctxMu sync.SpinMutex
	ctx   execContext

	// done is closed by the exit trampoline.
	done chan struct{}

	// runtime is the CPU accounting record. ScheduleOut runs before the
	// context slot is published and ScheduleIn after it is taken, so the
	// slot's handoff orders every access and the record needs no lock.
	runtime accountingImpl
}

// taskDirectory tracks every open task by identifier.
var taskDirectory struct {
	mu    sync.SpinMutex
	tasks map[uint32]*Task
}

func registerTask(t *Task) {
	taskDirectory.mu.Lock()
	defer taskDirectory.mu.Unlock()
	if taskDirectory.tasks == nil {
		taskDirectory.tasks = make(map[uint32]*Task)
	}
	taskDirectory.tasks[t.id] = t
}

func removeTask(id uint32) bool {
	taskDirectory.mu.Lock()
	defer taskDirectory.mu.Unlock()
	if _, ok := taskDirectory.tasks[id]; !ok {
		return false
	}
	delete(taskDirectory.tasks, id)
	return true
}

// schedule is invoked by the exit trampoline once the task is marked
// terminated, before its goroutine exits.
var schedule atomic.Pointer[func()]

// SetScheduleHook installs the scheduler's yield entry point. A nil fn
// clears it.
func SetScheduleHook(fn func()) {
	if fn == nil {
		schedule.Store(nil)
		return
	}
	schedule.Store(&fn)
}

// initialCreated guards the one-time creation of the boot task.
var initialCreated atomic.Bool

// Create builds a task that will run entry when first resumed. The task's
// address-space root is derived from the shared kernel root, or from the
// calling CPU's root if FlagSharePageTable is set.
//
// Preconditions: with FlagSharePageTable, the caller is a bound CPU
// thread.
func Create(entry func(), flags CreateFlags) (*Task, error) {
	return create(entry, flags, nextID())
}

// CreateInitial builds the boot task, which carries the reserved
// InitialTaskID. At most one exists per process.
func CreateInitial(entry func(), flags CreateFlags) (*Task, error) {
	if !initialCreated.CompareAndSwap(false, true) {
		return nil, errors.New("initial task already created")
	}
	return create(entry, flags, InitialTaskID)
}

func create(entry func(), flags CreateFlags, id uint32) (*Task, error) {
	var (
		pt  *pagetables.PageTables
		err error
	)
	if flags&FlagSharePageTable != 0 {
		pt, err = percpu.Current().PageTables().CloneShared()
	} else {
		pt, err = mm.KernelTables().CloneShared()
	}
	if err != nil {
		return nil, fmt.Errorf("task root: %w", err)
	}

	// Creation is retryable; a failure below must hand back everything
	// already taken from the arena.
	vmr, err := mm.NewVMR(mm.PerTaskBase, mm.PerTaskEnd)
	if err != nil {
		pt.Release()
		return nil, err
	}
	bounds, err := vmr.InsertStack(mm.PerTaskStackBase)
	if err != nil {
		vmr.Release()
		pt.Release()
		return nil, err
	}
	if err := vmr.Populate(pt); err != nil {
		vmr.Release()
		pt.Release()
		return nil, err
	}

	t := &Task{
		id:          id,
		rsp:         uint64(bounds.Top) - contextSize,
		stackBounds: bounds,
		pgtbl:       pt,
		vmr:         vmr,
		done:        make(chan struct{}),
		ctx: freshStart{
			entry: entry,
			flags: ring0.ReadFlags(),
		},
	}
	t.state.Store(uint32(StateRunning))
	registerTask(t)
	log.Debugf("task %d: created (flags %#x)", t.id, flags)
	return t, nil
}

// ID returns the task's identifier.
func (t *Task) ID() uint32 {
	return t.id
}

// State returns the task's lifecycle state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// StackBounds returns the task's stack span inside the per-task window.
func (t *Task) StackBounds() mm.StackBounds {
	return t.stackBounds
}

// RSP returns the initial stack pointer of a fresh task.
func (t *Task) RSP() uint64 {
	return t.rsp
}

// SetIdle marks the task as an idle task.
func (t *Task) SetIdle() {
	t.idle.Store(true)
}

// IsIdle returns true for idle tasks.
func (t *Task) IsIdle() bool {
	return t.idle.Load()
}

// Runtime returns the task's accounting record.
func (t *Task) Runtime() TaskRuntime {
	return &t.runtime
}

// takeContext removes and returns the task's context slot.
func (t *Task) takeContext() execContext {
	t.ctxMu.Lock()
	defer t.ctxMu.Unlock()
	ctx := t.ctx
	t.ctx = nil
	return ctx
}

// Resume gives the task the CPU. A fresh task starts its entry function on
// a new pinned thread of control, with the flags captured at creation
// installed; a suspended task continues past its suspension point. Both
// paths go through the same call.
func (t *Task) Resume() error {
	switch ctx := t.takeContext().(type) {
	case freshStart:
		t.runtime.ScheduleIn()
		go t.run(ctx)
		return nil
	case suspended:
		t.runtime.ScheduleIn()
		close(ctx.wake)
		return nil
	default:
		return fmt.Errorf("task %d: %w", t.id, ErrNotResumable)
	}
}

// run is a fresh task's thread of control. When entry returns it falls
// into the exit trampoline, which does not return.
func (t *Task) run(ctx freshStart) {
	runtime.LockOSThread()
	ring0.WriteFlags(ctx.flags)
	ctx.entry()
	t.exit()
}

// Suspend parks the calling task until the next Resume. It must be called
// from the task's own thread of control.
//
// The quantum is closed before the context is published: once the
// suspended context is visible, a Resume may run ScheduleIn immediately.
func (t *Task) Suspend() {
	t.runtime.ScheduleOut()
	wake := make(chan struct{})
	t.ctxMu.Lock()
	t.ctx = suspended{wake: wake}
	t.ctxMu.Unlock()
	<-wake
}

// exit is the trampoline entered when a task's entry function returns. It
// marks the task terminated exactly once, yields to the scheduler, and
// ends the thread of control. It never returns.
func (t *Task) exit() {
	if t.state.CompareAndSwap(uint32(StateRunning), uint32(StateTerminated)) {
		t.runtime.ScheduleOut()
		close(t.done)
	}
	if fn := schedule.Load(); fn != nil {
		(*fn)()
	}
	runtime.Goexit()
}

// Wait blocks until the task has terminated.
func (t *Task) Wait() {
	<-t.done
}

// HandlePageFault resolves a fault inside the task's window, materializing
// the page when the fault is legal.
func (t *Task) HandlePageFault(vaddr hostarch.VirtAddr, write bool) error {
	return t.vmr.HandlePageFault(vaddr, write)
}

// ApplyContext prepares the task's root for the calling CPU: it inserts
// the CPU's self-mapping and returns the root's CR3 value. This is the
// only mutation of a task root after creation and is safe to repeat.
//
// Preconditions: the caller is a bound CPU thread.
func (t *Task) ApplyContext() (uint64, error) {
	t.ptMu.Lock()
	defer t.ptMu.Unlock()
	if err := percpu.Current().PopulatePageTables(t.pgtbl); err != nil {
		return 0, err
	}
	return t.pgtbl.CR3(), nil
}

// PageTables returns the task's address-space root.
func (t *Task) PageTables() *pagetables.PageTables {
	t.ptMu.Lock()
	defer t.ptMu.Unlock()
	return t.pgtbl
}

// Close releases a terminated task's resources and removes it from the
// task directory. Closing a running task fails with ErrNotTerminated;
// closing twice fails with ErrCloseFailed.
func (t *Task) Close() error {
	if t.State() != StateTerminated {
		return fmt.Errorf("task %d: %w", t.id, ErrNotTerminated)
	}
	if !removeTask(t.id) {
		return fmt.Errorf("task %d: %w", t.id, ErrCloseFailed)
	}
	t.vmr.Release()
	t.ptMu.Lock()
	t.pgtbl.Release()
	t.ptMu.Unlock()
	return nil
}
