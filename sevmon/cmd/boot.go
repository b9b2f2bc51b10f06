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

package cmd

import (
	"context"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/sevmon/sevmon/pkg/log"
	"github.com/sevmon/sevmon/pkg/percpu"
	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/pkg/task"
	"github.com/sevmon/sevmon/sevmon/config"
	"github.com/sevmon/sevmon/sevmon/flag"
)

// monitorEntry is the monitor's stage-2 entry point, fixed by the image
// layout.
const monitorEntry = 0xffffff8000900000

// Boot implements subcommands.Command for the "boot" command, which brings
// up the configured CPUs and the initial tasks.
type Boot struct {
	// prepareGuest also allocates and resets a guest save-area per CPU.
	prepareGuest bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "bring up the monitor's CPUs and initial tasks"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return "boot [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.prepareGuest, "prepare-guest", false, "allocate and reset a guest save-area on every CPU.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	if err := pgalloc.Init(conf.MemoryPages); err != nil {
		Fatalf("initializing page arena: %v", err)
	}

	// Each CPU is brought up on its own pinned thread; the thread then
	// owns that CPU's state for the life of the process.
	var g errgroup.Group
	for i := 0; i < conf.CPUs; i++ {
		apicID := uint32(i)
		g.Go(func() error {
			runtime.LockOSThread()
			return b.startCPU(apicID, conf)
		})
	}
	if err := g.Wait(); err != nil {
		Fatalf("bringing up CPUs: %v", err)
	}
	log.Infof("%d CPUs online", percpu.Count())

	if err := startInitialTasks(); err != nil {
		Fatalf("starting initial tasks: %v", err)
	}

	stats := pgalloc.ReadStats()
	log.Infof("boot complete: %d pages allocated, %d freed", stats.Allocated, stats.Freed)
	return subcommands.ExitSuccess
}

// startCPU provisions one CPU on the calling thread.
//
// Preconditions: the caller is pinned with runtime.LockOSThread.
func (b *Boot) startCPU(apicID uint32, conf *config.Config) error {
	c, err := percpu.Alloc(apicID)
	if err != nil {
		return err
	}
	c.SetResetIP(conf.ResetIP)
	if err := c.Setup(); err != nil {
		return err
	}
	if err := c.SetupOnCPU(); err != nil {
		return err
	}
	c.Load()
	if err := c.AllocSelfVMSA(); err != nil {
		return err
	}
	if err := c.PrepareSelfVMSA(monitorEntry); err != nil {
		return err
	}
	if b.prepareGuest {
		if err := c.AllocGuestVMSA(); err != nil {
			return err
		}
		if err := c.PrepareGuestVMSA(); err != nil {
			return err
		}
	}
	c.SetOnline()
	log.Debugf("cpu %d online", apicID)
	return nil
}

// startInitialTasks creates the idle task and runs the boot task to
// completion.
func startInitialTasks() error {
	var idle *task.Task
	idle, err := task.Create(func() {
		for {
			idle.Suspend()
		}
	}, 0)
	if err != nil {
		return err
	}
	idle.SetIdle()

	boot, err := task.CreateInitial(func() {
		log.Infof("boot task running")
	}, 0)
	if err != nil {
		return err
	}
	if err := boot.Resume(); err != nil {
		return err
	}
	boot.Wait()
	return boot.Close()
}
