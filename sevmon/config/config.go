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

// Package config holds the monitor's command-line configuration. Every
// field is backed by a flag; Config values move between packages instead
// of bare flag reads.
package config

import (
	"fmt"

	"github.com/sevmon/sevmon/pkg/percpu"
	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/sevmon/flag"
)

// Config is the monitor configuration.
type Config struct {
	// CPUs is the number of CPUs to bring up.
	CPUs int

	// MemoryPages sizes the page arena.
	MemoryPages int

	// ResetIP is the instruction pointer installed into guest save-areas.
	ResetIP uint64

	// Debug enables debug logging.
	Debug bool

	// DebugLog is the file to write debug logs to, or empty for stderr.
	DebugLog string

	// LogFormat is the debug log format: "text" or "json".
	LogFormat string
}

// RegisterFlags registers the configuration flags on fs.
func RegisterFlags(fs *flag.FlagSet) {
	fs.Int("cpus", 1, "number of CPUs to bring up.")
	fs.Int("memory-pages", pgalloc.DefaultArenaPages, "number of pages in the page arena.")
	fs.Uint64("reset-ip", 0xfffffff0, "guest reset instruction pointer.")
	fs.Bool("debug", false, "enable debug logging.")
	fs.String("debug-log", "", "file to write debug logs to, or empty for stderr.")
	fs.String("log-format", "text", "debug log format: text or json.")
}

// NewFromFlags builds a Config from the registered flags on fs.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	for name, dst := range map[string]any{
		"cpus":         &conf.CPUs,
		"memory-pages": &conf.MemoryPages,
		"reset-ip":     &conf.ResetIP,
		"debug":        &conf.Debug,
		"debug-log":    &conf.DebugLog,
		"log-format":   &conf.LogFormat,
	} {
		fl := fs.Lookup(name)
		if fl == nil {
			return nil, fmt.Errorf("flag %q is not registered", name)
		}
		switch dst := dst.(type) {
		case *int:
			*dst = flag.Get(fl.Value).(int)
		case *uint64:
			*dst = flag.Get(fl.Value).(uint64)
		case *bool:
			*dst = flag.Get(fl.Value).(bool)
		case *string:
			*dst = flag.Get(fl.Value).(string)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > percpu.MaxCPUs {
		return fmt.Errorf("--cpus must be between 1 and %d, got %d", percpu.MaxCPUs, c.CPUs)
	}
	if c.MemoryPages < 1 {
		return fmt.Errorf("--memory-pages must be positive, got %d", c.MemoryPages)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("--log-format must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	return nil
}
