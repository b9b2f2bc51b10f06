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

// Package cli is the main entrypoint for sevmon.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/sevmon/sevmon/pkg/log"
	"github.com/sevmon/sevmon/sevmon/cmd"
	"github.com/sevmon/sevmon/sevmon/config"
	"github.com/sevmon/sevmon/sevmon/flag"
)

// Main is the main entrypoint.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Boot), "")
	subcommands.Register(new(cmd.Version), "")

	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	var logWriter io.Writer = os.Stderr
	if conf.DebugLog != "" {
		f, err := os.OpenFile(conf.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("opening debug log %q: %v", conf.DebugLog, err)
		}
		logWriter = f
	}
	var e log.Emitter
	switch conf.LogFormat {
	case "json":
		e = log.JSONEmitter{Writer: &log.Writer{Next: logWriter}}
	default:
		e = log.GoogleEmitter{Writer: &log.Writer{Next: logWriter}}
	}
	log.SetTarget(e)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
