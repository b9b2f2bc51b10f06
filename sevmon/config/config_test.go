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

package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/sevmon/flag"
)

func TestDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test")
	RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conf, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := &Config{
		CPUs:        1,
		MemoryPages: pgalloc.DefaultArenaPages,
		ResetIP:     0xfffffff0,
		LogFormat:   "text",
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	fs := flag.NewFlagSet("test")
	RegisterFlags(fs)
	args := []string{"--cpus=4", "--debug", "--debug-log=/tmp/sevmon.log", "--log-format=json", "--reset-ip=0x100000"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conf, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := &Config{
		CPUs:        4,
		MemoryPages: pgalloc.DefaultArenaPages,
		ResetIP:     0x100000,
		Debug:       true,
		DebugLog:    "/tmp/sevmon.log",
		LogFormat:   "json",
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		conf    Config
		wantErr bool
	}{
		{
			name: "ok",
			conf: Config{CPUs: 2, MemoryPages: 64, LogFormat: "text"},
		},
		{
			name:    "no cpus",
			conf:    Config{CPUs: 0, MemoryPages: 64, LogFormat: "text"},
			wantErr: true,
		},
		{
			name:    "no memory",
			conf:    Config{CPUs: 1, MemoryPages: 0, LogFormat: "text"},
			wantErr: true,
		},
		{
			name:    "bad format",
			conf:    Config{CPUs: 1, MemoryPages: 64, LogFormat: "yaml"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.conf.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, tc.wantErr)
			}
		})
	}
}
