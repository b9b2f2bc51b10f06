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

// Package flag wraps the standard flag package so that every sevmon
// package sees the same flag surface.
package flag

import (
	"flag"
)

// FlagSet is an alias for flag.FlagSet.
type FlagSet = flag.FlagSet

// Flag is an alias for flag.Flag.
type Flag = flag.Flag

// Aliases for flag functions on the default flag set.
var (
	CommandLine = flag.CommandLine
	Bool        = flag.Bool
	Int         = flag.Int
	String      = flag.String
	Uint64      = flag.Uint64
	Parse       = flag.Parse
	Lookup      = flag.Lookup
)

// NewFlagSet returns a new flag set with continue-on-error semantics.
func NewFlagSet(name string) *FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

// Get returns the value of a flag.
func Get(v flag.Value) any {
	return v.(flag.Getter).Get()
}
