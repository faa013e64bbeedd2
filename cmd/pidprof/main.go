//  Copyright 2023 Stealth Rocket, Inc.
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

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/stealthrocket/pidprof"
)

// Exit codes follow the BSD sysexits.h convention the source tool used:
// 0 success, 2 profiling error, 64 (EX_USAGE) bad flags.
const (
	exitOK      = 0
	exitProfile = 2
	exitUsage   = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("pidprof", pflag.ContinueOnError)
	flags.Usage = func() { usage(flags) }

	freqHz := flags.Float64P("freq", "f", 100, "sampling frequency, in Hz")
	threshold := flags.Float64P("threshold", "t", 5.0, "visualize nodes using at least N% of total cost")
	maxDepth := flags.IntP("max-depth", "m", 128, "maximum unwind depth")
	realtime := flags.BoolP("realtime", "r", false, "measure wall-clock time instead of target CPU time")
	dumpPath := flags.StringP("dump", "d", "", "save a Callgrind dump to this path")
	pprofPath := flags.String("pprof", "", "save a pprof profile to this path")
	httpAddr := flags.String("http", "", "serve a live snapshot at this address")
	fullStack := flags.Bool("full-stack", false, "don't collapse the root's single-child startup chain")
	printSymbols := flags.Bool("print-symbols", false, "print the resolved symbol table and exit")
	noDemangle := flags.Bool("no-demangle", false, "don't demangle Itanium C++ symbol names")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	help := flags.BoolP("help", "h", false, "show this help")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if *help {
		flags.Usage()
		return exitOK
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return exitUsage
	}

	pid, err := strconv.Atoi(flags.Arg(0))
	if err != nil || pid <= 0 {
		fmt.Fprintln(os.Stderr, "pidprof: pid must be a positive integer")
		return exitUsage
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).With().Timestamp().Logger()

	demangle := pidprof.GoPlusPlusDemangler
	if *noDemangle {
		demangle = pidprof.IdentityDemangler
	}

	mode := pidprof.CPUTime
	if *realtime {
		mode = pidprof.RealTime
	}

	cfg := pidprof.SessionConfig{
		Pid:              pid,
		FrequencyHz:      *freqHz,
		MaxDepth:         *maxDepth,
		Mode:             mode,
		ThresholdPercent: *threshold,
		FullStack:        *fullStack,
		Demangle:         demangle,
		CallgrindPath:    *dumpPath,
		PprofPath:        *pprofPath,
		HTTPAddr:         *httpAddr,
		SymbolsOnly:      *printSymbols,
		Log:              log,
	}

	session, err := pidprof.NewSession(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pidprof:", err)
		return exitProfile
	}

	if cfg.SymbolsOnly {
		session.PrintSymbols(os.Stdout)
		return exitOK
	}

	// Termination by SIGINT is handled inside Scheduler.Run, including the
	// double-press fast-exit window; ctx here is only for a future
	// programmatic caller, so there's nothing to wire it to here.
	if _, err := session.Run(context.Background(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "pidprof:", err)
		return exitProfile
	}
	return exitOK
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: pidprof [options] pid\n\n")
	fmt.Fprintf(os.Stderr, "Attaches to a running process and samples its call stack.\n\n")
	flags.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nWhile running: press Enter to print the current profile, Ctrl-C to finish\nand print the final report, Ctrl-C twice within 333ms to exit immediately.\n")
}
