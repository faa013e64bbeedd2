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

// Package pidprof implements a sampling wall-clock/CPU-time profiler for an
// already-running process: it attaches via ptrace, periodically captures
// the target's userspace call stack, resolves instruction pointers against
// the target's ELF symbol tables, and aggregates the result into a weighted
// call tree that can be rendered as text or dumped in the Callgrind format.
package pidprof

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// SessionConfig configures a ProfileSession, corresponding to the CLI
// surface of cmd/pidprof.
type SessionConfig struct {
	Pid int

	FrequencyHz      float64
	MaxDepth         int
	Mode             TimeMode
	ThresholdPercent float64
	FullStack        bool
	Demangle         Demangler

	CallgrindPath string
	PprofPath     string
	HTTPAddr      string
	SymbolsOnly   bool

	Log zerolog.Logger
}

// ProfileSession is the root of live state for one profiling invocation:
// the target pid, ptrace state, time source, sample counters, and tree
// root, all bound to the lifetime of Run.
type ProfileSession struct {
	cfg SessionConfig

	idx  *AddressIndex
	ctrl *Controller

	unwinder   RemoteUnwinder
	timeSource *ProcessTimeSource
	tree       *CallTree
	agg        *Aggregator
	sched      *Scheduler
}

// NewSession builds the symbol index for cfg.Pid and wires together the
// components a sampling run needs. In symbols-only mode, only the index is
// built; Run must not be called, use PrintSymbols instead.
func NewSession(cfg SessionConfig) (*ProfileSession, error) {
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 128
	}
	if cfg.Demangle == nil {
		cfg.Demangle = IdentityDemangler
	}

	warnIfContainerized(cfg.Pid, cfg.Log)

	idx, err := NewAddressIndex(cfg.Pid, BuildAddressIndexOptions{Demangle: cfg.Demangle})
	if err != nil {
		return nil, err
	}
	cfg.Log.Info().Int("pid", cfg.Pid).Int("functions", idx.Len()).Msg("symbol index built")

	s := &ProfileSession{cfg: cfg, idx: idx}
	if cfg.SymbolsOnly {
		return s, nil
	}

	s.tree = NewCallTree()
	s.agg = NewAggregator(s.tree)
	s.ctrl = NewController(cfg.Pid)
	s.unwinder = FramePointerUnwinder{}
	s.timeSource = &ProcessTimeSource{}

	var policy SamplingPolicy = AlwaysSample{}
	if cfg.Mode == CPUTime {
		policy = RunningOnlySample{}
	}

	s.sched = NewScheduler(cfg.Pid, cfg.FrequencyHz, cfg.MaxDepth, policy, s.ctrl, s.unwinder, idx, cfg.Demangle, s.timeSource, s.agg, cfg.Log)
	return s, nil
}

// warnIfContainerized emits a hint, not an error, since /proc/vz's absence
// or presence is not itself authoritative: only a failed attach confirms a
// restriction.
func warnIfContainerized(pid int, log zerolog.Logger) {
	if _, err := os.Stat("/proc/vz"); err == nil {
		log.Warn().Int("pid", pid).Msg("running inside an OpenVZ container; ptrace attach may be restricted")
	}
}

// PrintSymbols writes the resolved address index to w, one line per
// function, for the symbols-only diagnostic mode.
func (s *ProfileSession) PrintSymbols(w io.Writer) {
	for i := 0; i < s.idx.Len(); i++ {
		fn := s.idx.At(i)
		fmt.Fprintf(w, "%#016x %8d %s\n", fn.Addr, fn.Length, fn.Name)
	}
}

// Snapshot implements TreeSnapshotter, serializing against the aggregator's
// lock so concurrent HTTP reads never race the sampling loop.
func (s *ProfileSession) Snapshot(fn func(tree *CallTree, vopts VisualizeOptions)) {
	s.agg.View(func(tree *CallTree, _, _ uint64) {
		fn(tree, VisualizeOptions{FullStack: s.cfg.FullStack, MinCostPercent: s.cfg.ThresholdPercent})
	})
}

// Run attaches to the target and drives the scheduler until SIGINT, target
// termination, or ctx cancellation, then writes the final report (unless
// the user requested a fast exit) and any configured dump files. The
// target is guaranteed detached on every return path.
func (s *ProfileSession) Run(ctx context.Context, stdout io.Writer) (RunResult, error) {
	if err := s.ctrl.Attach(); err != nil {
		_ = s.ctrl.Detach()
		return RunResult{Reason: ExitError}, err
	}
	s.cfg.Log.Info().Int("pid", s.cfg.Pid).Msg("attached")

	detach := func() {
		if err := s.ctrl.Detach(); err != nil {
			s.cfg.Log.Warn().Err(err).Msg("detach failed")
		}
	}

	if err := s.timeSource.Reset(s.cfg.Pid, s.cfg.Mode); err != nil {
		detach()
		return RunResult{Reason: ExitError}, err
	}

	var httpServer *http.Server
	if s.cfg.HTTPAddr != "" {
		httpServer = &http.Server{Addr: s.cfg.HTTPAddr, Handler: NewHandler(s.Snapshot)}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.cfg.Log.Warn().Err(err).Msg("http server stopped")
			}
		}()
	}

	keys := s.watchKeyPresses(ctx)

	res := s.sched.Run(ctx, keys, func() {
		s.Snapshot(func(tree *CallTree, vopts VisualizeOptions) {
			Visualize(stdout, tree, vopts)
		})
	})

	detach()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	if res.Reason == ExitFast {
		return res, res.Err
	}

	s.Snapshot(func(tree *CallTree, vopts VisualizeOptions) {
		Visualize(stdout, tree, vopts)
	})

	if s.cfg.CallgrindPath != "" {
		if err := s.dumpCallgrind(s.cfg.CallgrindPath); err != nil {
			s.cfg.Log.Warn().Err(err).Str("path", s.cfg.CallgrindPath).Msg("callgrind dump failed")
		}
	}
	if s.cfg.PprofPath != "" {
		if err := s.dumpPprof(s.cfg.PprofPath); err != nil {
			s.cfg.Log.Warn().Err(err).Str("path", s.cfg.PprofPath).Msg("pprof dump failed")
		}
	}

	return res, res.Err
}

func (s *ProfileSession) dumpCallgrind(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var werr error
	s.Snapshot(func(tree *CallTree, _ VisualizeOptions) {
		werr = WriteCallgrind(f, tree)
	})
	return werr
}

func (s *ProfileSession) dumpPprof(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var werr error
	s.Snapshot(func(tree *CallTree, _ VisualizeOptions) {
		werr = WriteProfile(f, BuildProfile(tree))
	})
	return werr
}

// watchKeyPresses starts a goroutine reading newline-delimited key presses
// from standard input, but only when it's an interactive terminal: piping a
// file or /dev/null into stdin must not make the scheduler think Enter was
// pressed once EOF arrives.
func (s *ProfileSession) watchKeyPresses(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ch
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case ch <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
