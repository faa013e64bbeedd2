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

package pidprof

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// fastExitWindow is how long the scheduler waits for a second SIGINT before
// deciding the first one was the user's only signal.
const fastExitWindow = 333 * time.Millisecond

// ExitReason classifies why Scheduler.Run returned.
type ExitReason int

const (
	// ExitNormal means a single SIGINT (or context cancellation) asked
	// for a final report before exit.
	ExitNormal ExitReason = iota
	// ExitFast means a second SIGINT arrived within fastExitWindow: skip
	// the final report and detach immediately.
	ExitFast
	// ExitTargetGone means the ptrace controller observed the target
	// exit or be killed, or detached from it after another supervisor
	// took over job control.
	ExitTargetGone
	// ExitError means an unrecoverable error occurred; see RunResult.Err.
	ExitError
)

// RunResult is what Scheduler.Run returns.
type RunResult struct {
	Reason ExitReason
	Err    error
}

// Scheduler is the single-threaded event loop: a periodic ticker decides
// when to sample, a key-press channel asks for a snapshot, and SIGINT asks
// for finalization. Channels take the place of the self-pipe/latched-flag
// handlers a C implementation of the same loop would use; the ordering
// guarantees (one event handled at a time, sampling never overlaps) fall
// out of using a single select loop.
type Scheduler struct {
	pid      int
	interval time.Duration
	maxDepth int
	policy   SamplingPolicy

	ctrl       *Controller
	unwinder   RemoteUnwinder
	idx        *AddressIndex
	demangle   Demangler
	timeSource *ProcessTimeSource
	agg        *Aggregator

	log zerolog.Logger

	TicksFired uint64

	firstTickSeen bool
}

// NewScheduler wires together the components a sampling session needs.
// freqHz is clamped to a minimum of 1.
func NewScheduler(pid int, freqHz float64, maxDepth int, policy SamplingPolicy, ctrl *Controller, unwinder RemoteUnwinder, idx *AddressIndex, demangle Demangler, timeSource *ProcessTimeSource, agg *Aggregator, log zerolog.Logger) *Scheduler {
	if freqHz < 1 {
		freqHz = 1
	}
	if demangle == nil {
		demangle = IdentityDemangler
	}
	return &Scheduler{
		pid:        pid,
		interval:   time.Duration(float64(time.Second) / freqHz),
		maxDepth:   maxDepth,
		policy:     policy,
		ctrl:       ctrl,
		unwinder:   unwinder,
		idx:        idx,
		demangle:   demangle,
		timeSource: timeSource,
		agg:        agg,
		log:        log,
	}
}

// Run drives the event loop until SIGINT, target termination, or ctx is
// cancelled. keys delivers one value per user key press (typically Enter on
// the controlling terminal); onSnapshot is invoked between samples when a
// key press arrives, never concurrently with a sample.
func (s *Scheduler) Run(ctx context.Context, keys <-chan struct{}, onSnapshot func()) RunResult {
	sigint := make(chan os.Signal, 2)
	signal.Notify(sigint, unix.SIGINT)
	defer signal.Stop(sigint)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return RunResult{Reason: ExitNormal, Err: ctx.Err()}

		case <-ticker.C:
			s.TicksFired++

			if !s.firstTickSeen {
				s.firstTickSeen = true
				// Discard the first interval: it measures attach
				// setup latency, not the workload.
				if _, err := s.timeSource.Delta(); err != nil {
					return RunResult{Reason: ExitError, Err: err}
				}
				continue
			}

			if !s.policy.ShouldSample(s.pid) {
				continue
			}

			terminated, err := s.sampleOnce()
			if err != nil {
				return RunResult{Reason: ExitError, Err: err}
			}
			if terminated {
				return RunResult{Reason: ExitTargetGone}
			}

		case <-keys:
			if onSnapshot != nil {
				onSnapshot()
			}

		case <-sigint:
			return s.awaitFastExit(sigint)
		}
	}
}

// awaitFastExit implements the double-SIGINT fast-exit window: a second
// SIGINT arriving within fastExitWindow skips the final report.
func (s *Scheduler) awaitFastExit(sigint <-chan os.Signal) RunResult {
	select {
	case <-sigint:
		return RunResult{Reason: ExitFast}
	case <-time.After(fastExitWindow):
		return RunResult{Reason: ExitNormal}
	}
}

// sampleOnce runs one stop/unwind/resume cycle and merges its result into
// the aggregator. It reports terminated == true if the controller observed
// the target end during the stop, or detached from it on a job-control stop.
func (s *Scheduler) sampleOnce() (terminated bool, err error) {
	cost, err := s.timeSource.Delta()
	if err != nil {
		return false, err
	}

	if err := s.ctrl.Stop(); err != nil {
		if k, ok := errKind(err); ok && !k.IsFatal() {
			s.agg.Drop()
			return false, nil
		}
		return false, err
	}
	if s.ctrl.State() != Stopped {
		// Terminating (exited/signalled) or Detached (job-control
		// takeover): either way there is nothing left to sample.
		return true, nil
	}

	stack, unwErr := s.unwinder.Unwind(s.pid, s.maxDepth)

	if resErr := s.ctrl.Resume(); resErr != nil {
		return false, resErr
	}

	if unwErr != nil {
		s.log.Debug().Int("pid", s.pid).Err(unwErr).Msg("sample dropped: unwind failed")
		s.agg.Drop()
		return false, nil
	}

	if len(stack.IPs) >= s.maxDepth {
		s.log.Debug().Int("pid", s.pid).Msg("sample dropped: truncated stack")
		s.agg.Drop()
		return false, nil
	}

	resolved := stack.Resolve(s.idx, s.demangle)
	s.agg.Merge(resolved, uint64(cost))
	return false, nil
}

// errKind extracts the Kind of err if it (or something it wraps) is an
// *Error produced by newError.
func errKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
