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
	"fmt"

	"golang.org/x/sys/unix"
)

// TimeMode selects which clock ProcessTimeSource reads.
type TimeMode int

const (
	// RealTime reads a monotonic wall-clock, so sampling intervals are
	// measured in real elapsed time regardless of target activity.
	RealTime TimeMode = iota
	// CPUTime reads the target's own per-process CPU clock, so sampling
	// intervals are measured in CPU time actually consumed by the
	// target.
	CPUTime
	// IOWait is documented as unsupported: reset always fails for this
	// mode.
	IOWait
)

// ProcessTimeSource exposes Reset/Delta over either a monotonic clock or a
// per-process CPU clock, tagged to a target pid. Clock-creation failure and
// an initial-read failure are both reported, distinctly from "no such
// process" (which ReadProcessMaps/ExecutablePath already distinguish).
type ProcessTimeSource struct {
	pid      int
	mode     TimeMode
	clockID  int32
	prevTime int64 // nanoseconds
}

// Reset (re)selects the clock for pid under mode and takes the first
// reading, which becomes the baseline for the next Delta call.
func (p *ProcessTimeSource) Reset(pid int, mode TimeMode) error {
	switch mode {
	case RealTime:
		p.clockID = unix.CLOCK_MONOTONIC
	case CPUTime:
		clockID, err := cpuClockID(pid)
		if err != nil {
			return newError(Internal, "ProcessTimeSource.Reset", pid, err)
		}
		p.clockID = clockID
	case IOWait:
		return newError(Internal, "ProcessTimeSource.Reset", pid, fmt.Errorf("io-wait time mode is unsupported"))
	default:
		return newError(Internal, "ProcessTimeSource.Reset", pid, fmt.Errorf("unknown time mode %d", mode))
	}

	p.pid = pid
	p.mode = mode

	now, err := readClock(p.clockID)
	if err != nil {
		return newError(Internal, "ProcessTimeSource.Reset", pid, err)
	}
	p.prevTime = now
	return nil
}

// Delta returns the nanoseconds elapsed since the previous Reset or Delta
// call, and rebases the baseline to now.
func (p *ProcessTimeSource) Delta() (int64, error) {
	now, err := readClock(p.clockID)
	if err != nil {
		return 0, newError(Internal, "ProcessTimeSource.Delta", p.pid, err)
	}
	dt := now - p.prevTime
	p.prevTime = now
	if dt < 0 {
		dt = 0
	}
	return dt, nil
}

func readClock(clockID int32) (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return 0, err
	}
	return ts.Sec*1e9 + ts.Nsec, nil
}

// cpuClockID derives the dynamic per-process CPU clock id for pid using the
// same encoding glibc's clock_getcpuclockid(3) produces, avoiding a syscall
// round-trip: CPUCLOCK_PID(pid) = ((~pid) << 3) | CPUCLOCK_SCHED, with
// CPUCLOCK_SCHED == 2 selecting the process-wide (not per-thread) clock.
func cpuClockID(pid int) (int32, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	const cpuClockSched = 2
	return int32((^int32(pid) << 3) | cpuClockSched), nil
}
