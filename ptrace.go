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

// State is one of the six states of the ptrace controller's state machine.
type State int

const (
	Detached State = iota
	Attaching
	Running
	Stopping
	Stopped
	Terminating
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// TerminationReason describes why the controller moved to Terminating.
type TerminationReason struct {
	Exited     bool
	ExitCode   int
	Signalled  bool
	TermSignal unix.Signal
}

// jobControlSignal reports whether sig is one of the job-control signals
// that indicate the target is being supervised by another party (its own
// shell's terminal driver, typically).
func jobControlSignal(sig unix.Signal) bool {
	switch sig {
	case unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return true
	default:
		return false
	}
}

// Controller is a state machine around ptrace attach/stop/continue/detach,
// signal forwarding, and lifecycle detection. It is the only component
// permitted to signal or wait on the target.
type Controller struct {
	Pid   int
	state State

	// lastStopSignal is the signal that produced the most recent Stopped
	// state, needed to decide what Resume forwards.
	lastStopSignal unix.Signal
	// selfRequested is true when the pending stop was solicited by
	// Controller.Stop (a SIGSTOP we sent), as opposed to a signal
	// destined for the target that merely happened to stop it.
	selfRequested bool

	term TerminationReason
}

// NewController returns a Controller for pid, initially Detached.
func NewController(pid int) *Controller {
	return &Controller{Pid: pid, state: Detached}
}

// State returns the controller's current state.
func (c *Controller) State() State { return c.state }

// Attach issues PTRACE_ATTACH, waits for the kernel-delivered initial stop,
// then immediately continues the target so it resumes running until the
// first sampling Stop. Attach failure is fatal and usually a permissions
// problem (see hintForAttachFailure).
func (c *Controller) Attach() error {
	if c.state != Detached {
		return newError(Internal, "Controller.Attach", c.Pid, fmt.Errorf("attach from state %s", c.state))
	}
	c.state = Attaching

	if err := unix.PtraceAttach(c.Pid); err != nil {
		c.state = Detached
		return newError(Permission, "Controller.Attach", c.Pid, fmt.Errorf("%w%s", err, hintForAttachFailure(err)))
	}

	res, err := c.wait(true)
	if err != nil {
		return err
	}
	if res.Outcome != waitStopped {
		return newError(Internal, "Controller.Attach", c.Pid, fmt.Errorf("unexpected wait outcome %v after attach", res.Outcome))
	}
	c.state = Stopped

	if err := unix.PtraceCont(c.Pid, 0); err != nil {
		return newError(Internal, "Controller.Attach", c.Pid, err)
	}
	c.state = Running
	return nil
}

func hintForAttachFailure(err error) string {
	if err == unix.EPERM {
		return " (check /proc/sys/kernel/yama/ptrace_scope, CAP_SYS_PTRACE, and that /proc/vz is absent)"
	}
	return ""
}

// Stop delivers a controlled SIGSTOP to the target and blocks until the
// kernel reports a stop or the target's end. On a nil return the state is
// Stopped (the target is stopped at a signal-delivery point, the
// precondition for using a RemoteUnwinder), Terminating if the target
// exited or was killed, or Detached if a job-control stop showed another
// supervisor taking over.
func (c *Controller) Stop() error {
	if c.state != Running {
		return newError(Internal, "Controller.Stop", c.Pid, fmt.Errorf("stop from state %s", c.state))
	}
	c.state = Stopping

	if err := unix.Kill(c.Pid, unix.SIGSTOP); err != nil {
		return newError(TargetLifecycle, "Controller.Stop", c.Pid, err)
	}

	res, err := c.wait(true)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case waitExited, waitSignaled:
		c.state = Terminating
		return nil
	case waitStopped:
		c.lastStopSignal = res.StopSignal
		c.selfRequested = res.StopSignal == unix.SIGSTOP
		if jobControlSignal(res.StopSignal) {
			// Another supervisor (e.g. the controlling shell) has
			// taken over job control of the target: forward the
			// signal and stop fighting for it.
			_ = ptraceDetach(c.Pid, res.StopSignal)
			c.state = Detached
			return nil
		}
		c.state = Stopped
		return nil
	default:
		return newError(Internal, "Controller.Stop", c.Pid, fmt.Errorf("unexpected wait outcome %v", res.Outcome))
	}
}

// Resume continues the stopped target. If the captured stop was solicited
// by Controller.Stop itself, signal 0 is forwarded (consuming it); otherwise
// the captured signal is forwarded unchanged so the target still receives
// whatever it was originally going to receive.
func (c *Controller) Resume() error {
	if c.state != Stopped {
		return newError(Internal, "Controller.Resume", c.Pid, fmt.Errorf("resume from state %s", c.state))
	}

	forward := c.lastStopSignal
	if c.selfRequested {
		forward = 0
	}
	if err := unix.PtraceCont(c.Pid, int(forward)); err != nil {
		return newError(Internal, "Controller.Resume", c.Pid, err)
	}
	c.state = Running
	return nil
}

// Detach releases ptrace supervision of the target, forwarding the most
// recently captured stop signal if the target is still stopped. It is safe
// to call from any state and must be called on every exit path: failure to
// detach leaves the target stopped.
func (c *Controller) Detach() error {
	for c.state == Running {
		// PTRACE_DETACH needs a stopped tracee: stop it with our own
		// SIGSTOP, passing on any other signal that stops it first.
		if err := c.Stop(); err != nil {
			c.state = Detached
			return err
		}
		if c.state == Stopped && !c.selfRequested {
			_ = c.Resume()
		}
	}
	if c.state == Detached || c.state == Terminating {
		c.state = Detached
		return nil
	}

	forward := c.lastStopSignal
	if c.selfRequested {
		forward = 0
	}
	err := ptraceDetach(c.Pid, forward)
	c.state = Detached
	if err != nil && err != unix.ESRCH {
		return newError(Internal, "Controller.Detach", c.Pid, err)
	}
	return nil
}

// ptraceDetach issues PTRACE_DETACH with a signal to forward on resume.
// golang.org/x/sys/unix's PtraceDetach does not expose the signal argument,
// so this goes through the raw syscall the way the package's own ptrace
// helpers do internally.
func ptraceDetach(pid int, sig unix.Signal) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(pid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Termination returns the reason the controller transitioned to
// Terminating. Only meaningful once State() == Terminating.
func (c *Controller) Termination() TerminationReason { return c.term }

type waitOutcome int

const (
	waitNothing waitOutcome = iota
	waitStopped
	waitExited
	waitSignaled
)

type waitResult struct {
	Outcome    waitOutcome
	StopSignal unix.Signal
	ExitCode   int
	TermSignal unix.Signal
}

// wait wraps wait4(2), translating the raw status into the outcomes the
// state machine cares about. blocking controls WNOHANG.
func (c *Controller) wait(blocking bool) (waitResult, error) {
	var status unix.WaitStatus
	options := 0
	if !blocking {
		options = unix.WNOHANG
	}

	var wpid int
	for {
		var err error
		wpid, err = unix.Wait4(c.Pid, &status, options, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return waitResult{}, newError(Internal, "Controller.wait", c.Pid, err)
		}
		break
	}
	if wpid == 0 {
		// WNOHANG and no status change pending.
		return waitResult{Outcome: waitNothing}, nil
	}

	switch {
	case status.Exited():
		c.term = TerminationReason{Exited: true, ExitCode: status.ExitStatus()}
		return waitResult{Outcome: waitExited, ExitCode: status.ExitStatus()}, nil
	case status.Signaled():
		c.term = TerminationReason{Signalled: true, TermSignal: status.Signal()}
		return waitResult{Outcome: waitSignaled, TermSignal: status.Signal()}, nil
	case status.Stopped():
		return waitResult{Outcome: waitStopped, StopSignal: status.StopSignal()}, nil
	default:
		return waitResult{Outcome: waitNothing}, nil
	}
}

// DiscardPendingStops drains any wait-status transitions that arrived while
// the controller wasn't expecting one (e.g. a delayed delivery racing the
// next tick), forwarding benign stops and reporting if the target's
// lifecycle ended in the meantime. It never blocks.
func (c *Controller) DiscardPendingStops() (terminated bool, err error) {
	for {
		res, err := c.wait(false)
		if err != nil {
			return false, err
		}
		switch res.Outcome {
		case waitNothing:
			return false, nil
		case waitExited, waitSignaled:
			c.state = Terminating
			return true, nil
		case waitStopped:
			forward := res.StopSignal
			if forward == unix.SIGSTOP {
				forward = 0
			}
			_ = unix.PtraceCont(c.Pid, int(forward))
		}
	}
}
