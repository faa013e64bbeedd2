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

	"github.com/pkg/errors"
)

// Kind classifies an error raised anywhere in the profiling engine so
// callers can decide whether to abort, warn, or silently drop a sample.
type Kind int

const (
	// Permission means ptrace attach was denied, most commonly because of
	// missing capabilities or a restrictive yama ptrace_scope sysctl.
	Permission Kind = iota + 1
	// NotFound means the target pid has no /proc entry.
	NotFound
	// CorruptInput means an ELF file was unreadable or a maps line was
	// malformed. Never fatal: the offending input is skipped.
	CorruptInput
	// TransientSample means a single sample failed (truncated stack, root
	// mismatch, failed unwind). Profiling continues.
	TransientSample
	// TargetLifecycle means the target exited, was killed, or was taken
	// over by another supervisor. The session finalizes normally.
	TargetLifecycle
	// Internal means an invariant was violated. Always fatal.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Permission:
		return "permission"
	case NotFound:
		return "not-found"
	case CorruptInput:
		return "corrupt-input"
	case TransientSample:
		return "transient-sample"
	case TargetLifecycle:
		return "target-lifecycle"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the error type this package reports process, ptrace, symbol and
// clock failures with; the serializers (WriteCallgrind, WriteProfile) and
// context cancellation return their underlying errors as they are. It wraps a cause (when there is one) with a Kind so callers can
// branch on errors.As without string matching.
type Error struct {
	Kind Kind
	Op   string
	Pid  int
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("pidprof: %s (pid %d): %s: %v", e.Op, e.Pid, e.Kind, e.err)
	}
	return fmt.Sprintf("pidprof: %s (pid %d): %s", e.Op, e.Pid, e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// newError wraps cause (which may be nil) with errors.WithStack when it
// didn't already carry a stack trace, so the cause records where it was
// raised (printable with "%+v" on the unwrapped cause; cmd/pidprof itself
// prints only the message).
func newError(kind Kind, op string, pid int, cause error) *Error {
	if cause != nil {
		if _, ok := cause.(interface{ StackTrace() errors.StackTrace }); !ok {
			cause = errors.WithStack(cause)
		}
	}
	return &Error{Kind: kind, Op: op, Pid: pid, err: cause}
}

// IsFatal reports whether an error of this kind must unwind to the main
// loop (everything except TransientSample and CorruptInput, which are
// absorbed where they occur).
func (k Kind) IsFatal() bool {
	switch k {
	case TransientSample, CorruptInput:
		return false
	default:
		return true
	}
}
