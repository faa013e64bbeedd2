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
	"errors"
	"fmt"
	"testing"
)

func TestKindIsFatal(t *testing.T) {
	fatal := []Kind{Permission, NotFound, TargetLifecycle, Internal}
	nonFatal := []Kind{CorruptInput, TransientSample}

	for _, k := range fatal {
		if !k.IsFatal() {
			t.Errorf("%v should be fatal", k)
		}
	}
	for _, k := range nonFatal {
		if k.IsFatal() {
			t.Errorf("%v should not be fatal", k)
		}
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := newError(TransientSample, "Op", 42, cause)

	if !errors.Is(err, err) {
		t.Fatalf("expected error to be comparable to itself")
	}
	if got := errors.Unwrap(err); got == nil {
		t.Fatalf("expected Unwrap to return the wrapped cause")
	}
}

func TestErrorMessageIncludesOpAndPid(t *testing.T) {
	err := newError(NotFound, "ReadProcessMaps", 99, fmt.Errorf("no such file"))
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected a non-empty message")
	}
	want := "pidprof: ReadProcessMaps (pid 99): not-found: no such file"
	if msg != want {
		t.Errorf("want %q, got %q", want, msg)
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := newError(Internal, "Op", 1, nil)
	want := "pidprof: Op (pid 1): internal"
	if err.Error() != want {
		t.Errorf("want %q, got %q", want, err.Error())
	}
}
