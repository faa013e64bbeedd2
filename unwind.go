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
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Stack is a captured, unresolved call stack: instruction pointers ordered
// innermost frame first, the order a frame-pointer walk naturally produces.
type Stack struct {
	IPs []uint64
}

// RemoteUnwinder captures a Stack from a stopped target. The target must
// already be ptrace-stopped; RemoteUnwinder never stops or resumes it.
type RemoteUnwinder interface {
	Unwind(pid int, maxDepth int) (Stack, error)
}

// FramePointerUnwinder walks the target's call stack by chasing saved
// base-pointer links, the same technique original_source/trace.c used
// libunwind-ptrace for. It requires the target to have been built with
// frame pointers retained (no -fomit-frame-pointer); targets built without
// them unwind short, and the shorter stack is returned without an error.
type FramePointerUnwinder struct{}

// Unwind reads the target's current registers and walks up to maxDepth
// frames following saved %rbp links. It stops early, without error, on any
// unreadable word, a null return address, or a base pointer that fails to
// strictly increase (which would indicate a cycle or corrupted stack).
func (FramePointerUnwinder) Unwind(pid int, maxDepth int) (Stack, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return Stack{}, newError(TransientSample, "FramePointerUnwinder.Unwind", pid, err)
	}

	ips := make([]uint64, 0, maxDepth)
	ips = append(ips, regs.Rip)

	bp := regs.Rbp
	for len(ips) < maxDepth && bp != 0 {
		savedBP, err := peekWord(pid, bp)
		if err != nil {
			break
		}
		retAddr, err := peekWord(pid, bp+8)
		if err != nil || retAddr == 0 {
			break
		}
		ips = append(ips, retAddr)
		if savedBP <= bp {
			break
		}
		bp = savedBP
	}

	return Stack{IPs: ips}, nil
}

// peekWord reads one 8-byte word from the target's address space at addr.
func peekWord(pid int, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := unix.PtracePeekData(pid, uintptr(addr), buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short peek at 0x%x: got %d bytes", addr, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Resolve maps a captured Stack through idx, applying demangle to each
// resolved name, and returns the result outermost-frame-first: the order
// Aggregator.Merge expects. Addresses that don't resolve to any known
// function are dropped rather than represented as a placeholder, since a
// gap in an otherwise-resolved stack is still informative, but a run of
// unknown-named nodes is not.
func (s Stack) Resolve(idx *AddressIndex, demangle Demangler) []Function {
	if demangle == nil {
		demangle = IdentityDemangler
	}

	resolved := make([]Function, 0, len(s.IPs))
	for i := len(s.IPs) - 1; i >= 0; i-- {
		fn, ok := idx.Lookup(s.IPs[i])
		if !ok {
			continue
		}
		fn.Name = demangle(fn.Name)
		resolved = append(resolved, fn)
	}
	return resolved
}
