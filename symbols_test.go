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
	"os"
	"testing"
)

func TestFunctionCoversZeroLength(t *testing.T) {
	f := Function{Name: "point", Addr: 0x1000, Length: 0}
	if !f.Covers(0x1000) {
		t.Errorf("zero-length function should cover exactly its own address")
	}
	if f.Covers(0x1001) {
		t.Errorf("zero-length function should not cover any other address")
	}
}

func TestFunctionCoversRange(t *testing.T) {
	f := Function{Name: "f", Addr: 0x2000, Length: 0x10}
	if !f.Covers(0x2000) || !f.Covers(0x200f) {
		t.Errorf("expected range endpoints to be covered")
	}
	if f.Covers(0x2010) {
		t.Errorf("range end is exclusive")
	}
	if f.Covers(0x1fff) {
		t.Errorf("address before range should not be covered")
	}
}

func TestReconcileSymbolAliasesKeepsTighterEntry(t *testing.T) {
	// spec scenario: two raw symbols at the same address, lengths 16 and
	// 32, names "_Znwm" and "operator new(unsigned long)"; only the
	// shorter, shorter-named entry should survive.
	in := []Function{
		{Name: "operator new(unsigned long)", Addr: 0x1000, Length: 32},
		{Name: "_Znwm", Addr: 0x1000, Length: 16},
	}
	out := reconcile(in)
	if len(out) != 1 {
		t.Fatalf("expected reconciliation to leave a single entry, got %d: %+v", len(out), out)
	}
	if out[0].Length != 16 || out[0].Name != "_Znwm" {
		t.Errorf("expected the tighter entry to win, got %+v", out[0])
	}
}

func TestReconcileKeepsDistinctAddresses(t *testing.T) {
	in := []Function{
		{Name: "g", Addr: 0x2000, Length: 8},
		{Name: "f", Addr: 0x1000, Length: 8},
	}
	out := reconcile(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	if out[0].Addr > out[1].Addr {
		t.Errorf("expected reconcile to leave output sorted by address")
	}
}

func TestAddressIndexLookupInvariant(t *testing.T) {
	idx := &AddressIndex{funcs: []Function{
		{Name: "a", Addr: 0x1000, Length: 0x10},
		{Name: "b", Addr: 0x1010, Length: 0x20},
		{Name: "c", Addr: 0x1040, Length: 0}, // single point
	}}

	for i := 0; i < idx.Len(); i++ {
		f := idx.At(i)
		for addr := f.Addr; addr < f.Addr+max1(f.Length); addr++ {
			got, ok := idx.Lookup(addr)
			if !ok || got != f {
				t.Errorf("Lookup(%#x): want %+v, got %+v (ok=%v)", addr, f, got, ok)
			}
		}
	}

	if _, ok := idx.Lookup(0x999); ok {
		t.Errorf("expected a miss below the first function")
	}
	if _, ok := idx.Lookup(0x1030); ok {
		t.Errorf("expected a miss in the gap between b and c")
	}
	if _, ok := idx.Lookup(0x2000); ok {
		t.Errorf("expected a miss past the last function")
	}
}

func max1(length uint64) uint64 {
	if length == 0 {
		return 1
	}
	return length
}

func TestAddressIndexSortedNoDuplicates(t *testing.T) {
	in := []Function{
		{Name: "c", Addr: 0x3000, Length: 8},
		{Name: "a", Addr: 0x1000, Length: 8},
		{Name: "a2", Addr: 0x1000, Length: 16},
		{Name: "b", Addr: 0x2000, Length: 8},
	}
	out := reconcile(in)
	if len(out) != 3 {
		t.Fatalf("expected duplicate address to collapse, got %d entries", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i-1].Addr >= out[i].Addr {
			t.Errorf("expected strictly increasing addresses, got %+v", out)
		}
	}
}

func TestNewAddressIndexSelf(t *testing.T) {
	idx, err := NewAddressIndex(os.Getpid(), BuildAddressIndexOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < idx.Len(); i++ {
		if idx.At(i-1).Addr >= idx.At(i).Addr {
			t.Errorf("expected the built index to be sorted by address")
			break
		}
	}
}
