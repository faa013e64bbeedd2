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
	"sort"

	"golang.org/x/exp/slices"
)

// Function is the canonical, resolved unit of attribution: a display name
// (demangled where possible), an absolute load address in the target's
// address space, and a length in bytes (zero permitted, meaning the entry
// matches exactly its one address).
type Function struct {
	Name   string
	Addr   uint64
	Length uint64
}

// Covers reports whether ip falls within [Addr, Addr+Length), treating a
// zero-length Function as covering exactly its own address.
func (f Function) Covers(ip uint64) bool {
	if f.Length == 0 {
		return ip == f.Addr
	}
	return ip >= f.Addr && ip < f.Addr+f.Length
}

// AddressIndex is a sorted, deduplicated sequence of Function, queryable by
// binary search. Once built it is immutable and safe for concurrent reads.
type AddressIndex struct {
	funcs []Function
}

// Len returns the number of functions in the index.
func (idx *AddressIndex) Len() int { return len(idx.funcs) }

// At returns the i'th function in address order.
func (idx *AddressIndex) At(i int) Function { return idx.funcs[i] }

// Lookup performs a binary search for the Function whose range contains ip.
// A miss returns ok == false; callers treat a miss as "unknown" rather than
// an error.
func (idx *AddressIndex) Lookup(ip uint64) (Function, bool) {
	funcs := idx.funcs
	// i is the index of the first function whose Addr is > ip; the
	// candidate covering ip, if any, is the one just before it.
	i := sort.Search(len(funcs), func(i int) bool {
		return funcs[i].Addr > ip
	})
	if i == 0 {
		return Function{}, false
	}
	if f := funcs[i-1]; f.Covers(ip) {
		return f, true
	}
	return Function{}, false
}

// BuildAddressIndexOptions configures NewAddressIndex.
type BuildAddressIndexOptions struct {
	// Demangle is applied to every raw symbol name. Defaults to
	// IdentityDemangler when nil.
	Demangle Demangler
}

// NewAddressIndex builds the global address->function table from the
// target's memory map: for every executable mapping with an absolute
// backing path, the static symbol table is used when the mapping's path
// equals the target's own executable, otherwise the dynamic symbol table is
// used and values are translated into target-space absolute addresses.
//
// Reconciliation sorts by (addr asc, length asc, name length asc) and keeps
// the first record at each address, so aliases and overlapping bounds both
// resolve to the tightest, shortest-named entry.
func NewAddressIndex(pid int, opts BuildAddressIndexOptions) (*AddressIndex, error) {
	demangle := opts.Demangle
	if demangle == nil {
		demangle = IdentityDemangler
	}

	exePath, err := ExecutablePath(pid)
	if err != nil {
		return nil, err
	}

	regions, err := ReadProcessMaps(pid)
	if err != nil {
		return nil, err
	}

	var all []Function
	for _, region := range regions {
		if !region.Executable() || region.Path == "" || region.Path[0] != '/' {
			continue
		}

		if region.Path == exePath {
			raws, err := ReadStaticSymbols(region.Path)
			if err != nil {
				continue // corrupt-input: skip this mapping, not fatal
			}
			for _, raw := range raws {
				if raw.Class != ClassText {
					continue
				}
				all = append(all, Function{
					Name:   demangle(raw.Name),
					Addr:   raw.Value,
					Length: raw.Size,
				})
			}
			continue
		}

		raws, err := ReadDynamicSymbols(region.Path)
		if err != nil {
			continue
		}
		loadStart, loadEnd := region.Offset, region.Offset+region.Len()
		for _, raw := range raws {
			if raw.Class != ClassText && raw.Class != ClassWeak {
				continue
			}
			if raw.Value < loadStart || raw.Value >= loadEnd {
				continue
			}
			all = append(all, Function{
				Name:   demangle(raw.Name),
				Addr:   raw.Value - loadStart + region.Start,
				Length: raw.Size,
			})
		}
	}

	return &AddressIndex{funcs: reconcile(all)}, nil
}

// reconcile implements the sort-and-sweep dedup policy for symbol aliases.
func reconcile(funcs []Function) []Function {
	slices.SortFunc(funcs, func(a, b Function) bool {
		if a.Addr != b.Addr {
			return a.Addr < b.Addr
		}
		if a.Length != b.Length {
			return a.Length < b.Length
		}
		return len(a.Name) < len(b.Name)
	})

	if len(funcs) == 0 {
		return nil
	}

	out := funcs[:1]
	for _, f := range funcs[1:] {
		if f.Addr != out[len(out)-1].Addr {
			out = append(out, f)
		}
	}
	return out
}
