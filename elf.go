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
	"debug/elf"
)

// SymbolClass is the one-character ELF symbol class code attached to a
// RawSymbol: 'T' (text) or 'W' (weak). Only function-class symbols are ever
// extracted.
type SymbolClass byte

const (
	ClassText SymbolClass = 'T'
	ClassWeak SymbolClass = 'W'
)

// RawSymbol is one function-class entry read from an ELF symbol table,
// before translation to an absolute target-space address.
type RawSymbol struct {
	Name  string
	Value uint64
	Size  uint64
	Class SymbolClass
}

// ReadStaticSymbols returns the function-class (text-only) entries of the
// static symbol table of the ELF file at path. An empty result is a valid
// answer (stripped binary); failure is reserved for "file unreadable / not
// ELF".
func ReadStaticSymbols(path string) ([]RawSymbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, newError(CorruptInput, "ReadStaticSymbols", 0, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		// No symbol table at all (stripped binary) is not an error.
		return nil, nil
	}
	return filterFunctionSymbols(syms, false), nil
}

// ReadDynamicSymbols returns the function-class entries (text and weak) of
// the dynamic symbol table of the ELF file at path. Weak symbols are kept
// here only, to catch library function aliases.
func ReadDynamicSymbols(path string) ([]RawSymbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, newError(CorruptInput, "ReadDynamicSymbols", 0, err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, nil
	}
	return filterFunctionSymbols(syms, true), nil
}

func filterFunctionSymbols(syms []elf.Symbol, includeWeak bool) []RawSymbol {
	out := make([]RawSymbol, 0, len(syms))
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_GNU_IFUNC:
		default:
			continue
		}

		class := ClassText
		switch elf.ST_BIND(s.Info) {
		case elf.STB_WEAK:
			if !includeWeak {
				continue
			}
			class = ClassWeak
		case elf.STB_LOCAL, elf.STB_GLOBAL:
		default:
			continue
		}

		out = append(out, RawSymbol{
			Name:  s.Name,
			Value: s.Value,
			Size:  s.Size,
			Class: class,
		})
	}
	return out
}
