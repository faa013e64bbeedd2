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

import "github.com/ianlancetaylor/demangle"

// Demangler turns a raw, possibly-mangled symbol name into a human-readable
// one. It must be a pure function: same input, same output, no allocation
// surprises on the symbol-index build path. The core stays correct with the
// identity demangler too, so the engine works without a language-demangler
// library available; names just display mangled.
type Demangler func(name string) string

// IdentityDemangler returns its input unchanged.
func IdentityDemangler(name string) string { return name }

// GoPlusPlusDemangler demangles Itanium C++ ABI mangled names (the scheme
// used by GCC/Clang, and the one most native binaries on Linux carry).
// Names it doesn't recognize as mangled are returned unchanged.
func GoPlusPlusDemangler(name string) string {
	return demangle.Filter(name)
}
