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
	"io"

	"github.com/google/pprof/profile"
)

// BuildProfile converts tree into a pprof profile.Profile, one Sample per
// tree node with non-zero self cost, its Location stack ordered leaf-first
// as pprof expects. This is a supplemental export alongside the Callgrind
// dump: it lets `go tool pprof` consume a session directly.
func BuildProfile(tree *CallTree) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
	}

	rootIdx := tree.RootIndex()
	if rootIdx < 0 {
		return prof
	}

	funcIDs := make(map[Function]uint64)
	locations := make(map[Function]*profile.Location)
	var nextFuncID, nextLocID uint64 = 1, 1

	locationFor := func(fn Function) *profile.Location {
		if loc, ok := locations[fn]; ok {
			return loc
		}
		fid, ok := funcIDs[fn]
		if !ok {
			fid = nextFuncID
			nextFuncID++
			funcIDs[fn] = fid
			prof.Function = append(prof.Function, &profile.Function{
				ID:         fid,
				Name:       fn.Name,
				SystemName: fn.Name,
			})
		}
		loc := &profile.Location{
			ID:   nextLocID,
			Line: []profile.Line{{Function: prof.Function[fid-1]}},
		}
		nextLocID++
		locations[fn] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	var path []*profile.Location
	var walk func(idx int)
	walk = func(idx int) {
		node := tree.Node(idx)
		path = append(path, locationFor(node.Fn))

		if node.Self > 0 {
			leafFirst := make([]*profile.Location, len(path))
			for i, loc := range path {
				leafFirst[len(path)-1-i] = loc
			}
			prof.Sample = append(prof.Sample, &profile.Sample{
				Location: leafFirst,
				Value:    []int64{int64(node.Self)},
			})
		}

		for _, c := range node.Children() {
			walk(c)
		}
		path = path[:len(path)-1]
	}
	walk(rootIdx)

	return prof
}

// WriteProfile gzip-serializes prof as pprof's wire format expects.
func WriteProfile(w io.Writer, prof *profile.Profile) error {
	return prof.Write(w)
}
