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
	"io"
)

// WriteCallgrind serializes tree in the Callgrind dump format: an
// events/summary header, a function-name table, and a depth-first sequence
// of per-node cost blocks. It writes nothing for an empty tree.
func WriteCallgrind(w io.Writer, tree *CallTree) error {
	rootIdx := tree.RootIndex()
	if rootIdx < 0 {
		return nil
	}

	ids := make(map[Function]int)
	var order []Function
	var total uint64

	var collect func(idx int)
	collect = func(idx int) {
		node := tree.Node(idx)
		for _, c := range node.Children() {
			collect(c)
		}
		if _, seen := ids[node.Fn]; !seen {
			ids[node.Fn] = len(order)
			order = append(order, node.Fn)
		}
		total += node.Self
	}
	collect(rootIdx)

	ew := &errWriter{w: w}
	ew.printf("events: Instructions\nsummary: %d\n\n\n", total)
	for _, fn := range order {
		ew.printf("fn=(%d) %s\n", ids[fn], fn.Name)
	}
	writeCallgrindCosts(ew, tree, rootIdx, ids)
	ew.printf("\n\n")
	return ew.err
}

func writeCallgrindCosts(ew *errWriter, tree *CallTree, idx int, ids map[Function]int) {
	node := tree.Node(idx)
	ew.printf("fn=(%d)\n", ids[node.Fn])
	ew.printf("1 %d\n", node.Self)

	for _, c := range node.Children() {
		child := tree.Node(c)
		ew.printf("cfn=(%d)\n", ids[child.Fn])
		ew.printf("calls=%d 1\n", child.TotalCost())
		ew.printf("1 %d\n", child.TotalCost())
	}

	for _, c := range node.Children() {
		ew.printf("\n")
		writeCallgrindCosts(ew, tree, c, ids)
	}
}

// errWriter accumulates the first write error across a sequence of Fprintf
// calls, so a multi-step serializer doesn't need to check err after every
// line.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
