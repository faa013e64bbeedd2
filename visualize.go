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
	"sort"
)

const maxFunctionNameWidth = 60

// VisualizeOptions controls the textual tree rendering.
type VisualizeOptions struct {
	// FullStack disables the cosmetic collapse of the deepest
	// single-child chain rooted at the tree's actual root (normally used
	// to hide uninteresting startup frames).
	FullStack bool
	// MinCostPercent prunes children whose inclusive share of the
	// session total falls below this percentage.
	MinCostPercent float64
}

// Visualize writes an indented rendering of tree to w. It writes nothing if
// the tree has no accounted cost.
func Visualize(w io.Writer, tree *CallTree, opts VisualizeOptions) {
	rootIdx := tree.RootIndex()
	if rootIdx < 0 {
		return
	}

	total := tree.Node(rootIdx).TotalCost()
	if total == 0 {
		return
	}

	start := rootIdx
	if !opts.FullStack {
		for {
			n := tree.Node(start)
			if n.Self != 0 || len(n.Children()) != 1 {
				break
			}
			start = n.Children()[0]
		}
	}

	visualizeNode(w, tree, start, 0, false, "", total, opts.MinCostPercent)
}

// visualizeNode prints node idx and recurses into its visible children.
// isLast says whether idx was the last visible child of its own parent: it
// decides the gutter segment this node contributes to its children's
// prefix, not the connector drawn on its own line (which is always " \_ "
// at depth > 0).
func visualizeNode(w io.Writer, tree *CallTree, idx int, depth int, isLast bool, prefix string, total uint64, minCostPercent float64) {
	node := tree.Node(idx)
	percentFull := percentOf(node.TotalCost(), total)
	percentSelf := percentOf(node.Self, total)

	if depth > 0 {
		fmt.Fprint(w, prefix)
		fmt.Fprint(w, " \\_ ")
	}

	name := node.Fn.Name
	if len(name) > maxFunctionNameWidth {
		name = name[:maxFunctionNameWidth]
	}
	fmt.Fprintf(w, "%s (%.1f%% | %.1f%% self)\n", name, percentFull, percentSelf)

	children := node.Children()
	if len(children) == 0 {
		return
	}

	childPrefix := prefix
	if depth > 0 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += " |  "
		}
	}

	sorted := append([]int(nil), children...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return tree.Node(sorted[i]).TotalCost() > tree.Node(sorted[j]).TotalCost()
	})

	visible := 0
	for _, c := range sorted {
		if percentOf(tree.Node(c).TotalCost(), total) < minCostPercent {
			break
		}
		visible++
	}

	for i := 0; i < visible; i++ {
		visualizeNode(w, tree, sorted[i], depth+1, i+1 == visible, childPrefix, total, minCostPercent)
	}
}

func percentOf(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}
