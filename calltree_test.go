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

import "testing"

func fn(name string) Function { return Function{Name: name, Addr: 0, Length: 0} }

func TestAggregatorMergeBuildsChain(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)

	ok := agg.Merge([]Function{fn("main"), fn("work"), fn("leaf")}, 10)
	if !ok {
		t.Fatalf("expected merge to succeed")
	}
	if agg.Captured != 1 || agg.Accounted != 1 {
		t.Fatalf("want Captured=1 Accounted=1, got %d/%d", agg.Captured, agg.Accounted)
	}

	root, ok := tree.Root()
	if !ok {
		t.Fatalf("expected a root")
	}
	if root.Fn != fn("main") || root.Self != 0 || root.Intermediate != 10 {
		t.Errorf("unexpected root: %+v", root)
	}
	if len(root.Children()) != 1 {
		t.Fatalf("expected 1 child of root, got %d", len(root.Children()))
	}

	work := tree.Node(root.Children()[0])
	if work.Fn != fn("work") || work.Self != 0 || work.Intermediate != 10 {
		t.Errorf("unexpected work node: %+v", work)
	}
	leaf := tree.Node(work.Children()[0])
	if leaf.Fn != fn("leaf") || leaf.Self != 10 || leaf.Intermediate != 0 {
		t.Errorf("unexpected leaf node: %+v", leaf)
	}
}

func TestAggregatorMergeSiblingsStayDistinct(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)

	agg.Merge([]Function{fn("main"), fn("a")}, 5)
	agg.Merge([]Function{fn("main"), fn("b")}, 7)
	agg.Merge([]Function{fn("main"), fn("a")}, 3)

	root, _ := tree.Root()
	if len(root.Children()) != 2 {
		t.Fatalf("expected 2 distinct children, got %d", len(root.Children()))
	}
	if root.Intermediate != 15 {
		t.Errorf("expected root intermediate cost to sum to 15, got %d", root.Intermediate)
	}

	var aSelf, bSelf uint64
	for _, c := range root.Children() {
		n := tree.Node(c)
		switch n.Fn.Name {
		case "a":
			aSelf = n.Self
		case "b":
			bSelf = n.Self
		}
	}
	if aSelf != 8 {
		t.Errorf("expected repeated calls into a to accumulate self cost to 8, got %d", aSelf)
	}
	if bSelf != 7 {
		t.Errorf("expected b's self cost to be 7, got %d", bSelf)
	}
}

func TestAggregatorMergeEmptyStackInstallsNoRoot(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)

	ok := agg.Merge(nil, 10)
	if ok {
		t.Errorf("expected an empty stack merge to not be accounted")
	}
	if agg.Captured != 1 || agg.Accounted != 0 {
		t.Fatalf("want Captured=1 Accounted=0, got %d/%d", agg.Captured, agg.Accounted)
	}
	if _, ok := tree.Root(); ok {
		t.Errorf("expected no root to be installed by an empty stack")
	}
}

func TestAggregatorDropAdvancesCapturedOnly(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)

	agg.Merge([]Function{fn("main")}, 1)
	agg.Drop()
	agg.Drop()

	if agg.Captured != 3 {
		t.Errorf("want Captured=3, got %d", agg.Captured)
	}
	if agg.Accounted != 1 {
		t.Errorf("want Accounted=1, got %d", agg.Accounted)
	}
}

func TestAggregatorMergeRootMismatchDropped(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)

	agg.Merge([]Function{fn("main"), fn("work")}, 4)
	ok := agg.Merge([]Function{fn("other"), fn("work")}, 9)
	if ok {
		t.Errorf("expected a stack rooted on a different function to be dropped")
	}

	root, _ := tree.Root()
	if root.Fn != fn("main") {
		t.Fatalf("expected root to remain anchored on main, got %+v", root.Fn)
	}
	if root.Intermediate != 4 {
		t.Errorf("expected the dropped sample to leave root's intermediate cost unchanged, got %d", root.Intermediate)
	}
	if agg.Captured != 2 {
		t.Errorf("want Captured=2, got %d", agg.Captured)
	}
	if agg.Accounted != 1 {
		t.Errorf("want Accounted=1, got %d", agg.Accounted)
	}
}

func TestAggregatorViewObservesConsistentSnapshot(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)
	agg.Merge([]Function{fn("main")}, 42)

	var sawSelf uint64
	var sawCaptured, sawAccounted uint64
	agg.View(func(tree *CallTree, captured, accounted uint64) {
		root, _ := tree.Root()
		sawSelf = root.Self
		sawCaptured, sawAccounted = captured, accounted
	})

	if sawSelf != 42 {
		t.Errorf("want self=42, got %d", sawSelf)
	}
	if sawCaptured != 1 || sawAccounted != 1 {
		t.Errorf("want captured/accounted 1/1, got %d/%d", sawCaptured, sawAccounted)
	}
}

func TestCallTreeNodeTotalCost(t *testing.T) {
	n := &CallTreeNode{Self: 3, Intermediate: 4}
	if n.TotalCost() != 7 {
		t.Errorf("want 7, got %d", n.TotalCost())
	}
}
