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

import "sync"

// CallTreeNode is one node of the weighted call tree. Children are
// referenced by index into CallTree.nodes rather than by pointer: a design
// that kept raw pointers into a vector of siblings would invalidate them on
// reallocation, so the arena is indexed instead.
type CallTreeNode struct {
	Fn           Function
	Self         uint64
	Intermediate uint64
	children     []int // indices into CallTree.nodes
}

// TotalCost is the combined self and intermediate cost attributed to this
// node's subtree.
func (n *CallTreeNode) TotalCost() uint64 { return n.Self + n.Intermediate }

// CallTree is in practice a single-rooted tree once any sample has been
// merged, since the aggregator drops any stack whose outermost frame
// doesn't match the existing root.
type CallTree struct {
	nodes []CallTreeNode
	root  int // -1 until the first sample is merged
}

// NewCallTree returns an empty call tree.
func NewCallTree() *CallTree {
	return &CallTree{root: -1}
}

// Root returns the root node and true, or false if no sample has been
// merged yet.
func (t *CallTree) Root() (*CallTreeNode, bool) {
	if t.root < 0 {
		return nil, false
	}
	return &t.nodes[t.root], true
}

// RootIndex returns the arena index of the root node, or -1 if no sample
// has been merged yet. Consumers that need to walk the tree by index
// (Visualize, WriteCallgrind) start here.
func (t *CallTree) RootIndex() int { return t.root }

// Node returns the node at index i, as previously returned in a Children
// list. Valid only while no further Merge call has happened in between, since
// a Merge may grow the underlying arena (indices themselves remain stable
// across growth, unlike a raw pointer into the same slice would).
func (t *CallTree) Node(i int) *CallTreeNode { return &t.nodes[i] }

// Children returns the child node indices of n, sorted by nothing in
// particular: insertion order.
func (n *CallTreeNode) Children() []int { return n.children }

func (t *CallTree) childOf(parent int, fn Function) (int, bool) {
	for _, c := range t.nodes[parent].children {
		if t.nodes[c].Fn == fn {
			return c, true
		}
	}
	return 0, false
}

func (t *CallTree) newNode(fn Function) int {
	t.nodes = append(t.nodes, CallTreeNode{Fn: fn})
	return len(t.nodes) - 1
}

// Aggregator merges resolved stacks into a CallTree, maintaining the "one
// anchor root" invariant: attribution is only performed across stacks that
// share an entry point with the existing root.
//
// Merge/Drop are only ever called from the scheduler's single event loop,
// but the supplemental HTTP snapshot endpoint reads the tree from a second
// goroutine, so Aggregator also serializes against that: it is the sole
// mutator of the tree, which makes it the natural place to hold the lock a
// concurrent reader needs.
type Aggregator struct {
	mu   sync.Mutex
	tree *CallTree

	Captured  uint64
	Accounted uint64
}

// NewAggregator returns an Aggregator writing into tree.
func NewAggregator(tree *CallTree) *Aggregator {
	return &Aggregator{tree: tree}
}

// Merge folds a resolved stack (outermost frame first, as surviving,
// non-unknown Functions) into the tree, weighted by cost. It always
// increments Captured; it increments Accounted only if the sample was
// actually attributed to the tree.
//
// An empty stack is counted but not accounted and never installs a root.
// The first non-empty stack makes its outermost frame the root. A stack
// whose outermost frame disagrees with the existing root is dropped
// (Captured advances, Accounted does not): dropping rather than installing
// a second root preserves the invariant that total cost equals the root's
// inclusive cost.
func (a *Aggregator) Merge(stack []Function, cost uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Captured++

	if len(stack) == 0 {
		return false
	}

	t := a.tree
	if t.root < 0 {
		t.root = t.newNode(stack[0])
	} else if t.nodes[t.root].Fn != stack[0] {
		return false
	}

	parent := t.root
	for _, fn := range stack[1:] {
		child, ok := t.childOf(parent, fn)
		if !ok {
			child = t.newNode(fn)
			t.nodes[parent].children = append(t.nodes[parent].children, child)
		}
		t.nodes[parent].Intermediate += cost
		parent = child
	}
	t.nodes[parent].Self += cost

	a.Accounted++
	return true
}

// Drop records a sample that was captured but could not even be considered
// for attribution (a truncated stack, or a failed unwind): Captured
// advances, Accounted does not.
func (a *Aggregator) Drop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Captured++
}

// View runs fn with the tree and current counters, holding the lock that
// also guards Merge/Drop, so fn observes a consistent snapshot even while
// sampling continues concurrently (the HTTP endpoint's use case). fn must
// not call back into the Aggregator.
func (a *Aggregator) View(fn func(tree *CallTree, captured, accounted uint64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.tree, a.Captured, a.Accounted)
}
