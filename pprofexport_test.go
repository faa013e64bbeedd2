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
	"bytes"
	"testing"
)

func TestBuildProfileEmptyTree(t *testing.T) {
	prof := BuildProfile(NewCallTree())
	if len(prof.Sample) != 0 || len(prof.Function) != 0 {
		t.Errorf("expected an empty profile for an empty tree, got %+v", prof)
	}
}

func TestBuildProfileOneSamplePerSelfCostNode(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)
	// main has no self cost (only intermediate), mid and leaf each do.
	agg.Merge([]Function{fn("main"), fn("mid"), fn("leaf")}, 7)
	agg.Merge([]Function{fn("main"), fn("mid")}, 3)

	prof := BuildProfile(tree)

	if len(prof.Function) != 3 {
		t.Fatalf("expected 3 distinct functions, got %d", len(prof.Function))
	}
	if len(prof.Sample) != 2 {
		t.Fatalf("expected one sample per node with nonzero self cost (mid, leaf), got %d", len(prof.Sample))
	}

	for _, s := range prof.Sample {
		if len(s.Location) == 0 {
			t.Fatalf("expected every sample to carry a location stack")
		}
		leafName := s.Location[0].Line[0].Function.Name
		rootName := s.Location[len(s.Location)-1].Line[0].Function.Name
		if rootName != "main" {
			t.Errorf("expected the outermost location to be main, got %q", rootName)
		}
		if leafName != "mid" && leafName != "leaf" {
			t.Errorf("unexpected leaf location name %q", leafName)
		}
	}
}

func TestBuildProfileSampleValueMatchesSelfCost(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)
	agg.Merge([]Function{fn("only")}, 42)

	prof := BuildProfile(tree)
	if len(prof.Sample) != 1 {
		t.Fatalf("expected exactly 1 sample, got %d", len(prof.Sample))
	}
	if prof.Sample[0].Value[0] != 42 {
		t.Errorf("want value 42, got %d", prof.Sample[0].Value[0])
	}
}

func TestWriteProfileProducesOutput(t *testing.T) {
	tree := NewCallTree()
	agg := NewAggregator(tree)
	agg.Merge([]Function{fn("main")}, 1)
	prof := BuildProfile(tree)

	var buf bytes.Buffer
	if err := WriteProfile(&buf, prof); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() == 0 {
		t.Errorf("expected WriteProfile to produce non-empty output")
	}
}
