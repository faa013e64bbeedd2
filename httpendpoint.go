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
	"net/http"

	"github.com/google/pprof/profile"
)

// TreeSnapshotter runs fn with a consistent view of the in-progress call
// tree, from whatever goroutine is safe to read it from (ProfileSession
// implements this over Aggregator.View, which holds the same lock Merge
// and Drop use).
type TreeSnapshotter func(fn func(tree *CallTree, vopts VisualizeOptions))

// NewHandler exposes the in-progress call tree over HTTP: the textual
// visualization at /debug/pidprof and a pprof-proto snapshot at
// /debug/pprof/profile, read-only, serving a live, still-accumulating
// session rather than a finished report.
func NewHandler(snapshot TreeSnapshotter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pidprof", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		snapshot(func(tree *CallTree, vopts VisualizeOptions) {
			Visualize(w, tree, vopts)
		})
	})

	mux.HandleFunc("/debug/pprof/profile", func(w http.ResponseWriter, r *http.Request) {
		var prof *profile.Profile
		snapshot(func(tree *CallTree, _ VisualizeOptions) {
			prof = BuildProfile(tree)
		})

		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", `attachment; filename="profile"`)
		if err := WriteProfile(w, prof); err != nil {
			serveError(w, http.StatusInternalServerError, err.Error())
		}
	})

	return mux
}

func serveError(w http.ResponseWriter, status int, txt string) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Del("Content-Disposition")
	w.WriteHeader(status)
	fmt.Fprintln(w, txt)
}
