// Copyright 2025 Tom Barlow
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

package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/internal/dag"
	"github.com/loomhq/loom/internal/issue"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/tracing"
	"github.com/loomhq/loom/internal/workflow/reconcile"
)

// routes assembles the daemon's full HTTP surface: the status API
// plus the webhook ingress.
func (d *Daemon) routes() chi.Router {
	graph := dag.New(d.issues)

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		api.Use(tracing.TracingMiddleware)
		api.Use(log.Middleware(d.logger))

		api.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
			issues, err := graph.Ready()
			respondList(w, issues, err)
		})
		api.Get("/blocked", func(w http.ResponseWriter, req *http.Request) {
			issues, err := graph.Blocked()
			respondList(w, issues, err)
		})
		api.Get("/critical-path", func(w http.ResponseWriter, req *http.Request) {
			issues, err := graph.CriticalPath()
			respondList(w, issues, err)
		})
		api.Get("/issues", func(w http.ResponseWriter, req *http.Request) {
			filter := issue.ListFilter{
				Status:   issue.Status(req.URL.Query().Get("status")),
				Assignee: req.URL.Query().Get("assignee"),
				Type:     issue.Type(req.URL.Query().Get("type")),
				Label:    req.URL.Query().Get("label"),
			}
			issues, err := d.issues.List(filter)
			respondList(w, issues, err)
		})
		api.Get("/repos", func(w http.ResponseWriter, req *http.Request) {
			repos, err := d.issues.ListRepos(false)
			respondList(w, repos, err)
		})
		api.Get("/workflows", func(w http.ResponseWriter, req *http.Request) {
			instances, err := d.stepStore.ListInstances()
			respondList(w, instances, err)
		})
		api.Post("/sync", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Repo string `json:"repo"`
			}
			// An empty body means "all repos".
			json.NewDecoder(req.Body).Decode(&body)

			id := fmt.Sprintf("reconcile-%d", time.Now().UnixNano())
			if err := d.runtime.Start(reconcile.WorkflowName, id, reconcile.Params{Repo: body.Repo}); err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id})
		})
		api.Post("/assign", func(w http.ResponseWriter, req *http.Request) {
			repos, err := d.issues.ListRepos(true)
			if err != nil {
				respondError(w, err)
				return
			}
			total := 0
			for _, repo := range repos {
				assignments, err := d.orch.AssignReadyIssues(repo)
				if err != nil {
					respondError(w, err)
					return
				}
				total += len(assignments)
			}
			respondJSON(w, http.StatusOK, map[string]int{"assigned": total})
		})
		api.Post("/workflows/{id}/terminate", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			if err := d.runtime.Terminate(id, "terminated via api"); err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, map[string]string{"workflow_id": id})
		})
	})
	r.Mount("/", d.handler.Routes())
	return r
}

func respondList[T any](w http.ResponseWriter, items []T, err error) {
	if err != nil {
		respondError(w, err)
		return
	}
	if items == nil {
		items = []T{}
	}
	respondJSON(w, http.StatusOK, items)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
