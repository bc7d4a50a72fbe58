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
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/agentmatch"
	"github.com/loomhq/loom/internal/issue"
	"github.com/loomhq/loom/internal/step"
	"github.com/loomhq/loom/internal/workflow/development"
)

func newTestServer(t *testing.T) (*Daemon, *httptest.Server) {
	t.Helper()
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.routes())
	t.Cleanup(srv.Close)
	return d, srv
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func postJSON(t *testing.T, url string, in, out any) int {
	t.Helper()
	blob, err := json.Marshal(in)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(blob))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedIssue(t *testing.T, d *Daemon, id string, priority int, status issue.Status, labels []string) {
	t.Helper()
	now := time.Now().UTC()
	i := &issue.Issue{
		ID: id, Title: "Issue " + id, Type: issue.TypeTask,
		Priority: priority, Status: status, Labels: labels,
		CreatedAt: now, UpdatedAt: now,
	}
	if status == issue.StatusClosed {
		i.ClosedAt = &now
	}
	require.NoError(t, d.issues.Create(i))
}

func TestAPIReadyAndBlocked(t *testing.T) {
	d, srv := newTestServer(t)

	seedIssue(t, d, "A", 0, issue.StatusOpen, nil)
	seedIssue(t, d, "B", 1, issue.StatusOpen, nil)
	require.NoError(t, d.issues.AddDependency(issue.Dependency{
		FromID: "A", ToID: "B", Kind: issue.DependencyBlocks,
	}))

	var ready []issue.Issue
	getJSON(t, srv.URL+"/api/ready", &ready)
	require.Len(t, ready, 1)
	require.Equal(t, "A", ready[0].ID)

	var blocked []issue.Issue
	getJSON(t, srv.URL+"/api/blocked", &blocked)
	require.Len(t, blocked, 1)
	require.Equal(t, "B", blocked[0].ID)

	var path []issue.Issue
	getJSON(t, srv.URL+"/api/critical-path", &path)
	require.Len(t, path, 2)
	require.Equal(t, "A", path[0].ID)
}

func TestAPIIssuesFilter(t *testing.T) {
	d, srv := newTestServer(t)

	seedIssue(t, d, "open-1", 1, issue.StatusOpen, nil)
	seedIssue(t, d, "closed-1", 2, issue.StatusClosed, nil)

	var all []issue.Issue
	getJSON(t, srv.URL+"/api/issues", &all)
	require.Len(t, all, 2)

	var closed []issue.Issue
	getJSON(t, srv.URL+"/api/issues?status=closed", &closed)
	require.Len(t, closed, 1)
	require.Equal(t, "closed-1", closed[0].ID)
}

func TestAPIRepos(t *testing.T) {
	d, srv := newTestServer(t)

	require.NoError(t, d.issues.UpsertRepo(issue.Repo{
		Owner: "acme", Name: "widgets", InstallationID: 1, SyncEnabled: true,
	}))

	var repos []issue.Repo
	getJSON(t, srv.URL+"/api/repos", &repos)
	require.Len(t, repos, 1)
	require.Equal(t, "acme/widgets", repos[0].FullName())
}

func TestAPISyncStartsReconcileWorkflow(t *testing.T) {
	d, srv := newTestServer(t)

	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	status := postJSON(t, srv.URL+"/api/sync", map[string]string{}, &out)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, out.WorkflowID)

	// No repos configured: the run finishes immediately.
	waitForStatus(t, d.stepStore, out.WorkflowID, step.StatusComplete)

	var instances []step.Instance
	getJSON(t, srv.URL+"/api/workflows", &instances)
	require.Len(t, instances, 1)
	require.Equal(t, out.WorkflowID, instances[0].ID)
}

func TestAPITerminateWorkflow(t *testing.T) {
	d, srv := newTestServer(t)

	seedAwaitingInstance(t, d, "wf-a", development.Params{
		Owner: "acme", Repo: "widgets", InstallationID: 1, IssueID: "L1", AgentID: "tom",
	}, 42)
	require.NoError(t, d.runtime.Resume())
	waitForStatus(t, d.stepStore, "wf-a", step.StatusPaused)

	status := postJSON(t, srv.URL+"/api/workflows/wf-a/terminate", map[string]string{}, nil)
	require.Equal(t, http.StatusOK, status)

	inst := waitForStatus(t, d.stepStore, "wf-a", step.StatusFailed)
	require.Contains(t, inst.Error, "terminated")
}

func TestAPIAssign(t *testing.T) {
	d, srv := newTestServer(t)

	require.NoError(t, d.registry.Register(agentmatch.Registration{
		ID: "tom", Tier: agentmatch.TierSandbox, Model: agentmatch.ModelBest,
		Capabilities: []string{"code/*"}, Autonomy: agentmatch.AutonomyFull,
	}))
	require.NoError(t, d.issues.UpsertRepo(issue.Repo{
		Owner: "acme", Name: "widgets", InstallationID: 1, SyncEnabled: true,
	}))
	seedIssue(t, d, "L1", 1, issue.StatusOpen, []string{"code"})

	var out struct {
		Assigned int `json:"assigned"`
	}
	status := postJSON(t, srv.URL+"/api/assign", map[string]string{}, &out)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, out.Assigned)

	got, err := d.issues.Get("L1")
	require.NoError(t, err)
	require.Equal(t, "tom", got.Assignee)
}

func TestWebhookIngressIsMounted(t *testing.T) {
	_, srv := newTestServer(t)

	body := []byte(`{"action":"opened","issue":{"number":7,"title":"t","state":"open"},` +
		`"repository":{"name":"widgets","owner":{"login":"acme"}},"installation":{"id":1}}`)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/github", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Healthz rides on the same router.
	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}
