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

// Package tracker is the remote issue tracker API surface: the GitHub
// REST calls the sync engine and workflows make, behind an interface so
// tests can substitute a fake.
package tracker

import (
	"context"
	"time"
)

// RemoteIssue is the tracker's untyped view of an issue.
type RemoteIssue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Labels    []string   `json:"labels"`
	State     string     `json:"state"`
	Assignees []string   `json:"assignees"`
	HTMLURL   string     `json:"html_url"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// IssueRequest is a create or partial-update payload. Nil pointer
// fields are omitted so updates touch only what changed.
type IssueRequest struct {
	Title     *string   `json:"title,omitempty"`
	Body      *string   `json:"body,omitempty"`
	Labels    *[]string `json:"labels,omitempty"`
	State     *string   `json:"state,omitempty"`
	Assignees *[]string `json:"assignees,omitempty"`
}

// String returns a pointer to s, for IssueRequest fields.
func String(s string) *string { return &s }

// Strings returns a pointer to ss, for IssueRequest fields.
func Strings(ss []string) *[]string { return &ss }

// ListOptions filters ListIssues.
type ListOptions struct {
	State   string // "open", "closed", "all"
	Labels  []string
	Since   time.Time
	PerPage int
}

// PullRequestRequest opens a PR from Head into Base.
type PullRequestRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body,omitempty"`
}

// PullRequest is the tracker's view of an opened PR.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// Client is the full remote surface the module calls.
type Client interface {
	CreateIssue(ctx context.Context, owner, repo string, req IssueRequest) (*RemoteIssue, error)
	UpdateIssue(ctx context.Context, owner, repo string, number int, req IssueRequest) (*RemoteIssue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*RemoteIssue, error)
	ListIssues(ctx context.Context, owner, repo string, opts ListOptions) ([]*RemoteIssue, error)

	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error

	CreatePullRequest(ctx context.Context, owner, repo string, req PullRequestRequest) (*PullRequest, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int) error
}
