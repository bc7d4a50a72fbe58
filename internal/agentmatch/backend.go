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

package agentmatch

import "context"

// Agent execution backends are opaque to this module: the sandboxed
// code-generation runtime lives out of process and is reached over RPC.
// Backends vary in what they can do, so capability is modeled as a set
// of narrow interfaces rather than one wide one; a workflow asserts
// only the capability it needs.

// ExecuteRequest asks a backend to implement a task on a branch.
type ExecuteRequest struct {
	Task    string `json:"task"`
	Context string `json:"context,omitempty"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Push    bool   `json:"push"`
}

// ExecuteResult is what the sandbox reports back.
type ExecuteResult struct {
	Diff         string `json:"diff"`
	FilesChanged int    `json:"files_changed"`
	PushedBranch string `json:"pushed_branch"`
	TestResults  string `json:"test_results,omitempty"`
}

// ReviewRequest asks a backend to review a diff.
type ReviewRequest struct {
	Repo string `json:"repo"`
	Diff string `json:"diff"`
	Task string `json:"task"`
}

// ReviewResult is the backend's review verdict.
type ReviewResult struct {
	Approved bool     `json:"approved"`
	Summary  string   `json:"summary"`
	Comments []string `json:"comments,omitempty"`
}

// AskRequest is a lightweight question to a chat-capable backend.
type AskRequest struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// AskResult is the backend's answer.
type AskResult struct {
	Answer string `json:"answer"`
}

// ExecuteCapable backends can produce and push code changes.
type ExecuteCapable interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// ReviewCapable backends can review a diff.
type ReviewCapable interface {
	Review(ctx context.Context, req ReviewRequest) (*ReviewResult, error)
}

// AskCapable backends can answer free-form questions.
type AskCapable interface {
	Ask(ctx context.Context, req AskRequest) (*AskResult, error)
}
