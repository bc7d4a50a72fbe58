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

// Package agentmatch holds the agent registry and the score-based
// matcher that pairs ready issues with registered agents.
package agentmatch

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/issue"
)

// Tier is the execution weight class of an agent.
type Tier string

const (
	TierLight   Tier = "light"
	TierWorker  Tier = "worker"
	TierSandbox Tier = "sandbox"
)

// ModelPref orders agents by the cost of the model they ask for.
type ModelPref string

const (
	ModelCheap   ModelPref = "cheap"
	ModelFast    ModelPref = "fast"
	ModelOverall ModelPref = "overall"
	ModelBest    ModelPref = "best"
)

// Autonomy is how much unsupervised action an agent is trusted with.
type Autonomy string

const (
	AutonomyReadOnly Autonomy = "read-only"
	AutonomySuggest  Autonomy = "suggest"
	AutonomyFull     Autonomy = "full"
)

// Registration describes one agent the orchestrator can target.
type Registration struct {
	ID          string
	DisplayName string
	Description string
	Tier        Tier
	Model       ModelPref
	Framework   string
	// Capabilities are capability names, optionally with operation
	// wildcards ("code/*", "docs/review").
	Capabilities []string
	// Focus patterns are globs over file paths ("**/*.ts").
	Focus    []string
	Autonomy Autonomy
	Tools    []string
}

// Registry holds agent registrations in registration order, which is
// the final tie-break in matching.
type Registry struct {
	mu       sync.RWMutex
	agents   []Registration
	byID     map[string]int
	backends map[string]any
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]int),
		backends: make(map[string]any),
	}
}

// Register adds an agent. Duplicate ids and malformed registrations
// are refused.
func (r *Registry) Register(reg Registration) error {
	if reg.ID == "" {
		return &apperr.ValidationError{Field: "id", Message: "agent id is required"}
	}
	switch reg.Tier {
	case TierLight, TierWorker, TierSandbox:
	default:
		return &apperr.ValidationError{Field: "tier", Message: fmt.Sprintf("unknown tier %q", reg.Tier)}
	}
	switch reg.Autonomy {
	case "", AutonomyReadOnly, AutonomySuggest, AutonomyFull:
	default:
		return &apperr.ValidationError{Field: "autonomy", Message: fmt.Sprintf("unknown autonomy %q", reg.Autonomy)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[reg.ID]; ok {
		return &apperr.ValidationError{Field: "id", Message: fmt.Sprintf("agent %q already registered", reg.ID)}
	}
	r.byID[reg.ID] = len(r.agents)
	r.agents = append(r.agents, reg)
	return nil
}

// Bind attaches an execution backend to a registered agent. The
// backend must carry the capabilities the agent's tier implies:
// sandbox and worker tiers execute, so their backends must be
// ExecuteCapable; mismatches are refused at bind time rather than
// surfacing mid-workflow.
func (r *Registry) Bind(agentID string, backend any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byID[agentID]
	if !ok {
		return &apperr.NotFoundError{Resource: "agent", ID: agentID}
	}
	reg := r.agents[idx]
	if reg.Tier == TierSandbox || reg.Tier == TierWorker {
		if _, ok := backend.(ExecuteCapable); !ok {
			return &apperr.ValidationError{
				Field:   "backend",
				Message: fmt.Sprintf("agent %q (tier %s) requires an ExecuteCapable backend", agentID, reg.Tier),
			}
		}
	}
	r.backends[agentID] = backend
	return nil
}

// Get returns a registration by id.
func (r *Registry) Get(agentID string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[agentID]
	if !ok {
		return Registration{}, &apperr.NotFoundError{Resource: "agent", ID: agentID}
	}
	return r.agents[idx], nil
}

// List returns all registrations in registration order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, len(r.agents))
	copy(out, r.agents)
	return out
}

// ExecuteBackend returns the agent's backend as ExecuteCapable.
func (r *Registry) ExecuteBackend(agentID string) (ExecuteCapable, error) {
	backend, err := r.backend(agentID)
	if err != nil {
		return nil, err
	}
	exec, ok := backend.(ExecuteCapable)
	if !ok {
		return nil, &apperr.ValidationError{Field: "backend", Message: fmt.Sprintf("agent %q backend is not ExecuteCapable", agentID)}
	}
	return exec, nil
}

// ReviewBackend returns the agent's backend as ReviewCapable.
func (r *Registry) ReviewBackend(agentID string) (ReviewCapable, error) {
	backend, err := r.backend(agentID)
	if err != nil {
		return nil, err
	}
	rev, ok := backend.(ReviewCapable)
	if !ok {
		return nil, &apperr.ValidationError{Field: "backend", Message: fmt.Sprintf("agent %q backend is not ReviewCapable", agentID)}
	}
	return rev, nil
}

func (r *Registry) backend(agentID string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	backend, ok := r.backends[agentID]
	if !ok {
		return nil, &apperr.NotFoundError{Resource: "agent backend", ID: agentID}
	}
	return backend, nil
}

// Match is a matcher verdict: the chosen agent, how sure the matcher
// is, and a human-readable trail of why.
type Match struct {
	Agent      Registration
	Confidence float64
	Reason     string
}

// Matcher scores issues against the registry.
type Matcher struct {
	registry *Registry
}

// NewMatcher builds a Matcher over the registry.
func NewMatcher(registry *Registry) *Matcher {
	return &Matcher{registry: registry}
}

const focusCap = 2.0

// Match returns the best-scoring agent for the issue, or nil when no
// agent scores above zero. Ties break by higher autonomy, then cheaper
// model preference, then registration order.
func (m *Matcher) Match(i *issue.Issue) *Match {
	required := requiredCapabilities(i)
	paths := referencedPaths(i)

	agents := m.registry.List()
	var (
		best       *Registration
		bestScore  float64
		bestReason string
	)
	for idx := range agents {
		reg := agents[idx]

		capScore, capHits := scoreCapabilities(required, reg.Capabilities)
		focusScore, focusHits := scoreFocus(i.Title, paths, reg.Focus)
		score := capScore + focusScore
		if score <= 0 {
			continue
		}
		if best != nil && !beats(score, bestScore, reg, *best) {
			continue
		}
		best = &agents[idx]
		bestScore = score
		bestReason = buildReason(capHits, focusHits)
	}

	if best == nil {
		return nil
	}

	maxScore := float64(len(required)) + focusCap
	confidence := bestScore / maxScore
	if confidence > 1 {
		confidence = 1
	}
	return &Match{Agent: *best, Confidence: confidence, Reason: bestReason}
}

// beats reports whether a candidate with the given score displaces the
// current best.
func beats(score, bestScore float64, candidate, best Registration) bool {
	if score != bestScore {
		return score > bestScore
	}
	if a, b := autonomyRank(candidate.Autonomy), autonomyRank(best.Autonomy); a != b {
		return a > b
	}
	if a, b := modelCostRank(candidate.Model), modelCostRank(best.Model); a != b {
		return a < b
	}
	// Equal on every axis: earlier registration wins, and the current
	// best was registered earlier.
	return false
}

func autonomyRank(a Autonomy) int {
	switch a {
	case AutonomyFull:
		return 2
	case AutonomySuggest:
		return 1
	default:
		return 0
	}
}

func modelCostRank(m ModelPref) int {
	switch m {
	case ModelCheap:
		return 0
	case ModelFast:
		return 1
	case ModelOverall:
		return 2
	case ModelBest:
		return 3
	default:
		// An explicit model id: treated as the most expensive ask.
		return 4
	}
}

// requiredCapabilities derives the issue's capability demands from its
// labels plus its type, preserving label order.
func requiredCapabilities(i *issue.Issue) []string {
	seen := make(map[string]bool)
	var required []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		required = append(required, s)
	}
	for _, l := range i.Labels {
		add(l)
	}
	add(string(i.Type))
	return required
}

// scoreCapabilities awards +1 per exact capability match and +0.5 per
// wildcard match.
func scoreCapabilities(required, declared []string) (float64, []string) {
	var score float64
	var hits []string
	for _, req := range required {
		for _, decl := range declared {
			if decl == req {
				score += 1.0
				hits = append(hits, decl)
				break
			}
			if wildcardMatches(decl, req) {
				score += 0.5
				hits = append(hits, decl)
				break
			}
		}
	}
	return score, hits
}

// wildcardMatches reports whether a declared capability with operation
// wildcards ("code/*") covers a required capability name ("code" or
// "code/fix").
func wildcardMatches(declared, required string) bool {
	if !strings.Contains(declared, "*") {
		return false
	}
	if ok, err := path.Match(declared, required); err == nil && ok {
		return true
	}
	// "code/*" also covers the bare capability name "code".
	if name, _, ok := strings.Cut(declared, "/"); ok && name == required {
		return true
	}
	return false
}

// scoreFocus awards +1 per focus pattern matched by the issue title or
// any referenced file path, capped at +2.
func scoreFocus(title string, paths, focus []string) (float64, []string) {
	var score float64
	var hits []string
	for _, pattern := range focus {
		matched := matchGlob(pattern, title)
		if !matched {
			for _, p := range paths {
				if matchGlob(pattern, p) {
					matched = true
					break
				}
			}
		}
		if matched {
			score += 1.0
			hits = append(hits, pattern)
			if score >= focusCap {
				break
			}
		}
	}
	return score, hits
}

// matchGlob matches candidate against a glob pattern, treating a
// leading "**/" as "any directory prefix, including none". Bare file
// names referenced inside prose match on their base name.
func matchGlob(pattern, candidate string) bool {
	trimmed := strings.TrimPrefix(pattern, "**/")
	if ok, err := path.Match(pattern, candidate); err == nil && ok {
		return true
	}
	if ok, err := path.Match(trimmed, candidate); err == nil && ok {
		return true
	}
	if ok, err := path.Match(trimmed, path.Base(candidate)); err == nil && ok {
		return true
	}
	// Titles like "Fix bug in auth.ts" carry the file name mid-sentence.
	for _, word := range strings.Fields(candidate) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if ok, err := path.Match(trimmed, path.Base(word)); err == nil && ok {
			return true
		}
	}
	return false
}

var pathPattern = regexp.MustCompile(`[\w./-]*\w\.\w+`)

// referencedPaths pulls file-path-looking tokens out of the issue
// description so focus patterns can match against them.
func referencedPaths(i *issue.Issue) []string {
	return pathPattern.FindAllString(i.Description, -1)
}

func buildReason(capHits, focusHits []string) string {
	var parts []string
	if len(capHits) > 0 {
		parts = append(parts, "capabilities: "+strings.Join(capHits, ", "))
	}
	if len(focusHits) > 0 {
		parts = append(parts, "focus: "+strings.Join(focusHits, ", "))
	}
	if len(parts) == 0 {
		return "no signal"
	}
	return strings.Join(parts, "; ")
}
