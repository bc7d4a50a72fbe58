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

// Package convention encodes and decodes the Issue Store's typed Issue
// into the untyped (title, body, labels, state, assignees) surface a
// GitHub-shaped remote tracker exposes, and back. All rules (label maps,
// the in-progress label, relation patterns, the body separator) are
// configurable; Conventions.Merge layers overrides onto Defaults().
package convention

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loomhq/loom/internal/issue"
)

// Remote is the untyped shape the tracker stores and returns.
type Remote struct {
	Title     string
	Body      string
	Labels    []string
	State     string // "open" or "closed"
	Assignees []string
}

const (
	remoteStateOpen   = "open"
	remoteStateClosed = "closed"
)

// Conventions holds every configurable rule the codec applies.
type Conventions struct {
	TypeMap          map[issue.Type]string
	PriorityMap      map[int]string
	InProgressLabel  string
	DependsOnPattern string
	BlocksPattern    string
	ParentPattern    string
	Separator        string
	MetadataComment  string
}

// Defaults returns the conventions described by spec.md §4.C.
func Defaults() Conventions {
	return Conventions{
		TypeMap: map[issue.Type]string{
			issue.TypeBug:     "bug",
			issue.TypeFeature: "enhancement",
			issue.TypeTask:    "task",
			issue.TypeEpic:    "epic",
			issue.TypeChore:   "chore",
		},
		PriorityMap: map[int]string{
			0: "P0",
			1: "P1",
			2: "P2",
			3: "P3",
			4: "P4",
		},
		InProgressLabel:  "status:in-progress",
		DependsOnPattern: `(?im)^Depends on:\s*(.+)$`,
		BlocksPattern:    `(?im)^Blocks:\s*(.+)$`,
		ParentPattern:    `(?im)^Parent:\s*(.+)$`,
		Separator:        "---",
		MetadataComment:  "<!-- sync-metadata - do not edit below -->",
	}
}

// Merge deep-merges non-zero fields of override onto a copy of the
// receiver, returning the result. Maps are merged key-by-key so a
// partial override (e.g. just one priority label) doesn't drop the rest
// of the default map.
func (c Conventions) Merge(override Conventions) Conventions {
	result := c
	if override.TypeMap != nil {
		result.TypeMap = mergeStringMap(c.TypeMap, override.TypeMap)
	}
	if override.PriorityMap != nil {
		result.PriorityMap = mergeIntMap(c.PriorityMap, override.PriorityMap)
	}
	if override.InProgressLabel != "" {
		result.InProgressLabel = override.InProgressLabel
	}
	if override.DependsOnPattern != "" {
		result.DependsOnPattern = override.DependsOnPattern
	}
	if override.BlocksPattern != "" {
		result.BlocksPattern = override.BlocksPattern
	}
	if override.ParentPattern != "" {
		result.ParentPattern = override.ParentPattern
	}
	if override.Separator != "" {
		result.Separator = override.Separator
	}
	if override.MetadataComment != "" {
		result.MetadataComment = override.MetadataComment
	}
	return result
}

func mergeStringMap(base, override map[issue.Type]string) map[issue.Type]string {
	merged := make(map[issue.Type]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func mergeIntMap(base, override map[int]string) map[int]string {
	merged := make(map[int]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// Relations is the set of dependency references extracted from or
// destined for an issue body, expressed as remote-number-or-local-id
// strings (the codec itself never resolves local<->remote; that's the
// Sync Engine's job via the mapping table).
type Relations struct {
	DependsOn []string
	Blocks    []string
	Parent    string
}

// Codec performs the encode/decode translation for one configured set
// of Conventions.
type Codec struct {
	conv        Conventions
	dependsOnRe *regexp.Regexp
	blocksRe    *regexp.Regexp
	parentRe    *regexp.Regexp
}

// New compiles a Codec from the given conventions.
func New(conv Conventions) (*Codec, error) {
	dependsOnRe, err := regexp.Compile(conv.DependsOnPattern)
	if err != nil {
		return nil, fmt.Errorf("convention: compile depends_on pattern: %w", err)
	}
	blocksRe, err := regexp.Compile(conv.BlocksPattern)
	if err != nil {
		return nil, fmt.Errorf("convention: compile blocks pattern: %w", err)
	}
	parentRe, err := regexp.Compile(conv.ParentPattern)
	if err != nil {
		return nil, fmt.Errorf("convention: compile parent pattern: %w", err)
	}
	return &Codec{conv: conv, dependsOnRe: dependsOnRe, blocksRe: blocksRe, parentRe: parentRe}, nil
}

// Encode translates an Issue plus its resolved relation references (the
// caller resolves local ids to remote numbers via the mapping table
// first, falling back to raw local ids when unmapped) into a Remote.
func (c *Codec) Encode(i *issue.Issue, rel Relations) Remote {
	var labels []string
	seen := make(map[string]bool)
	addLabel := func(l string) {
		if l == "" || seen[l] {
			return
		}
		seen[l] = true
		labels = append(labels, l)
	}

	if typeLabel, ok := c.conv.TypeMap[i.Type]; ok {
		addLabel(typeLabel)
	}
	if prioLabel, ok := c.conv.PriorityMap[i.Priority]; ok {
		addLabel(prioLabel)
	}
	if i.Status == issue.StatusInProgress {
		addLabel(c.conv.InProgressLabel)
	}
	for _, l := range i.Labels {
		addLabel(l)
	}

	body := i.Description
	if rel.HasAny() {
		var b strings.Builder
		b.WriteString(body)
		b.WriteString("\n\n")
		b.WriteString(c.conv.Separator)
		b.WriteString("\n")
		b.WriteString(c.conv.MetadataComment)
		if len(rel.DependsOn) > 0 {
			b.WriteString("\nDepends on: ")
			b.WriteString(formatRefs(rel.DependsOn))
		}
		if len(rel.Blocks) > 0 {
			b.WriteString("\nBlocks: ")
			b.WriteString(formatRefs(rel.Blocks))
		}
		if rel.Parent != "" {
			b.WriteString("\nParent: #")
			b.WriteString(rel.Parent)
		}
		body = b.String()
	}

	state := remoteStateOpen
	if i.Status == issue.StatusClosed {
		state = remoteStateClosed
	}

	var assignees []string
	if i.Assignee != "" {
		assignees = []string{i.Assignee}
	}

	return Remote{
		Title:     i.Title,
		Body:      body,
		Labels:    labels,
		State:     state,
		Assignees: assignees,
	}
}

// HasAny reports whether any relation is present, controlling whether
// the separator block is emitted at all.
func (r Relations) HasAny() bool {
	return len(r.DependsOn) > 0 || len(r.Blocks) > 0 || r.Parent != ""
}

func formatRefs(refs []string) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = "#" + r
	}
	return strings.Join(parts, ", ")
}

// Decoded is the result of decoding a Remote: the Issue-shaped fields
// plus the relation references found in the body.
type Decoded struct {
	Type        issue.Type
	Priority    int
	Status      issue.Status
	Labels      []string
	Description string
	Relations   Relations
}

// Decode translates a Remote into Decoded fields. Description is the
// body with the metadata block (separator onward) stripped.
func (c *Codec) Decode(r Remote) Decoded {
	d := Decoded{
		Type:     issue.TypeTask, // default per spec.md §4.C
		Priority: 2,              // default per spec.md §4.C
	}

	typeSet := false
	prioritySet := false
	inProgress := false

	// Reverse-lookup maps preserve the configured type/priority ordering
	// so "first match of each type-label sets type" is well defined.
	typeOrder := orderedTypeKeys(c.conv.TypeMap)
	labelToType := make(map[string]issue.Type)
	for _, t := range typeOrder {
		labelToType[c.conv.TypeMap[t]] = t
	}
	labelToPriority := make(map[string]int)
	for p, l := range c.conv.PriorityMap {
		labelToPriority[l] = p
	}

	var lowestPriority = -1
	var remaining []string
	for _, l := range r.Labels {
		if l == "" {
			continue
		}
		if t, ok := labelToType[l]; ok {
			// Type labels are partitioned out; the first one sets the
			// type and later ones are consumed without effect.
			if !typeSet {
				d.Type = t
				typeSet = true
			}
			continue
		}
		if p, ok := labelToPriority[l]; ok {
			if lowestPriority == -1 || p < lowestPriority {
				lowestPriority = p
				prioritySet = true
			}
			continue
		}
		if l == c.conv.InProgressLabel {
			inProgress = true
			continue
		}
		remaining = append(remaining, l)
	}
	d.Labels = remaining

	if prioritySet {
		d.Priority = lowestPriority
	}

	switch {
	case r.State == remoteStateClosed:
		d.Status = issue.StatusClosed
	case inProgress:
		d.Status = issue.StatusInProgress
	default:
		d.Status = issue.StatusOpen
	}

	body, relations := c.parseBody(r.Body)
	d.Description = body
	d.Relations = relations

	return d
}

func orderedTypeKeys(m map[issue.Type]string) []issue.Type {
	order := []issue.Type{issue.TypeBug, issue.TypeFeature, issue.TypeTask, issue.TypeEpic, issue.TypeChore}
	var result []issue.Type
	for _, t := range order {
		if _, ok := m[t]; ok {
			result = append(result, t)
		}
	}
	for t := range m {
		found := false
		for _, o := range result {
			if o == t {
				found = true
				break
			}
		}
		if !found {
			result = append(result, t)
		}
	}
	return result
}

func (c *Codec) parseBody(body string) (string, Relations) {
	if body == "" {
		return "", Relations{}
	}

	description := body
	if idx := strings.Index(body, "\n"+c.conv.Separator); idx >= 0 {
		description = strings.TrimRight(body[:idx], "\n")
	} else if idx := strings.Index(body, c.conv.Separator); idx == 0 {
		description = ""
	}

	var rel Relations
	if m := c.dependsOnRe.FindStringSubmatch(body); m != nil {
		rel.DependsOn = dedupRefs(extractRefs(m[1]))
	}
	if m := c.blocksRe.FindStringSubmatch(body); m != nil {
		rel.Blocks = dedupRefs(extractRefs(m[1]))
	}
	if m := c.parentRe.FindStringSubmatch(body); m != nil {
		refs := extractRefs(m[1])
		if len(refs) > 0 {
			rel.Parent = refs[0]
		}
	}
	return description, rel
}

var refPattern = regexp.MustCompile(`#(\d+)|/issues/(\d+)`)

func extractRefs(s string) []string {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	var refs []string
	for _, m := range matches {
		if m[1] != "" {
			refs = append(refs, m[1])
		} else if m[2] != "" {
			refs = append(refs, m[2])
		}
	}
	return refs
}

func dedupRefs(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	var result []string
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		result = append(result, r)
	}
	return result
}
