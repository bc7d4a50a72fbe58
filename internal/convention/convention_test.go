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

package convention

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/issue"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(Defaults())
	require.NoError(t, err)
	return c
}

func TestEncodeWithRelations(t *testing.T) {
	c := newCodec(t)

	remote := c.Encode(&issue.Issue{
		ID:          "L1",
		Title:       "Fix auth",
		Description: "Fix auth",
		Type:        issue.TypeBug,
		Priority:    1,
		Status:      issue.StatusOpen,
	}, Relations{DependsOn: []string{"10"}})

	require.Equal(t, "Fix auth", remote.Title)
	require.Equal(t, []string{"bug", "P1"}, remote.Labels)
	require.Empty(t, remote.Assignees)
	require.Equal(t, "open", remote.State)
	require.Equal(t,
		"Fix auth\n\n---\n<!-- sync-metadata - do not edit below -->\nDepends on: #10",
		remote.Body)
}

func TestEncodeWithoutRelationsHasNoSeparator(t *testing.T) {
	c := newCodec(t)

	remote := c.Encode(&issue.Issue{
		ID: "L1", Title: "Plain", Description: "Just text",
		Type: issue.TypeTask, Priority: 2, Status: issue.StatusOpen,
	}, Relations{})

	require.Equal(t, "Just text", remote.Body)
	require.NotContains(t, remote.Body, "---")
}

func TestEncodeStatusAndAssignee(t *testing.T) {
	c := newCodec(t)

	inProgress := c.Encode(&issue.Issue{
		ID: "L1", Title: "t", Type: issue.TypeTask, Priority: 2,
		Status: issue.StatusInProgress, Assignee: "tom",
	}, Relations{})
	require.Contains(t, inProgress.Labels, "status:in-progress")
	require.Equal(t, []string{"tom"}, inProgress.Assignees)
	require.Equal(t, "open", inProgress.State)

	closed := c.Encode(&issue.Issue{
		ID: "L1", Title: "t", Type: issue.TypeTask, Priority: 2,
		Status: issue.StatusClosed,
	}, Relations{})
	require.Equal(t, "closed", closed.State)
	require.NotContains(t, closed.Labels, "status:in-progress")
}

func TestEncodeDedupsLabels(t *testing.T) {
	c := newCodec(t)

	remote := c.Encode(&issue.Issue{
		ID: "L1", Title: "t", Type: issue.TypeBug, Priority: 0,
		Status: issue.StatusOpen,
		Labels: []string{"bug", "security", "P0", "security"},
	}, Relations{})

	require.Equal(t, []string{"bug", "P0", "security"}, remote.Labels)
}

func TestDecodeScenarioRoundTrip(t *testing.T) {
	c := newCodec(t)

	decoded := c.Decode(Remote{
		Title:  "Fix auth",
		Body:   "Fix auth\n\n---\n<!-- sync-metadata - do not edit below -->\nDepends on: #10",
		Labels: []string{"bug", "P1"},
		State:  "open",
	})

	require.Equal(t, issue.TypeBug, decoded.Type)
	require.Equal(t, 1, decoded.Priority)
	require.Equal(t, issue.StatusOpen, decoded.Status)
	require.Equal(t, "Fix auth", decoded.Description)
	require.Equal(t, []string{"10"}, decoded.Relations.DependsOn)
	require.Empty(t, decoded.Labels)
}

func TestDecodeDefaults(t *testing.T) {
	c := newCodec(t)

	decoded := c.Decode(Remote{Title: "t", State: "open"})
	require.Equal(t, issue.TypeTask, decoded.Type)
	require.Equal(t, 2, decoded.Priority)
	require.Equal(t, issue.StatusOpen, decoded.Status)
	require.Empty(t, decoded.Relations.DependsOn)
	require.Empty(t, decoded.Relations.Blocks)
	require.Empty(t, decoded.Relations.Parent)
}

func TestDecodeLowestPriorityWins(t *testing.T) {
	c := newCodec(t)

	decoded := c.Decode(Remote{
		Title: "t", State: "open",
		Labels: []string{"P3", "P0"},
	})
	require.Equal(t, 0, decoded.Priority)
}

func TestDecodeFirstTypeWinsRestPassThrough(t *testing.T) {
	c := newCodec(t)

	decoded := c.Decode(Remote{
		Title: "t", State: "open",
		Labels: []string{"enhancement", "bug", "", "frontend"},
	})
	// First type label wins; later type labels are consumed, not
	// passed through; empty labels are ignored.
	require.Equal(t, issue.TypeFeature, decoded.Type)
	require.Equal(t, []string{"frontend"}, decoded.Labels)
}

func TestDecodeClosedStateOverridesLabels(t *testing.T) {
	c := newCodec(t)

	decoded := c.Decode(Remote{
		Title: "t", State: "closed",
		Labels: []string{"status:in-progress"},
	})
	require.Equal(t, issue.StatusClosed, decoded.Status)
}

func TestDecodeRelationForms(t *testing.T) {
	c := newCodec(t)

	decoded := c.Decode(Remote{
		Title: "t", State: "open",
		Body: "Body\n\n---\n<!-- sync-metadata - do not edit below -->\n" +
			"Depends on: #5, https://github.com/acme/widgets/issues/7, #5\n" +
			"Blocks: #9\n" +
			"Parent: #3",
	})
	// URL and #N forms both yield bare numbers; duplicates collapse.
	require.Equal(t, []string{"5", "7"}, decoded.Relations.DependsOn)
	require.Equal(t, []string{"9"}, decoded.Relations.Blocks)
	require.Equal(t, "3", decoded.Relations.Parent)
	require.Equal(t, "Body", decoded.Description)
}

func TestDecodeEmptyBody(t *testing.T) {
	c := newCodec(t)
	decoded := c.Decode(Remote{Title: "t", State: "open", Body: ""})
	require.Equal(t, "", decoded.Description)
	require.False(t, decoded.Relations.HasAny())
}

func TestEncodeDecodeLaw(t *testing.T) {
	c := newCodec(t)

	original := &issue.Issue{
		ID: "L1", Title: "Fix auth", Description: "Fix auth body",
		Type: issue.TypeBug, Priority: 1, Status: issue.StatusInProgress,
		Assignee: "tom", Labels: []string{"security"},
	}
	remote := c.Encode(original, Relations{DependsOn: []string{"10"}, Blocks: []string{"11"}})
	decoded := c.Decode(remote)

	require.Equal(t, original.Type, decoded.Type)
	require.Equal(t, original.Priority, decoded.Priority)
	require.Equal(t, original.Status, decoded.Status)
	require.Equal(t, original.Description, decoded.Description)
	require.Equal(t, original.Labels, decoded.Labels)
	require.Equal(t, []string{"10"}, decoded.Relations.DependsOn)
	require.Equal(t, []string{"11"}, decoded.Relations.Blocks)
}

func TestMergeOverrides(t *testing.T) {
	merged := Defaults().Merge(Conventions{
		InProgressLabel: "wip",
		PriorityMap:     map[int]string{0: "urgent"},
	})

	require.Equal(t, "wip", merged.InProgressLabel)
	// Partial map override keeps the untouched keys.
	require.Equal(t, "urgent", merged.PriorityMap[0])
	require.Equal(t, "P1", merged.PriorityMap[1])
	// Unrelated fields untouched.
	require.Equal(t, "---", merged.Separator)

	codec, err := New(merged)
	require.NoError(t, err)
	remote := codec.Encode(&issue.Issue{
		ID: "L1", Title: "t", Type: issue.TypeTask, Priority: 0,
		Status: issue.StatusInProgress,
	}, Relations{})
	require.Contains(t, remote.Labels, "urgent")
	require.Contains(t, remote.Labels, "wip")
}
