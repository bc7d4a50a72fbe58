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

// loom is the thin status CLI against a running loomd: list ready and
// blocked issues, show the critical path, trigger a sync or an
// assignment pass. Rendering is intentionally plain text.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var daemonAddr string

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Status CLI for the loom orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&daemonAddr, "addr", "http://127.0.0.1:8080", "Daemon base URL")

	root.AddCommand(readyCmd(), blockedCmd(), criticalPathCmd(), issuesCmd(),
		reposCmd(), workflowsCmd(), syncCmd(), assignCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
}

type apiIssue struct {
	ID       string `json:"ID"`
	Title    string `json:"Title"`
	Priority int    `json:"Priority"`
	Type     string `json:"Type"`
	Status   string `json:"Status"`
	Assignee string `json:"Assignee"`
}

func get(path string, out any) error {
	resp, err := http.Get(daemonAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return json.Unmarshal(body, out)
}

func post(path string, in, out any) error {
	blob, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := http.Post(daemonAddr+path, "application/json", bytes.NewReader(blob))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func printIssues(issues []apiIssue) {
	if len(issues) == 0 {
		fmt.Println("(none)")
		return
	}
	for _, i := range issues {
		assignee := i.Assignee
		if assignee == "" {
			assignee = "-"
		}
		fmt.Printf("P%d  %-12s %-12s %-10s %s\n", i.Priority, i.ID, assignee, i.Status, i.Title)
	}
}

func issueListCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			var issues []apiIssue
			if err := get(path, &issues); err != nil {
				return err
			}
			printIssues(issues)
			return nil
		},
	}
}

func readyCmd() *cobra.Command {
	return issueListCommand("ready", "List issues ready to be worked", "/api/ready")
}

func blockedCmd() *cobra.Command {
	return issueListCommand("blocked", "List blocked issues", "/api/blocked")
}

func criticalPathCmd() *cobra.Command {
	return issueListCommand("critical-path", "Show the longest open dependency chain", "/api/critical-path")
}

func issuesCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/issues"
			if status != "" {
				path += "?status=" + status
			}
			var issues []apiIssue
			if err := get(path, &issues); err != nil {
				return err
			}
			printIssues(issues)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (open, in_progress, blocked, closed)")
	return cmd
}

func reposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "List tracked repositories and their sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var repos []struct {
				Owner      string     `json:"Owner"`
				Name       string     `json:"Name"`
				SyncStatus string     `json:"SyncStatus"`
				SyncError  string     `json:"SyncError"`
				LastSyncAt *time.Time `json:"LastSyncAt"`
			}
			if err := get("/api/repos", &repos); err != nil {
				return err
			}
			if len(repos) == 0 {
				fmt.Println("(none)")
				return nil
			}
			for _, r := range repos {
				status := r.SyncStatus
				if status == "" {
					status = "never-synced"
				}
				last := "-"
				if r.LastSyncAt != nil {
					last = r.LastSyncAt.Format(time.RFC3339)
				}
				fmt.Printf("%-30s %-13s %s", r.Owner+"/"+r.Name, status, last)
				if r.SyncError != "" {
					fmt.Printf("  (%s)", r.SyncError)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func workflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			var instances []struct {
				ID       string `json:"ID"`
				Workflow string `json:"Workflow"`
				Status   string `json:"Status"`
				Error    string `json:"Error"`
			}
			if err := get("/api/workflows", &instances); err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Println("(none)")
				return nil
			}
			for _, inst := range instances {
				fmt.Printf("%-10s %-12s %s", inst.Status, inst.Workflow, inst.ID)
				if inst.Error != "" {
					fmt.Printf("  (%s)", inst.Error)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger a reconciliation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				WorkflowID string `json:"workflow_id"`
			}
			if err := post("/api/sync", map[string]string{"repo": repo}, &out); err != nil {
				return err
			}
			fmt.Printf("started %s\n", out.WorkflowID)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "Limit to one repo (owner/name)")
	return cmd
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign",
		Short: "Run an assignment pass over ready issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Assigned int `json:"assigned"`
			}
			if err := post("/api/assign", map[string]string{}, &out); err != nil {
				return err
			}
			fmt.Printf("assigned %d issue(s)\n", out.Assigned)
			return nil
		},
	}
}
