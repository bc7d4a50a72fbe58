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

// Package daemon wires the whole system together: the shared store,
// the sync engine per tracked repo, the durable workflow runtime with
// both workflows registered, the webhook ingress, the assignment
// passes, and the cron schedule driving reconciliation and dedup
// eviction.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/agentmatch"
	"github.com/loomhq/loom/internal/assign"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/convention"
	"github.com/loomhq/loom/internal/issue"
	issuesqlite "github.com/loomhq/loom/internal/issue/sqlite"
	"github.com/loomhq/loom/internal/retry"
	"github.com/loomhq/loom/internal/step"
	stepsqlite "github.com/loomhq/loom/internal/step/sqlite"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/sync"
	"github.com/loomhq/loom/internal/tracker"
	"github.com/loomhq/loom/internal/tracker/tokencache"
	"github.com/loomhq/loom/internal/tracing"
	"github.com/loomhq/loom/internal/webhook"
	"github.com/loomhq/loom/internal/workflow/development"
	"github.com/loomhq/loom/internal/workflow/reconcile"
)

// Daemon is the assembled service.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	issues    *issuesqlite.Store
	stepStore *stepsqlite.Store
	runtime   *step.Runtime

	registry *agentmatch.Registry
	orch     *assign.Orchestrator

	client    tracker.Client
	codec     *convention.Codec
	engineFor reconcile.EngineFactory

	provider *tracing.Provider
	handler  *webhook.Handler
	cron     *cron.Cron
}

// New wires a Daemon from configuration. Nothing starts running until
// Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: logger}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	d.provider = provider

	db, err := store.Open(store.Config{Path: cfg.Store.Path, WAL: cfg.Store.WAL})
	if err != nil {
		return nil, err
	}
	d.db = db

	if d.issues, err = issuesqlite.New(db); err != nil {
		return nil, err
	}
	if d.stepStore, err = stepsqlite.New(db); err != nil {
		return nil, err
	}

	if d.codec, err = convention.New(codecConventions(cfg.Conventions)); err != nil {
		return nil, err
	}

	tokens := tokencache.New(tokencache.MinterFunc(func(ctx context.Context, installationID int64) (tokencache.Token, error) {
		// Installation-token minting against the GitHub App endpoint is
		// deliberately out of scope; deployments hand the daemon a
		// pre-minted token. The cache still serializes refresh.
		token := os.Getenv("LOOM_GITHUB_TOKEN")
		if token == "" {
			return tokencache.Token{}, fmt.Errorf("LOOM_GITHUB_TOKEN is not set")
		}
		return tokencache.Token{Value: token, ExpiresAt: time.Now().Add(50 * time.Minute)}, nil
	}))

	client, err := tracker.NewGitHubClient(tracker.GitHubConfig{
		BaseURL:           cfg.GitHub.APIBaseURL,
		InstallationID:    cfg.GitHub.InstallationID,
		Timeout:           cfg.Retry.Timeout.Std(),
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
	}, tokens, logger)
	if err != nil {
		return nil, err
	}
	d.client = client

	githubRetrier := retry.New(retryConfig(cfg.Retry), nil)
	sandboxRetrier := retry.New(retryConfig(cfg.Sandbox), nil)
	collector := provider.MetricsCollector()

	d.engineFor = func(scope sync.Scope) *sync.Engine {
		return sync.New(d.issues, d.codec, d.client, githubRetrier,
			scope, sync.Strategy(cfg.Sync.Strategy), logger,
			sync.WithMetrics(collector))
	}

	d.registry = agentmatch.NewRegistry()
	for _, a := range cfg.Agents {
		reg := agentmatch.Registration{
			ID:           a.ID,
			DisplayName:  a.DisplayName,
			Description:  a.Description,
			Tier:         agentmatch.Tier(a.Tier),
			Model:        agentmatch.ModelPref(a.Model),
			Framework:    a.Framework,
			Capabilities: a.Capabilities,
			Focus:        a.Focus,
			Autonomy:     agentmatch.Autonomy(a.Autonomy),
			Tools:        a.Tools,
		}
		if err := d.registry.Register(reg); err != nil {
			return nil, fmt.Errorf("daemon: register agent %q: %w", a.ID, err)
		}
		if a.Endpoint != "" {
			backend, err := newRPCBackend(a.Endpoint, cfg.Sandbox.Timeout.Std())
			if err != nil {
				return nil, fmt.Errorf("daemon: build backend for %q: %w", a.ID, err)
			}
			if err := d.registry.Bind(a.ID, backend); err != nil {
				return nil, fmt.Errorf("daemon: bind backend for %q: %w", a.ID, err)
			}
		}
	}

	d.runtime = step.NewRuntime(d.stepStore, logger,
		step.WithTracer(provider.Tracer("loom/step")),
		step.WithMetrics(collector))

	devWorkflow := development.New(development.Config{
		Store:           d.issues,
		Registry:        d.registry,
		Client:          d.client,
		SandboxRetrier:  sandboxRetrier,
		GitHubRetrier:   githubRetrier,
		ApprovalTimeout: cfg.Workflow.PRApprovalTimeout.Std(),
		BaseBranch:      cfg.Workflow.BaseBranch,
		Logger:          logger,
	})
	if err := devWorkflow.Register(d.runtime); err != nil {
		return nil, err
	}
	recWorkflow := reconcile.New(d.issues, d.engineFor, logger, nil)
	if err := recWorkflow.Register(d.runtime); err != nil {
		return nil, err
	}

	d.orch = assign.New(d.issues, agentmatch.NewMatcher(d.registry), d.runtime, d.stepStore, logger)

	for _, r := range cfg.Repos {
		enabled := true
		if r.SyncEnabled != nil {
			enabled = *r.SyncEnabled
		}
		if err := d.issues.UpsertRepo(issue.Repo{
			Owner:          r.Owner,
			Name:           r.Name,
			InstallationID: r.InstallationID,
			SyncEnabled:    enabled,
		}); err != nil {
			return nil, fmt.Errorf("daemon: upsert repo %s/%s: %w", r.Owner, r.Name, err)
		}
	}

	d.handler = webhook.NewHandler(cfg.GitHub.WebhookSecret, d.processWebhook, logger)
	d.cron = cron.New()
	return d, nil
}

func retryConfig(rc config.RetryConfig) retry.Config {
	return retry.Config{
		MaxRetries:   rc.MaxRetries,
		BaseDelay:    time.Duration(rc.BaseDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(rc.MaxDelayMS) * time.Millisecond,
		JitterFactor: rc.JitterFactor,
	}
}

func codecConventions(cc config.ConventionsConfig) convention.Conventions {
	override := convention.Conventions{
		PriorityMap:      cc.PriorityMap,
		InProgressLabel:  cc.InProgressLabel,
		DependsOnPattern: cc.DependsOnPattern,
		BlocksPattern:    cc.BlocksPattern,
		ParentPattern:    cc.ParentPattern,
		Separator:        cc.Separator,
	}
	if cc.TypeMap != nil {
		override.TypeMap = make(map[issue.Type]string, len(cc.TypeMap))
		for k, v := range cc.TypeMap {
			override.TypeMap[issue.Type(k)] = v
		}
	}
	return convention.Defaults().Merge(override)
}

// Run starts every component and blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.runtime.Resume(); err != nil {
		return err
	}

	interval := d.cfg.Sync.ReconciliationInterval.Std()
	if _, err := d.cron.AddFunc(fmt.Sprintf("@every %s", interval), d.triggerReconcile); err != nil {
		return err
	}
	if _, err := d.cron.AddFunc("@every 1m", d.assignPass); err != nil {
		return err
	}
	if _, err := d.cron.AddFunc("@daily", d.sweepDeliveries); err != nil {
		return err
	}
	d.cron.Start()

	apiServer := &http.Server{Addr: d.cfg.Server.Addr, Handler: d.routes()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", d.provider.MetricsHandler())
	metricsServer := &http.Server{Addr: d.cfg.Server.MetricsAddr, Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("http server listening", slog.String("addr", d.cfg.Server.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		d.logger.Info("metrics server listening", slog.String("addr", d.cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		cronDone := d.cron.Stop()
		<-cronDone.Done()

		apiServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
		if err := d.runtime.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("runtime shutdown", slog.Any("error", err))
		}
		d.provider.Shutdown(shutdownCtx)
		return d.db.Close()
	})
	return g.Wait()
}

// triggerReconcile starts one reconciliation workflow instance.
func (d *Daemon) triggerReconcile() {
	id := fmt.Sprintf("reconcile-%d", time.Now().UnixNano())
	if err := d.runtime.Start(reconcile.WorkflowName, id, reconcile.Params{}); err != nil {
		d.logger.Error("start reconcile workflow", slog.Any("error", err))
	}
}

// assignPass matches ready issues to agents for every tracked repo.
func (d *Daemon) assignPass() {
	repos, err := d.issues.ListRepos(true)
	if err != nil {
		d.logger.Error("list repos for assignment", slog.Any("error", err))
		return
	}
	for _, repo := range repos {
		if _, err := d.orch.AssignReadyIssues(repo); err != nil {
			d.logger.Error("assignment pass",
				slog.String("repo", repo.FullName()),
				slog.Any("error", err))
		}
	}
}

// sweepDeliveries evicts webhook dedup entries past the TTL.
func (d *Daemon) sweepDeliveries() {
	cutoff := time.Now().Add(-d.cfg.Sync.DedupTTL.Std())
	n, err := d.issues.EvictDeliveries(cutoff)
	if err != nil {
		d.logger.Error("evict webhook deliveries", slog.Any("error", err))
		return
	}
	if n > 0 {
		d.logger.Info("evicted webhook deliveries", slog.Int("count", n))
	}
}

// processWebhook routes a delivery to the owning repo's sync engine,
// and routes PR review approvals to the workflow instance awaiting
// them.
func (d *Daemon) processWebhook(ctx context.Context, ev sync.Event) (sync.Result, error) {
	var envelope struct {
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
		return sync.Result{}, fmt.Errorf("daemon: decode webhook envelope: %w", err)
	}

	scope := sync.Scope{
		Owner:          envelope.Repository.Owner.Login,
		Repo:           envelope.Repository.Name,
		InstallationID: envelope.Installation.ID,
	}

	if ev.Kind == "pull_request_review" {
		return sync.Result{}, d.routeApproval(scope, ev)
	}

	if scope.Owner == "" || scope.Repo == "" {
		// Not repo-scoped (ping, installation events): dedup only.
		scope = sync.Scope{Owner: "_", Repo: "_"}
	}
	return d.engineFor(scope).ProcessWebhook(ctx, ev)
}

// routeApproval delivers a pr_approved event to the development
// workflow instance that opened the reviewed PR. PR numbers are only
// unique within one repo, so candidates are filtered by the instance's
// own trigger params before the number is compared.
func (d *Daemon) routeApproval(scope sync.Scope, ev sync.Event) error {
	var payload struct {
		Action string `json:"action"`
		Review struct {
			State string `json:"state"`
			User  struct {
				Login string `json:"login"`
			} `json:"user"`
		} `json:"review"`
		PullRequest struct {
			Number int `json:"number"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}
	if payload.Action != "submitted" || payload.Review.State != "approved" {
		return nil
	}

	live, err := d.stepStore.ListInstances(step.StatusRunning, step.StatusPaused)
	if err != nil {
		return err
	}
	for _, inst := range live {
		if inst.Workflow != development.WorkflowName {
			continue
		}
		var p development.Params
		if err := json.Unmarshal(inst.Params, &p); err != nil {
			continue
		}
		if p.Owner != scope.Owner || p.Repo != scope.Repo {
			continue
		}
		if scope.InstallationID != 0 && p.InstallationID != 0 && p.InstallationID != scope.InstallationID {
			continue
		}
		rec, err := d.stepStore.GetRecord(inst.ID, "open-pr")
		if err != nil {
			continue
		}
		var pr tracker.PullRequest
		if err := json.Unmarshal(rec.Result, &pr); err != nil {
			continue
		}
		if pr.Number != payload.PullRequest.Number {
			continue
		}
		return d.runtime.SendEvent(inst.ID, development.ApprovalEvent, map[string]string{
			"approved_by": payload.Review.User.Login,
		})
	}
	d.logger.Debug("approval with no awaiting workflow",
		slog.String("repo", scope.FullName()),
		slog.Int("pr", payload.PullRequest.Number))
	return nil
}
