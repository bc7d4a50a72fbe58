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

// Package config loads the daemon's layered configuration: defaults,
// then a YAML file, then environment variable overrides. Validation
// runs after all layers are applied so a partially-specified file plus
// env vars is a first-class setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/apperr"
)

// Duration wraps time.Duration with YAML parsing of "5m"-style values.
type Duration time.Duration

// UnmarshalYAML parses either a duration string or an integer number
// of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("duration must be a string or integer seconds")
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig configures the backing SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
	WAL  bool   `yaml:"wal"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// GitHubConfig configures the remote tracker connection.
type GitHubConfig struct {
	APIBaseURL        string  `yaml:"api_base_url"`
	AppID             int64   `yaml:"app_id"`
	PrivateKeyPath    string  `yaml:"private_key_path"`
	InstallationID    int64   `yaml:"installation_id"`
	WebhookSecret     string  `yaml:"webhook_secret"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// RetryConfig configures one retry budget.
type RetryConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	BaseDelayMS  int      `yaml:"base_delay_ms"`
	MaxDelayMS   int      `yaml:"max_delay_ms"`
	JitterFactor float64  `yaml:"jitter_factor"`
	Timeout      Duration `yaml:"timeout"`
}

// SyncConfig configures the sync engine and reconciliation schedule.
type SyncConfig struct {
	Strategy               string   `yaml:"strategy"`
	ReconciliationInterval Duration `yaml:"reconciliation_interval"`
	DedupTTL               Duration `yaml:"dedup_ttl"`
}

// ConventionsConfig overrides the codec's defaults. Empty fields keep
// the default; maps deep-merge key by key.
type ConventionsConfig struct {
	TypeMap          map[string]string `yaml:"type_map"`
	PriorityMap      map[int]string    `yaml:"priority_map"`
	InProgressLabel  string            `yaml:"in_progress_label"`
	DependsOnPattern string            `yaml:"dependency_pattern"`
	BlocksPattern    string            `yaml:"blocks_pattern"`
	ParentPattern    string            `yaml:"parent_pattern"`
	Separator        string            `yaml:"separator"`
}

// WorkflowConfig configures the development workflow.
type WorkflowConfig struct {
	PRApprovalTimeout Duration `yaml:"pr_approval_timeout"`
	BaseBranch        string   `yaml:"base_branch"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// AgentConfig is one agent registration loaded at startup.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	DisplayName  string   `yaml:"display_name"`
	Description  string   `yaml:"description"`
	Tier         string   `yaml:"tier"`
	Model        string   `yaml:"model"`
	Framework    string   `yaml:"framework"`
	Capabilities []string `yaml:"capabilities"`
	Focus        []string `yaml:"focus"`
	Autonomy     string   `yaml:"autonomy"`
	Tools        []string `yaml:"tools"`
	// Endpoint is the agent's execution backend RPC base URL. Agents
	// without one can be matched but never executed.
	Endpoint string `yaml:"endpoint"`
}

// RepoConfig is one tracked repository.
type RepoConfig struct {
	Owner          string `yaml:"owner"`
	Name           string `yaml:"name"`
	InstallationID int64  `yaml:"installation_id"`
	SyncEnabled    *bool  `yaml:"sync_enabled"`
}

// Config is the complete daemon configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Server      ServerConfig      `yaml:"server"`
	GitHub      GitHubConfig      `yaml:"github"`
	Retry       RetryConfig       `yaml:"retry"`
	Sandbox     RetryConfig       `yaml:"sandbox"`
	Sync        SyncConfig        `yaml:"sync"`
	Conventions ConventionsConfig `yaml:"conventions"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Agents      []AgentConfig     `yaml:"agents"`
	Repos       []RepoConfig      `yaml:"repos"`
}

// Default returns the configuration used when no file or env override
// says otherwise.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path: "loom.db",
			WAL:  true,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8080",
			MetricsAddr: "127.0.0.1:9090",
		},
		GitHub: GitHubConfig{
			APIBaseURL:        "https://api.github.com",
			RequestsPerSecond: 10,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			BaseDelayMS:  1000,
			MaxDelayMS:   30000,
			JitterFactor: 0.3,
			Timeout:      Duration(30 * time.Second),
		},
		Sandbox: RetryConfig{
			MaxRetries:   2,
			BaseDelayMS:  5000,
			MaxDelayMS:   60000,
			JitterFactor: 0.3,
			Timeout:      Duration(10 * time.Minute),
		},
		Sync: SyncConfig{
			Strategy:               "newest-wins",
			ReconciliationInterval: Duration(5 * time.Minute),
			DedupTTL:               Duration(30 * 24 * time.Hour),
		},
		Workflow: WorkflowConfig{
			PRApprovalTimeout: Duration(7 * 24 * time.Hour),
			BaseBranch:        "main",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "loom",
		},
	}
}

// Load reads the YAML file at path, layers env overrides, and validates.
// An empty path falls back to ConfigPath() when a file exists there and
// otherwise reads no file; a non-empty path that cannot be read is a
// ConfigError. The returned
// config is complete: every unset field carries its default.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if p, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &apperr.ConfigError{Key: "file", Reason: "read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &apperr.ConfigError{Key: "file", Reason: "parse config file", Cause: err}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields a sparse YAML file left
// behind.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = d.Server.MetricsAddr
	}
	if c.GitHub.APIBaseURL == "" {
		c.GitHub.APIBaseURL = d.GitHub.APIBaseURL
	}
	if c.GitHub.RequestsPerSecond == 0 {
		c.GitHub.RequestsPerSecond = d.GitHub.RequestsPerSecond
	}
	applyRetryDefaults(&c.Retry, d.Retry)
	applyRetryDefaults(&c.Sandbox, d.Sandbox)
	if c.Sync.Strategy == "" {
		c.Sync.Strategy = d.Sync.Strategy
	}
	if c.Sync.ReconciliationInterval == 0 {
		c.Sync.ReconciliationInterval = d.Sync.ReconciliationInterval
	}
	if c.Sync.DedupTTL == 0 {
		c.Sync.DedupTTL = d.Sync.DedupTTL
	}
	if c.Workflow.PRApprovalTimeout == 0 {
		c.Workflow.PRApprovalTimeout = d.Workflow.PRApprovalTimeout
	}
	if c.Workflow.BaseBranch == "" {
		c.Workflow.BaseBranch = d.Workflow.BaseBranch
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

func applyRetryDefaults(r *RetryConfig, d RetryConfig) {
	if r.MaxRetries == 0 {
		r.MaxRetries = d.MaxRetries
	}
	if r.BaseDelayMS == 0 {
		r.BaseDelayMS = d.BaseDelayMS
	}
	if r.MaxDelayMS == 0 {
		r.MaxDelayMS = d.MaxDelayMS
	}
	if r.JitterFactor == 0 {
		r.JitterFactor = d.JitterFactor
	}
	if r.Timeout == 0 {
		r.Timeout = d.Timeout
	}
}

// loadFromEnv layers LOOM_* environment overrides on top of file
// values.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOOM_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOOM_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("LOOM_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LOOM_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := os.Getenv("LOOM_GITHUB_API_BASE_URL"); v != "" {
		c.GitHub.APIBaseURL = v
	}
	if v := os.Getenv("LOOM_GITHUB_APP_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.GitHub.AppID = id
		}
	}
	if v := os.Getenv("LOOM_GITHUB_INSTALLATION_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.GitHub.InstallationID = id
		}
	}
	if v := os.Getenv("LOOM_GITHUB_PRIVATE_KEY_PATH"); v != "" {
		c.GitHub.PrivateKeyPath = v
	}
	if v := os.Getenv("LOOM_WEBHOOK_SECRET"); v != "" {
		c.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("LOOM_SYNC_STRATEGY"); v != "" {
		c.Sync.Strategy = v
	}
	if v := os.Getenv("LOOM_RECONCILIATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.ReconciliationInterval = Duration(d)
		}
	}
	if v := os.Getenv("LOOM_PR_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Workflow.PRApprovalTimeout = Duration(d)
		}
	}
}

// Validate checks the fully-layered configuration. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not a known level", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}

	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	switch c.Sync.Strategy {
	case "newest-wins", "github-wins", "local-wins":
	default:
		errs = append(errs, fmt.Sprintf("sync.strategy %q must be newest-wins, github-wins, or local-wins", c.Sync.Strategy))
	}
	if c.Sync.ReconciliationInterval.Std() < time.Second {
		errs = append(errs, "sync.reconciliation_interval must be at least 1s")
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must be >= 0")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		errs = append(errs, "retry.jitter_factor must be in [0, 1]")
	}
	if c.Workflow.PRApprovalTimeout.Std() <= 0 {
		errs = append(errs, "workflow.pr_approval_timeout must be positive")
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		switch a.Tier {
		case "light", "worker", "sandbox":
		default:
			errs = append(errs, fmt.Sprintf("agents[%d].tier %q must be light, worker, or sandbox", i, a.Tier))
		}
	}

	for i, r := range c.Repos {
		if r.Owner == "" || r.Name == "" {
			errs = append(errs, fmt.Sprintf("repos[%d] needs both owner and name", i))
		}
	}

	if len(errs) > 0 {
		return &apperr.ConfigError{Reason: strings.Join(errs, "; ")}
	}
	return nil
}
