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

package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records the daemon's operational metrics: workflow
// and step completions, sync batch outcomes, and webhook ingest. It
// satisfies the metrics interfaces of the step runtime and the sync
// engine.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	workflowsTotal metric.Int64Counter
	stepsTotal     metric.Int64Counter
	syncOpsTotal   metric.Int64Counter
	conflictsTotal metric.Int64Counter
	webhooksTotal  metric.Int64Counter

	// Histograms
	workflowDuration metric.Float64Histogram
	stepDuration     metric.Float64Histogram

	// Gauges (observable)
	activeWorkflows   map[string]bool
	activeWorkflowsMu sync.RWMutex
}

// NewMetricsCollector creates a collector on the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("loom")

	mc := &MetricsCollector{
		meter:           meter,
		activeWorkflows: make(map[string]bool),
	}

	var err error

	mc.workflowsTotal, err = meter.Int64Counter(
		"loom_workflows_total",
		metric.WithDescription("Total number of workflow instances finished"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"loom_steps_total",
		metric.WithDescription("Total number of workflow steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.syncOpsTotal, err = meter.Int64Counter(
		"loom_sync_operations_total",
		metric.WithDescription("Total issues created, updated, or failed by sync, by op"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		return nil, err
	}

	mc.conflictsTotal, err = meter.Int64Counter(
		"loom_sync_conflicts_total",
		metric.WithDescription("Total both-sides-changed conflicts detected"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	mc.webhooksTotal, err = meter.Int64Counter(
		"loom_webhooks_total",
		metric.WithDescription("Total webhook deliveries ingested"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	mc.workflowDuration, err = meter.Float64Histogram(
		"loom_workflow_duration_seconds",
		metric.WithDescription("Workflow instance duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"loom_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"loom_active_workflows",
		metric.WithDescription("Number of workflow instances recorded by RecordWorkflowStart whose completion has not been recorded"),
		metric.WithUnit("{workflow}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeWorkflowsMu.RLock()
			count := len(mc.activeWorkflows)
			mc.activeWorkflowsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"loom_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"loom_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordWorkflowStart marks an instance active.
func (mc *MetricsCollector) RecordWorkflowStart(ctx context.Context, instanceID, workflow string) {
	mc.activeWorkflowsMu.Lock()
	mc.activeWorkflows[instanceID] = true
	mc.activeWorkflowsMu.Unlock()
}

// RecordWorkflowComplete records an instance reaching complete or
// failed.
func (mc *MetricsCollector) RecordWorkflowComplete(ctx context.Context, instanceID, workflow, status string, duration time.Duration) {
	mc.activeWorkflowsMu.Lock()
	delete(mc.activeWorkflows, instanceID)
	mc.activeWorkflowsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	}
	mc.workflowsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.workflowDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStepComplete records one step execution.
func (mc *MetricsCollector) RecordStepComplete(ctx context.Context, workflowID, stepName, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("step", stepName),
		attribute.String("status", status),
	}
	mc.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSyncResult records one sync batch outcome for a scope.
func (mc *MetricsCollector) RecordSyncResult(ctx context.Context, scope string, created, updated, conflicts, errors int) {
	scopeAttr := attribute.String("repo", scope)
	if created > 0 {
		mc.syncOpsTotal.Add(ctx, int64(created), metric.WithAttributes(scopeAttr, attribute.String("op", "created")))
	}
	if updated > 0 {
		mc.syncOpsTotal.Add(ctx, int64(updated), metric.WithAttributes(scopeAttr, attribute.String("op", "updated")))
	}
	if errors > 0 {
		mc.syncOpsTotal.Add(ctx, int64(errors), metric.WithAttributes(scopeAttr, attribute.String("op", "error")))
	}
	if conflicts > 0 {
		mc.conflictsTotal.Add(ctx, int64(conflicts), metric.WithAttributes(scopeAttr))
	}
}

// RecordWebhook records one webhook delivery, duplicate or fresh.
func (mc *MetricsCollector) RecordWebhook(ctx context.Context, kind, action string, duplicate bool) {
	mc.webhooksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("action", action),
		attribute.Bool("duplicate", duplicate),
	))
}
