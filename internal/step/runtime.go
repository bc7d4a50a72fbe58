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

package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/apperr"
)

// Func is a workflow body. It must be deterministic outside Do calls:
// no direct I/O, no clock or random reads. Everything side-effecting
// goes through the Context.
type Func func(c *Context) error

// StepMetrics receives per-step completion observations. Satisfied by
// tracing.MetricsCollector; nil disables recording.
type StepMetrics interface {
	RecordStepComplete(ctx context.Context, workflowID, stepName, status string, duration time.Duration)
	RecordWorkflowComplete(ctx context.Context, instanceID, workflow, status string, duration time.Duration)
}

// Runtime schedules workflow instances. Any number of instances run
// concurrently; within one instance, steps are strictly serialized by
// the single body goroutine.
type Runtime struct {
	storage Storage
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics StepMetrics
	now     func() time.Time

	mu        sync.Mutex
	workflows map[string]Func
	running   map[string]*execution
	wg        sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClock overrides the runtime's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithTracer overrides the OpenTelemetry tracer used for step spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithMetrics attaches a step metrics sink.
func WithMetrics(m StepMetrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// NewRuntime builds a Runtime over the given storage.
func NewRuntime(storage Storage, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		storage:   storage,
		logger:    logger,
		tracer:    otel.Tracer("loom/step"),
		now:       time.Now,
		workflows: make(map[string]Func),
		running:   make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a workflow name to its body. Registering the same
// name twice is a programmer error.
func (r *Runtime) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("step: workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// Start creates a new instance of the named workflow and launches its
// body. The instance id must be unique; starting an id that already
// exists returns an error without touching the existing instance.
func (r *Runtime) Start(workflow, instanceID string, params any) error {
	r.mu.Lock()
	_, ok := r.workflows[workflow]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("step: unknown workflow %q", workflow)
	}

	blob, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("step: marshal params: %w", err)
	}

	now := r.now()
	inst := &Instance{
		ID:        instanceID,
		Workflow:  workflow,
		Status:    StatusRunning,
		Params:    blob,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.storage.CreateInstance(inst); err != nil {
		return fmt.Errorf("step: create instance %s: %w", instanceID, err)
	}

	r.launch(inst)
	return nil
}

// Resume relaunches every instance left running or paused by a prior
// process. Bodies replay from the top; completed steps short-circuit.
func (r *Runtime) Resume() error {
	instances, err := r.storage.ListInstances(StatusRunning, StatusPaused)
	if err != nil {
		return fmt.Errorf("step: list resumable instances: %w", err)
	}
	for _, inst := range instances {
		r.logger.Info("resuming workflow instance",
			slog.String("workflow_id", inst.ID),
			slog.String("workflow", inst.Workflow),
			slog.String("status", string(inst.Status)))
		r.launch(inst)
	}
	return nil
}

// SendEvent delivers an external event to an instance. Delivery is
// idempotent per (instance, name): the first payload is kept and
// duplicates are dropped. Events sent before the corresponding wait
// starts are queued for it.
func (r *Runtime) SendEvent(instanceID, name string, payload any) error {
	if _, err := r.storage.GetInstance(instanceID); err != nil {
		return fmt.Errorf("step: send event %q: %w", name, err)
	}

	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("step: marshal event payload: %w", err)
	}

	delivered, err := r.storage.PutEvent(Event{
		WorkflowID:  instanceID,
		Name:        name,
		Payload:     blob,
		DeliveredAt: r.now(),
	})
	if err != nil {
		return fmt.Errorf("step: persist event %q: %w", name, err)
	}
	if !delivered {
		// Duplicate: first payload already won.
		return nil
	}

	r.mu.Lock()
	exec := r.running[instanceID]
	r.mu.Unlock()
	if exec != nil {
		exec.notify(name)
	}
	return nil
}

// Terminate transitions an instance to failed with cause Terminated,
// discarding any running step's result and releasing a pending wait.
// Terminating an already-finished instance is a no-op.
func (r *Runtime) Terminate(instanceID, reason string) error {
	inst, err := r.storage.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Status == StatusComplete || inst.Status == StatusFailed {
		return nil
	}

	termErr := &apperr.TerminatedError{InstanceID: instanceID, Reason: reason}
	inst.Status = StatusFailed
	inst.Error = termErr.Error()
	inst.WaitingEvent = ""
	inst.WaitDeadline = nil
	inst.WakeAt = nil
	inst.UpdatedAt = r.now()
	if err := r.storage.UpdateInstance(inst); err != nil {
		return fmt.Errorf("step: terminate %s: %w", instanceID, err)
	}

	r.mu.Lock()
	exec := r.running[instanceID]
	r.mu.Unlock()
	if exec != nil {
		exec.cancel()
	}

	r.logger.Info("workflow instance terminated",
		slog.String("workflow_id", instanceID),
		slog.String("reason", reason))
	return nil
}

// Shutdown cancels all in-flight bodies without finalizing their
// instances, then waits for them to unwind (bounded by ctx). Instances
// stay running/paused in storage so Resume picks them up next start.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, exec := range r.running {
		exec.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type execution struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	waiting string
	wake    chan string
}

// notify wakes a pending WaitForEvent if it is waiting on name.
func (e *execution) notify(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waiting != name {
		return
	}
	select {
	case e.wake <- name:
	default:
	}
}

func (e *execution) setWaiting(name string) {
	e.mu.Lock()
	e.waiting = name
	e.mu.Unlock()
}

func (e *execution) clearWaiting() {
	e.mu.Lock()
	e.waiting = ""
	// Drain a stale wakeup so the next wait doesn't fire spuriously.
	select {
	case <-e.wake:
	default:
	}
	e.mu.Unlock()
}

func (r *Runtime) launch(inst *Instance) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &execution{cancel: cancel, wake: make(chan string, 1)}

	r.mu.Lock()
	r.running[inst.ID] = exec
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		started := r.now()
		err := r.run(ctx, inst, exec)

		r.mu.Lock()
		delete(r.running, inst.ID)
		r.mu.Unlock()

		r.finalize(ctx, inst, err, started)
	}()
}

func (r *Runtime) run(ctx context.Context, inst *Instance, exec *execution) error {
	r.mu.Lock()
	fn, ok := r.workflows[inst.Workflow]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("step: instance %s references unregistered workflow %q", inst.ID, inst.Workflow)
	}

	c := &Context{
		ctx:     ctx,
		runtime: r,
		inst:    inst,
		exec:    exec,
		seen:    make(map[string]bool),
	}
	return fn(c)
}

// finalize records the body's outcome. A cancellation is not an
// outcome: Terminate already wrote the failed state, and Shutdown wants
// the instance left resumable, so canceled bodies write nothing.
func (r *Runtime) finalize(ctx context.Context, inst *Instance, runErr error, started time.Time) {
	if errors.Is(runErr, context.Canceled) {
		return
	}

	cur, err := r.storage.GetInstance(inst.ID)
	if err != nil {
		r.logger.Error("load instance for finalize", slog.String("workflow_id", inst.ID), slog.Any("error", err))
		return
	}
	if cur.Status == StatusComplete || cur.Status == StatusFailed {
		return
	}

	cur.UpdatedAt = r.now()
	cur.WaitingEvent = ""
	cur.WaitDeadline = nil
	cur.WakeAt = nil
	if runErr == nil {
		cur.Status = StatusComplete
		cur.Error = ""
	} else {
		cur.Status = StatusFailed
		cur.Error = runErr.Error()
	}
	if err := r.storage.UpdateInstance(cur); err != nil {
		r.logger.Error("persist instance outcome", slog.String("workflow_id", inst.ID), slog.Any("error", err))
		return
	}

	if r.metrics != nil {
		r.metrics.RecordWorkflowComplete(context.Background(), inst.ID, inst.Workflow, string(cur.Status), r.now().Sub(started))
	}
	if runErr != nil {
		r.logger.Warn("workflow instance failed",
			slog.String("workflow_id", inst.ID),
			slog.String("workflow", inst.Workflow),
			slog.Any("error", runErr))
	} else {
		r.logger.Info("workflow instance complete",
			slog.String("workflow_id", inst.ID),
			slog.String("workflow", inst.Workflow))
	}
}

// Context is the step surface handed to a workflow body.
type Context struct {
	ctx     context.Context
	runtime *Runtime
	inst    *Instance
	exec    *execution
	seen    map[string]bool
}

// Context returns the cancellation context for the instance. Step
// bodies should pass it to anything blocking.
func (c *Context) Context() context.Context { return c.ctx }

// InstanceID returns the workflow instance id.
func (c *Context) InstanceID() string { return c.inst.ID }

// Params returns the original trigger payload.
func (c *Context) Params() json.RawMessage { return c.inst.Params }

// UnmarshalParams decodes the trigger payload into v.
func (c *Context) UnmarshalParams(v any) error {
	return json.Unmarshal(c.inst.Params, v)
}

// Do runs fn at most once per instance under the given step name. If a
// record exists the persisted result is returned without running fn;
// otherwise fn runs, its result is persisted atomically, and the record
// is returned. Reusing a name within one body is a programmer error.
func (c *Context) Do(name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if c.seen[name] {
		return nil, &apperr.DuplicateStepError{WorkflowID: c.inst.ID, StepName: name}
	}
	c.seen[name] = true

	if rec, err := c.runtime.storage.GetRecord(c.inst.ID, name); err == nil {
		return rec.Result, nil
	} else {
		var nf *apperr.NotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("step: load record %s/%s: %w", c.inst.ID, name, err)
		}
	}

	ctx, span := c.runtime.tracer.Start(c.ctx, "step.do",
		trace.WithAttributes(
			attribute.String("workflow_id", c.inst.ID),
			attribute.String("workflow", c.inst.Workflow),
			attribute.String("step", name),
		))
	started := c.runtime.now()
	value, err := fn(ctx)
	duration := c.runtime.now().Sub(started)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if c.runtime.metrics != nil {
		c.runtime.metrics.RecordStepComplete(ctx, c.inst.ID, name, status, duration)
	}
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("step: marshal result of %q: %w", name, err)
	}
	if err := c.runtime.storage.PutRecord(Record{
		WorkflowID:  c.inst.ID,
		StepName:    name,
		Result:      blob,
		CompletedAt: c.runtime.now(),
	}); err != nil {
		return nil, fmt.Errorf("step: persist record %s/%s: %w", c.inst.ID, name, err)
	}
	return blob, nil
}

// Do is the typed wrapper over Context.Do: the persisted (or fresh)
// result is decoded into T.
func Do[T any](c *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	blob, err := c.Do(name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(blob, &out); err != nil {
		return zero, fmt.Errorf("step: unmarshal result of %q: %w", name, err)
	}
	return out, nil
}

type sleepRecord struct {
	WakeAt time.Time `json:"wake_at"`
}

// Sleep suspends the instance until the persisted wakeup time. On
// replay after a restart, a wakeup already in the past returns
// immediately; a future one re-schedules for the remainder.
func (c *Context) Sleep(name string, d time.Duration) error {
	if c.seen[name] {
		return &apperr.DuplicateStepError{WorkflowID: c.inst.ID, StepName: name}
	}
	c.seen[name] = true

	var wake time.Time
	if rec, err := c.runtime.storage.GetRecord(c.inst.ID, name); err == nil {
		var sr sleepRecord
		if err := json.Unmarshal(rec.Result, &sr); err != nil {
			return fmt.Errorf("step: unmarshal sleep record %q: %w", name, err)
		}
		wake = sr.WakeAt
	} else {
		var nf *apperr.NotFoundError
		if !errors.As(err, &nf) {
			return fmt.Errorf("step: load sleep record %q: %w", name, err)
		}
		wake = c.runtime.now().Add(d)
		blob, err := json.Marshal(sleepRecord{WakeAt: wake})
		if err != nil {
			return err
		}
		if err := c.runtime.storage.PutRecord(Record{
			WorkflowID:  c.inst.ID,
			StepName:    name,
			Result:      blob,
			CompletedAt: c.runtime.now(),
		}); err != nil {
			return fmt.Errorf("step: persist sleep record %q: %w", name, err)
		}
	}

	remaining := wake.Sub(c.runtime.now())
	if remaining <= 0 {
		return nil
	}

	if err := c.suspend(func(inst *Instance) {
		inst.Status = StatusPaused
		inst.WakeAt = &wake
	}); err != nil {
		return err
	}

	select {
	case <-time.After(remaining):
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	return c.resumeRunning()
}

// WaitForEvent suspends the instance until SendEvent delivers the named
// event or the timeout elapses. An event delivered before the wait
// starts (or on a previous run of this instance) is returned
// immediately.
func (c *Context) WaitForEvent(name string, timeout time.Duration) (json.RawMessage, error) {
	c.exec.setWaiting(name)
	defer c.exec.clearWaiting()

	if ev, err := c.runtime.storage.GetEvent(c.inst.ID, name); err == nil {
		return ev.Payload, nil
	} else {
		var nf *apperr.NotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("step: load event %q: %w", name, err)
		}
	}

	// A restart mid-wait keeps the original deadline.
	deadline := c.runtime.now().Add(timeout)
	if c.inst.WaitingEvent == name && c.inst.WaitDeadline != nil {
		deadline = *c.inst.WaitDeadline
	}

	if err := c.suspend(func(inst *Instance) {
		inst.Status = StatusPaused
		inst.WaitingEvent = name
		inst.WaitDeadline = &deadline
	}); err != nil {
		return nil, err
	}

	remaining := deadline.Sub(c.runtime.now())
	var timer <-chan time.Time
	if remaining > 0 {
		t := time.NewTimer(remaining)
		defer t.Stop()
		timer = t.C
	} else {
		expired := make(chan time.Time)
		close(expired)
		timer = expired
	}

	for {
		select {
		case <-c.exec.wake:
			ev, err := c.runtime.storage.GetEvent(c.inst.ID, name)
			if err != nil {
				var nf *apperr.NotFoundError
				if errors.As(err, &nf) {
					continue
				}
				return nil, fmt.Errorf("step: load event %q: %w", name, err)
			}
			if err := c.resumeRunning(); err != nil {
				return nil, err
			}
			return ev.Payload, nil
		case <-timer:
			// One final check: the event may have landed as the timer fired.
			if ev, err := c.runtime.storage.GetEvent(c.inst.ID, name); err == nil {
				if err := c.resumeRunning(); err != nil {
					return nil, err
				}
				return ev.Payload, nil
			}
			if err := c.resumeRunning(); err != nil {
				return nil, err
			}
			return nil, &apperr.EventTimeoutError{WorkflowID: c.inst.ID, EventName: name, Timeout: timeout}
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

// suspend persists a paused snapshot of the instance before blocking.
func (c *Context) suspend(mutate func(*Instance)) error {
	inst, err := c.runtime.storage.GetInstance(c.inst.ID)
	if err != nil {
		return err
	}
	mutate(inst)
	inst.UpdatedAt = c.runtime.now()
	if err := c.runtime.storage.UpdateInstance(inst); err != nil {
		return fmt.Errorf("step: suspend instance %s: %w", c.inst.ID, err)
	}
	*c.inst = *inst
	return nil
}

// resumeRunning clears any suspension marker after a wait completes.
func (c *Context) resumeRunning() error {
	inst, err := c.runtime.storage.GetInstance(c.inst.ID)
	if err != nil {
		return err
	}
	if inst.Status != StatusPaused {
		// Terminated while waiting; let the body observe cancellation.
		return c.ctx.Err()
	}
	inst.Status = StatusRunning
	inst.WaitingEvent = ""
	inst.WaitDeadline = nil
	inst.WakeAt = nil
	inst.UpdatedAt = c.runtime.now()
	if err := c.runtime.storage.UpdateInstance(inst); err != nil {
		return fmt.Errorf("step: resume instance %s: %w", c.inst.ID, err)
	}
	*c.inst = *inst
	return nil
}
