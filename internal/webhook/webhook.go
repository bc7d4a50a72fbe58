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

// Package webhook is the HTTP ingress for remote tracker events:
// signature validation, header checks, and hand-off to the sync
// engine. A request that passes signature validation always gets a
// 200; downstream processing errors land in the result log, reachable
// through the status endpoint, never in the response code.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/sync"
)

const (
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"
	signatureHeader = "X-Hub-Signature-256"

	maxBodyBytes = 10 << 20
)

// ProcessorFunc consumes a decoded webhook event. Satisfied by
// sync.Engine.ProcessWebhook for single-scope deployments, or by a
// dispatcher that routes on the payload's repository for multi-repo
// ones.
type ProcessorFunc func(ctx context.Context, ev sync.Event) (sync.Result, error)

// DeliveryRecord is one processed delivery, kept for the status
// endpoint.
type DeliveryRecord struct {
	DeliveryID string      `json:"delivery_id"`
	Kind       string      `json:"kind"`
	Action     string      `json:"action"`
	ReceivedAt time.Time   `json:"received_at"`
	Result     sync.Result `json:"result"`
	Error      string      `json:"error,omitempty"`
}

// Handler validates and routes webhook deliveries.
type Handler struct {
	secret  []byte
	process ProcessorFunc
	logger  *slog.Logger
	now     func() time.Time

	mu      gosync.Mutex
	recent  []DeliveryRecord
	keepMax int
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler builds a Handler. The secret signs every delivery; the
// process func is called for each valid one.
func NewHandler(secret string, process ProcessorFunc, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		secret:  []byte(secret),
		process: process,
		logger:  logger,
		now:     time.Now,
		keepMax: 100,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes assembles the chi router for the ingress surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(log.Middleware(h.logger))

	r.Post("/webhook/github", h.handleDelivery)
	r.Get("/webhook/status", h.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	return r
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context(), h.logger)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !h.validSignature(body, r.Header.Get(signatureHeader)) {
		logger.Warn("webhook signature rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	kind := r.Header.Get(eventHeader)
	deliveryID := r.Header.Get(deliveryHeader)
	if kind == "" || deliveryID == "" {
		http.Error(w, "missing event headers", http.StatusBadRequest)
		return
	}

	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	ev := sync.Event{
		Kind:       kind,
		Action:     envelope.Action,
		DeliveryID: deliveryID,
		Payload:    body,
	}

	record := DeliveryRecord{
		DeliveryID: deliveryID,
		Kind:       kind,
		Action:     envelope.Action,
		ReceivedAt: h.now(),
	}
	result, err := h.process(r.Context(), ev)
	record.Result = result
	if err != nil {
		// Signature passed: downstream failures are observable through
		// the status endpoint, not the response code.
		record.Error = err.Error()
		logger.Error("webhook processing failed",
			slog.String("delivery_id", deliveryID),
			slog.String("kind", kind),
			slog.String("action", envelope.Action),
			slog.Any("error", err))
	} else {
		logger.Info("webhook processed",
			slog.String("delivery_id", deliveryID),
			slog.String("kind", kind),
			slog.String("action", envelope.Action),
			slog.Int("created", len(result.Created)),
			slog.Int("updated", len(result.Updated)),
			slog.Int("conflicts", len(result.Conflicts)),
			slog.Int("errors", len(result.Errors)))
	}
	h.remember(record)

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"ok":true}`)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	out := make([]DeliveryRecord, len(h.recent))
	copy(out, h.recent)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"deliveries": out})
}

// validSignature compares the sha256= header against an HMAC of the
// raw body in constant time.
func (h *Handler) validSignature(body []byte, header string) bool {
	if header == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	theirs, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), theirs)
}

func (h *Handler) remember(record DeliveryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, record)
	if len(h.recent) > h.keepMax {
		h.recent = h.recent[len(h.recent)-h.keepMax:]
	}
}
