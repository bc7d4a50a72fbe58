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

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/sync"
)

const testSecret = "hunter2"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T, process ProcessorFunc) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(testSecret, process, logger)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func deliver(t *testing.T, srv *httptest.Server, body []byte, mutate func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/github", strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set(eventHeader, "issues")
	req.Header.Set(deliveryHeader, "d1")
	req.Header.Set(signatureHeader, sign(body))
	if mutate != nil {
		mutate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestValidDeliveryReturns200AndHitsProcessor(t *testing.T) {
	var got sync.Event
	srv := newTestServer(t, func(ctx context.Context, ev sync.Event) (sync.Result, error) {
		got = ev
		return sync.Result{Created: []string{"L1"}}, nil
	})

	body := []byte(`{"action":"opened","issue":{"number":42}}`)
	resp := deliver(t, srv, body, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "issues", got.Kind)
	require.Equal(t, "opened", got.Action)
	require.Equal(t, "d1", got.DeliveryID)
}

func TestMissingSignatureIs401(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, ev sync.Event) (sync.Result, error) {
		t.Fatal("processor must not run")
		return sync.Result{}, nil
	})

	body := []byte(`{"action":"opened"}`)
	resp := deliver(t, srv, body, func(r *http.Request) {
		r.Header.Del(signatureHeader)
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTamperedBodyIs401(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, ev sync.Event) (sync.Result, error) {
		t.Fatal("processor must not run")
		return sync.Result{}, nil
	})

	body := []byte(`{"action":"opened"}`)
	resp := deliver(t, srv, body, func(r *http.Request) {
		r.Header.Set(signatureHeader, sign([]byte(`{"action":"tampered"}`)))
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMissingEventHeaderIs400(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, ev sync.Event) (sync.Result, error) {
		return sync.Result{}, nil
	})

	body := []byte(`{"action":"opened"}`)
	resp := deliver(t, srv, body, func(r *http.Request) {
		r.Header.Del(eventHeader)
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = deliver(t, srv, body, func(r *http.Request) {
		r.Header.Del(deliveryHeader)
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessorErrorStillReturns200(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, ev sync.Event) (sync.Result, error) {
		return sync.Result{}, errors.New("store unavailable")
	})

	body := []byte(`{"action":"opened"}`)
	resp := deliver(t, srv, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The failure is visible on the status endpoint instead.
	statusResp, err := http.Get(srv.URL + "/webhook/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()

	var status struct {
		Deliveries []DeliveryRecord `json:"deliveries"`
	}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	require.Len(t, status.Deliveries, 1)
	require.Contains(t, status.Deliveries[0].Error, "store unavailable")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, ev sync.Event) (sync.Result, error) {
		return sync.Result{}, nil
	})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
