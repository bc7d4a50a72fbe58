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

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomhq/loom/internal/agentmatch"
	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/pkg/httpclient"
)

// rpcBackend reaches an agent's execution backend over plain JSON
// HTTP. The backend itself (the sandboxed code-generation runtime) is
// opaque to this module; this is only the RPC shim.
type rpcBackend struct {
	baseURL string
	client  *http.Client
}

func newRPCBackend(baseURL string, timeout time.Duration) (*rpcBackend, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	// The workflow's retry layer owns retries.
	cfg.RetryAttempts = 0
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &rpcBackend{baseURL: baseURL, client: client}, nil
}

func (b *rpcBackend) post(ctx context.Context, path string, in, out any) error {
	blob, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return &apperr.TransientRemoteError{Class: apperr.RemoteClassNetwork, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apperr.TransientRemoteError{Class: apperr.RemoteClassNetwork, Cause: err}
	}
	switch {
	case resp.StatusCode >= 500:
		return &apperr.TransientRemoteError{Class: apperr.RemoteClassServerError, StatusCode: resp.StatusCode,
			Cause: fmt.Errorf("backend %s: %s", path, body)}
	case resp.StatusCode >= 400:
		return &apperr.TerminalRemoteError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return json.Unmarshal(body, out)
}

func (b *rpcBackend) Execute(ctx context.Context, req agentmatch.ExecuteRequest) (*agentmatch.ExecuteResult, error) {
	var out agentmatch.ExecuteResult
	if err := b.post(ctx, "/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *rpcBackend) Review(ctx context.Context, req agentmatch.ReviewRequest) (*agentmatch.ReviewResult, error) {
	var out agentmatch.ReviewResult
	if err := b.post(ctx, "/review", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *rpcBackend) Ask(ctx context.Context, req agentmatch.AskRequest) (*agentmatch.AskResult, error) {
	var out agentmatch.AskResult
	if err := b.post(ctx, "/ask", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
