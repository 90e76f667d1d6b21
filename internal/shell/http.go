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

package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tombee/magnet/pkg/errors"
	"github.com/tombee/magnet/pkg/httpclient"
)

// HTTPExecutor invokes the sandboxed execution service over HTTP.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor targeting the given endpoint.
func NewHTTPExecutor(endpoint string, timeout time.Duration) (*HTTPExecutor, error) {
	if endpoint == "" {
		return nil, &errors.ConfigError{
			Key:    "SHELL_EXECUTOR_URL",
			Reason: "shell execution service endpoint is required",
		}
	}

	cfg := httpclient.DefaultConfig()
	if timeout > 0 {
		cfg.Timeout = timeout
	} else {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.UserAgent = "magnet-shell/1.0"
	// The service is not idempotent across retries; one attempt only.
	cfg.RetryAttempts = 0

	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return &HTTPExecutor{endpoint: endpoint, client: client}, nil
}

// Execute posts the request and decodes the results.
func (e *HTTPExecutor) Execute(ctx context.Context, execReq ExecRequest) (*ExecResponse, error) {
	body, err := json.Marshal(execReq)
	if err != nil {
		return nil, fmt.Errorf("marshal exec request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shell executor call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read executor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shell executor returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out ExecResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode executor response: %w", err)
	}
	return &out, nil
}
