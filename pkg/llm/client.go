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

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/magnet/pkg/errors"
	"github.com/tombee/magnet/pkg/httpclient"
)

const defaultBaseURL = "https://api.openai.com/v1"

// maxImageReplacementPasses bounds the provider image-download heal loop.
const maxImageReplacementPasses = 10

// ImageFetcher downloads an image URL on our side and returns it as an
// inline data: URL, used when the provider cannot fetch the URL itself.
type ImageFetcher func(ctx context.Context, url string) (string, error)

// Client is the Responses API adapter.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// fetchImage rescues URLs the provider fails to download. Nil disables
	// the splice path; offending images are removed instead.
	fetchImage ImageFetcher
}

// ClientConfig configures the adapter.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger

	// ImageFetcher enables the data: URL splice path of the image
	// download heal loop.
	ImageFetcher ImageFetcher
}

// NewClient creates a Responses API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigError{
			Key:    "openai_api_key",
			Reason: "API key is required",
		}
	}

	hc := httpclient.DefaultConfig()
	hc.UserAgent = "magnet-llm/1.0"
	if cfg.Timeout > 0 {
		hc.Timeout = cfg.Timeout
	} else {
		hc.Timeout = 10 * time.Minute
	}
	// Retries for transient failures are decided per call site; the heal
	// loops below need to see provider 400s unretried.
	hc.RetryAttempts = 0

	httpClient, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		fetchImage: cfg.ImageFetcher,
	}, nil
}

// Call makes a single-shot Responses API call, applying the in-call heal
// retries for known recoverable provider 400s.
func (c *Client) Call(ctx context.Context, params *Params) (*Response, error) {
	healedToolChoice := false
	healedReasoning := false
	imagePasses := 0

	for {
		resp, err := c.doCall(ctx, params)
		if err == nil {
			return resp, nil
		}

		provErr, ok := errors.AsProviderError(err)
		if !ok {
			return nil, err
		}

		switch {
		case !healedToolChoice && isToolChoiceError(provErr):
			// The provider requires tools alongside required; downgrade
			// and give the model a default research tool.
			healedToolChoice = true
			params.ToolChoice = string("auto")
			if len(params.Tools) == 0 {
				params.Tools = []map[string]any{{"type": "web_search_preview"}}
			}
			c.logger.Warn("healing tool_choice required without tools", "model", params.Model)
			continue

		case !healedReasoning && isReasoningUnsupportedError(provErr) && params.Reasoning != nil:
			healedReasoning = true
			params.Reasoning = nil
			c.logger.Warn("healing unsupported reasoning parameter", "model", params.Model)
			continue

		case imagePasses < maxImageReplacementPasses:
			url, found := imageDownloadErrorURL(provErr)
			if !found {
				return nil, err
			}
			imagePasses++
			if !c.replaceOrRemoveImage(ctx, params, url) {
				// Nothing left to remove; surface the provider error.
				return nil, err
			}
			continue

		default:
			return nil, err
		}
	}
}

// doCall performs one HTTP round trip to /responses.
func (c *Client) doCall(ctx context.Context, params *Params) (*Response, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	requestID := uuid.New().String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, providerErrorFromBody(resp.StatusCode, raw, requestID)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, &errors.ProviderError{
			Provider: "openai",
			Code:     out.Error.Code,
			Message:  out.Error.Message,
		}
	}

	c.logger.Debug("responses api call completed",
		"model", params.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"status", out.Status)
	return &out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// replaceOrRemoveImage splices a self-fetched data: URL in place of the
// offending image part, or removes the part when fetching fails or is
// disabled. Returns false when no image part matched.
func (c *Client) replaceOrRemoveImage(ctx context.Context, params *Params, url string) bool {
	items, ok := params.Input.([]InputItem)
	if !ok {
		return false
	}

	for i := range items {
		for j := range items[i].Content {
			part := &items[i].Content[j]
			if part.Type != "input_image" {
				continue
			}
			if url != "" && part.ImageURL != url {
				continue
			}

			if c.fetchImage != nil && !strings.HasPrefix(part.ImageURL, "data:") {
				if dataURL, err := c.fetchImage(ctx, part.ImageURL); err == nil {
					c.logger.Info("replaced undownloadable image with inline data", "url", part.ImageURL)
					part.ImageURL = dataURL
					return true
				}
			}

			c.logger.Warn("removing undownloadable image from input", "url", part.ImageURL)
			items[i].Content = append(items[i].Content[:j], items[i].Content[j+1:]...)
			params.Input = items
			return true
		}
	}
	return false
}

func isToolChoiceError(err *errors.ProviderError) bool {
	msg := strings.ToLower(err.Message)
	return strings.Contains(msg, "tool choice") && strings.Contains(msg, "tools")
}

func isReasoningUnsupportedError(err *errors.ProviderError) bool {
	msg := strings.ToLower(err.Message)
	return strings.Contains(msg, "reasoning") &&
		(strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported"))
}

// imageDownloadErrorURL extracts the failing URL from provider messages of
// the form "Error while downloading <url>".
func imageDownloadErrorURL(err *errors.ProviderError) (string, bool) {
	const marker = "error while downloading"
	lower := strings.ToLower(err.Message)
	idx := strings.Index(lower, marker)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(err.Message[idx+len(marker):])
	if rest == "" {
		return "", true
	}
	if end := strings.IndexAny(rest, " \n\t"); end > 0 {
		rest = rest[:end]
	}
	return strings.TrimRight(rest, ".,;:"), true
}

// providerErrorFromBody decodes the provider error envelope into a typed
// ProviderError.
func providerErrorFromBody(statusCode int, body []byte, requestID string) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return &errors.ProviderError{
			Provider:   "openai",
			StatusCode: statusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
			RequestID:  requestID,
		}
	}
	return &errors.ProviderError{
		Provider:   "openai",
		StatusCode: statusCode,
		Message:    strings.TrimSpace(string(body)),
		RequestID:  requestID,
	}
}

func classifyTransportError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout") {
		return &errors.TimeoutError{Operation: "responses api call", Cause: err}
	}
	return fmt.Errorf("responses api transport: %w", err)
}
