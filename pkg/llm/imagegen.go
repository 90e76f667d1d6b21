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
	"net/http"

	"github.com/google/uuid"
)

// ImageGenRequest is a dedicated image API call, used for gpt-image models
// which do not run on the responses API.
type ImageGenRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`

	N int `json:"n,omitempty"`

	// Size, Quality, and Background accept "auto".
	Size       string `json:"size,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Background string `json:"background,omitempty"`

	OutputFormat string `json:"output_format,omitempty"`
}

type imageGenResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *APIError `json:"error"`
}

// ImageGenResult carries generated images and usage.
type ImageGenResult struct {
	Images       []GeneratedImage
	InputTokens  int
	OutputTokens int
}

// GenerateImages calls the image generation API.
func (c *Client) GenerateImages(ctx context.Context, genReq ImageGenRequest) (*ImageGenResult, error) {
	if genReq.N <= 0 {
		genReq.N = 1
	}
	if genReq.OutputFormat == "" {
		genReq.OutputFormat = "png"
	}

	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	requestID := uuid.New().String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

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

	var out imageGenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode image response: %w", err)
	}

	mimeType := "image/" + genReq.OutputFormat
	result := &ImageGenResult{}
	for _, d := range out.Data {
		if d.B64JSON != "" {
			result.Images = append(result.Images, GeneratedImage{B64: d.B64JSON, MimeType: mimeType})
		}
	}
	if out.Usage != nil {
		result.InputTokens = out.Usage.InputTokens
		result.OutputTokens = out.Usage.OutputTokens
	}
	return result, nil
}
