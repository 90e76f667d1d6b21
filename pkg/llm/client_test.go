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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)
	return client
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"invalid_request_error"}}`, message)
}

func textResponse(text string) *Response {
	return &Response{
		ID:     "resp_1",
		Status: "completed",
		Output: []OutputItem{{
			Type:    ItemTypeMessage,
			Role:    "assistant",
			Content: []ContentPart{{Type: "output_text", Text: text}},
		}},
		Usage: &UsageInfo{InputTokens: 50, OutputTokens: 10},
	}
}

func TestCallSuccess(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		writeResponse(w, textResponse("hello"))
	}))

	resp, err := client.Call(context.Background(), &Params{Model: "gpt-5", Input: "hi"})
	require.NoError(t, err)

	result := ProcessResponse(nil, resp)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, 50, result.InputTokens)
	assert.Equal(t, 10, result.OutputTokens)
}

func TestCallHealsToolChoiceRequired(t *testing.T) {
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var params Params
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		if calls == 1 {
			writeAPIError(w, http.StatusBadRequest, "Tool choice 'required' must be specified with 'tools' parameter")
			return
		}
		assert.Equal(t, "auto", params.ToolChoice)
		require.NotEmpty(t, params.Tools)
		assert.Equal(t, "web_search_preview", params.Tools[0]["type"])
		writeResponse(w, textResponse("healed"))
	}))

	resp, err := client.Call(context.Background(), &Params{Model: "gpt-5", Input: "hi", ToolChoice: "required"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "healed", ProcessResponse(nil, resp).Text)
}

func TestCallHealsUnsupportedReasoning(t *testing.T) {
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var params Params
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		if calls == 1 {
			writeAPIError(w, http.StatusBadRequest, "reasoning_level not supported with this model")
			return
		}
		assert.Nil(t, params.Reasoning)
		writeResponse(w, textResponse("ok"))
	}))

	params := &Params{Model: "o1-pro", Input: "hi", Reasoning: &Reasoning{Effort: "high"}}
	_, err := client.Call(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallImageDownloadRemovalLoop(t *testing.T) {
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var params Params
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		if calls == 1 {
			writeAPIError(w, http.StatusBadRequest, "Error while downloading https://cdn.example/bad.png")
			return
		}
		writeResponse(w, textResponse("done"))
	}))

	params := &Params{
		Model: "gpt-5",
		Input: []InputItem{{
			Role: "user",
			Content: []ContentPart{
				{Type: "input_text", Text: "describe"},
				{Type: "input_image", ImageURL: "https://cdn.example/bad.png"},
			},
		}},
	}
	resp, err := client.Call(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "done", ProcessResponse(nil, resp).Text)

	// The offending image part was removed from the input.
	items := params.Input.([]InputItem)
	require.Len(t, items[0].Content, 1)
	assert.Equal(t, "input_text", items[0].Content[0].Type)
}

func TestCallImageDownloadSpliceWithFetcher(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var params Params
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		if calls == 1 {
			writeAPIError(w, http.StatusBadRequest, "Error while downloading https://cdn.example/bad.png.")
			return
		}
		items := params.Input.([]any)
		content := items[0].(map[string]any)["content"].([]any)
		image := content[1].(map[string]any)
		assert.Equal(t, "data:image/png;base64,AAAA", image["image_url"])
		writeResponse(w, textResponse("spliced"))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		ImageFetcher: func(ctx context.Context, url string) (string, error) {
			assert.Equal(t, "https://cdn.example/bad.png", url)
			return "data:image/png;base64,AAAA", nil
		},
	})
	require.NoError(t, err)

	params := &Params{
		Model: "gpt-5",
		Input: []InputItem{{
			Role: "user",
			Content: []ContentPart{
				{Type: "input_text", Text: "describe"},
				{Type: "input_image", ImageURL: "https://cdn.example/bad.png"},
			},
		}},
	}
	_, err = client.Call(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallSurfacesProviderErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "Incorrect API key provided")
	}))

	_, err := client.Call(context.Background(), &Params{Model: "gpt-5", Input: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Incorrect API key")
}

func TestProcessResponseExtractsImages(t *testing.T) {
	resp := &Response{
		Output: []OutputItem{
			{Type: ItemTypeImageGenerationCall, Result: "BASE64DATA"},
			{Type: ItemTypeMessage, Content: []ContentPart{{
				Type: "output_text",
				Text: "See https://cdn.example/hero.png and https://cdn.example/alt.jpg?sig=1 for details.",
			}}},
		},
		Usage: &UsageInfo{InputTokens: 5, OutputTokens: 7},
	}

	result := ProcessResponse(&Params{Model: "gpt-5"}, resp)
	require.Len(t, result.Images, 1)
	assert.Equal(t, "BASE64DATA", result.Images[0].B64)
	assert.Equal(t, []string{"https://cdn.example/hero.png", "https://cdn.example/alt.jpg?sig=1"}, result.ImageURLs)
	assert.NotEmpty(t, result.RawRequest)
	assert.NotEmpty(t, result.RawResponse)
}

func TestShellCallExtraction(t *testing.T) {
	resp := &Response{Output: []OutputItem{
		{Type: ItemTypeShellCall, CallID: "call_1", Action: json.RawMessage(`{"commands":["ls -la"],"timeout_ms":5000}`)},
		{Type: ItemTypeMessage, Content: []ContentPart{{Type: "output_text", Text: "running"}}},
	}}

	calls := ShellCalls(resp)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].CallID)
	assert.Equal(t, []string{"ls -la"}, calls[0].Action.Commands)
	assert.Equal(t, 5000, calls[0].Action.TimeoutMS)
}

func TestComputerCallExtraction(t *testing.T) {
	resp := &Response{Output: []OutputItem{{
		Type:                ItemTypeComputerCall,
		CallID:              "call_9",
		Action:              json.RawMessage(`{"type":"click","x":100,"y":200,"button":"left"}`),
		PendingSafetyChecks: []SafetyCheck{{ID: "sc_1", Code: "malicious_instructions"}},
	}}}

	calls := ComputerCalls(resp)
	require.Len(t, calls, 1)
	assert.Equal(t, "click", calls[0].Action.Type)
	assert.Equal(t, 100, calls[0].Action.X)
	require.Len(t, calls[0].PendingSafetyChecks, 1)
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 1.25+10.0, CalculateCost("gpt-5", 1_000_000, 1_000_000), 1e-9)
	// Longest prefix wins: gpt-5-mini does not price as gpt-5.
	assert.InDelta(t, 0.25, CalculateCost("gpt-5-mini", 1_000_000, 0), 1e-9)
	assert.Zero(t, CalculateCost("totally-unknown-model", 1000, 1000))
}

func TestModelCapabilities(t *testing.T) {
	assert.True(t, SupportsReasoning("gpt-5"))
	assert.True(t, SupportsReasoning("o3-deep-research"))
	assert.False(t, SupportsReasoning("gpt-4o"))

	assert.True(t, SupportsImageInput("gpt-5"))
	assert.False(t, SupportsImageInput("computer-use-preview"))

	assert.True(t, IsDeepResearch("o3-deep-research"))
	assert.True(t, IsComputerUsePreview("computer-use-preview-2025"))
	assert.True(t, IsImageGeneration("gpt-image-1.5"))
}
