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

package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	magneterrors "github.com/tombee/magnet/pkg/errors"
	"github.com/tombee/magnet/pkg/llm"
)

type fakeSandbox struct {
	initialized bool
	width       int
	height      int
	actions     []llm.ComputerAction
	screenshot  []byte
	url         string
	cleanedUp   bool
}

func (f *fakeSandbox) Initialize(ctx context.Context, width, height int) error {
	f.initialized = true
	f.width, f.height = width, height
	return nil
}

func (f *fakeSandbox) Execute(ctx context.Context, action llm.ComputerAction) error {
	f.actions = append(f.actions, action)
	if action.Type == "navigate" {
		f.url = action.URL
	}
	return nil
}

func (f *fakeSandbox) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	return f.screenshot, nil
}

func (f *fakeSandbox) CurrentURL(ctx context.Context) (string, error) { return f.url, nil }

func (f *fakeSandbox) Cleanup() { f.cleanedUp = true }

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func computerCallResponse(id, callID string, action llm.ComputerAction, checks ...llm.SafetyCheck) *llm.Response {
	raw, _ := json.Marshal(action)
	return &llm.Response{
		ID:     id,
		Status: "completed",
		Output: []llm.OutputItem{{
			Type:                llm.ItemTypeComputerCall,
			CallID:              callID,
			Action:              raw,
			PendingSafetyChecks: checks,
		}},
		Usage: &llm.UsageInfo{InputTokens: 10, OutputTokens: 5},
	}
}

func textResponse(id, text string) *llm.Response {
	return &llm.Response{
		ID:     id,
		Status: "completed",
		Output: []llm.OutputItem{{
			Type:    llm.ItemTypeMessage,
			Content: []llm.ContentPart{{Type: "output_text", Text: text}},
		}},
		Usage: &llm.UsageInfo{InputTokens: 10, OutputTokens: 5},
	}
}

func scriptedProvider(t *testing.T, responses ...*llm.Response) (*llm.Client, *[]llm.Params) {
	t.Helper()
	var seen []llm.Params
	idx := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params llm.Params
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		seen = append(seen, params)
		require.Less(t, idx, len(responses), "provider called more times than scripted")
		resp := responses[idx]
		idx++
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)

	client, err := llm.NewClient(llm.ClientConfig{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)
	return client, &seen
}

func TestDisplaySize(t *testing.T) {
	w, h := DisplaySize(nil)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 768, h)

	// Numeric boxing from the record store must not matter.
	w, h = DisplaySize([]map[string]any{{
		"type":           "computer_use_preview",
		"display_width":  float64(1280),
		"display_height": json.Number("800"),
	}})
	assert.Equal(t, 1280, w)
	assert.Equal(t, 800, h)
}

func TestInitialTarget(t *testing.T) {
	assert.Equal(t, "https://example.com/pricing",
		InitialTarget("Check the plans at https://example.com/pricing."))
	assert.Equal(t, "https://acme.io",
		InitialTarget("Look up the homepage of acme.io and summarize it"))
	assert.Equal(t, "https://www.google.com", InitialTarget("Find the best CRM"))
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://example.com", NormalizeURL("example.com"))
	assert.Equal(t, "http://example.com", NormalizeURL("http://example.com"))
	assert.Equal(t, "about:blank", NormalizeURL("about:blank"))
}

func TestEnsureCoexistenceHintIdempotent(t *testing.T) {
	once := EnsureCoexistenceHint("Do the task.")
	twice := EnsureCoexistenceHint(once)
	assert.Equal(t, once, twice)
	assert.Contains(t, once, "prefer the shell tool")
}

func TestActionSignatures(t *testing.T) {
	a := llm.ComputerAction{Type: "click", X: 10, Y: 20, Button: "left"}
	b := llm.ComputerAction{Type: "click", X: 10, Y: 20, Button: "left"}
	c := llm.ComputerAction{Type: "click", X: 11, Y: 20, Button: "left"}
	assert.Equal(t, ActionSignature(a), ActionSignature(b))
	assert.NotEqual(t, ActionSignature(a), ActionSignature(c))

	drag := llm.ComputerAction{Type: "drag", Path: []llm.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}}
	assert.Equal(t, "drag:1,2->3,4", ActionSignature(drag))
}

func TestLoopDetected(t *testing.T) {
	click := "click:10,20,left"
	assert.False(t, LoopDetected([]string{click, click}, "click"))
	assert.True(t, LoopDetected([]string{click, click, click}, "click"))
	assert.False(t, LoopDetected([]string{"other", click, click}, "click"))

	// Scroll tolerates more repetition before tripping.
	scrolls := make([]string, 9)
	for i := range scrolls {
		scrolls[i] = "scroll:0,0,0,300"
	}
	assert.False(t, LoopDetected(scrolls, "scroll"))
	scrolls = append(scrolls, "scroll:0,0,0,300")
	assert.True(t, LoopDetected(scrolls, "scroll"))

	// Screenshot repetition never counts as a loop.
	shots := []string{"screenshot", "screenshot", "screenshot", "screenshot"}
	assert.False(t, LoopDetected(shots, "screenshot"))
}

func TestLoopRunsActionAndFinishes(t *testing.T) {
	client, seen := scriptedProvider(t,
		computerCallResponse("resp_1", "call_1",
			llm.ComputerAction{Type: "click", X: 100, Y: 200, Button: "left"},
			llm.SafetyCheck{ID: "sc_1", Code: "malicious_instructions"},
		),
		textResponse("resp_2", "The page shows a pricing table."),
	)

	sandbox := &fakeSandbox{screenshot: testPNG(t)}
	var persisted int
	loop := &Loop{
		Client:  client,
		Sandbox: sandbox,
		Config:  LoopConfig{MaxIterations: 100},
		Screenshots: func(ctx context.Context, annotated []byte, iteration int, action llm.ComputerAction) error {
			persisted++
			assert.NotEmpty(t, annotated)
			return nil
		},
		sleep: func(time.Duration) {},
	}

	result, err := loop.Run(context.Background(), RunInput{
		Params: &llm.Params{
			Model:      "computer-use-preview",
			Input:      "inspect the page",
			ToolChoice: "required",
			Tools:      []map[string]any{{"type": "computer_use_preview", "display_width": 1280, "display_height": 800}},
		},
		TaskText: "Check https://example.com/pricing",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 1, result.Screenshots)
	assert.Equal(t, 1, persisted)
	assert.True(t, sandbox.cleanedUp)
	assert.Equal(t, 1280, sandbox.width)
	assert.Equal(t, 800, sandbox.height)

	// Initial navigation from the task text, then the model's click.
	require.Len(t, sandbox.actions, 2)
	assert.Equal(t, "navigate", sandbox.actions[0].Type)
	assert.Equal(t, "https://example.com/pricing", sandbox.actions[0].URL)
	assert.Equal(t, "click", sandbox.actions[1].Type)

	// The follow-up turn carries the screenshot inline and acknowledges
	// the safety check, with required downgraded to auto.
	require.Len(t, *seen, 2)
	assert.Equal(t, "auto", (*seen)[1].ToolChoice)
	assert.Equal(t, "resp_1", (*seen)[1].PreviousResponseID)

	raw, err := json.Marshal((*seen)[1].Input)
	require.NoError(t, err)
	var outputs []map[string]any
	require.NoError(t, json.Unmarshal(raw, &outputs))
	require.Len(t, outputs, 1)
	assert.Equal(t, "computer_call_output", outputs[0]["type"])
	assert.Equal(t, "call_1", outputs[0]["call_id"])

	payload, _ := outputs[0]["output"].(map[string]any)
	require.NotNil(t, payload)
	imageURL, _ := payload["image_url"].(string)
	assert.True(t, strings.HasPrefix(imageURL, "data:image/png;base64,"))

	acks, _ := outputs[0]["acknowledged_safety_checks"].([]any)
	require.Len(t, acks, 1)
}

func TestLoopDetectionAborts(t *testing.T) {
	click := llm.ComputerAction{Type: "click", X: 50, Y: 60, Button: "left"}
	client, _ := scriptedProvider(t,
		computerCallResponse("resp_1", "call_1", click),
		computerCallResponse("resp_2", "call_2", click),
		computerCallResponse("resp_3", "call_3", click),
	)

	loop := &Loop{
		Client:  client,
		Sandbox: &fakeSandbox{screenshot: testPNG(t)},
		Config:  LoopConfig{MaxIterations: 100},
		sleep:   func(time.Duration) {},
	}

	result, err := loop.Run(context.Background(), RunInput{
		Params:   &llm.Params{Model: "computer-use-preview", Input: "do the thing"},
		TaskText: "Visit https://example.com",
	})
	require.Error(t, err)

	var budgetErr *magneterrors.BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "computer", budgetErr.Loop)
	assert.Equal(t, "loop_detected", budgetErr.Reason)
	// The third identical click is detected before execution.
	assert.Equal(t, 3, result.Iterations)
}

func TestLoopIterationBudget(t *testing.T) {
	responses := make([]*llm.Response, 3)
	for i := range responses {
		// Distinct coordinates keep loop detection quiet.
		responses[i] = computerCallResponse(
			fmt.Sprintf("resp_%d", i), fmt.Sprintf("call_%d", i),
			llm.ComputerAction{Type: "click", X: i, Y: i, Button: "left"},
		)
	}
	client, _ := scriptedProvider(t, responses...)

	loop := &Loop{
		Client:  client,
		Sandbox: &fakeSandbox{screenshot: testPNG(t)},
		Config:  LoopConfig{MaxIterations: 3},
		sleep:   func(time.Duration) {},
	}

	_, err := loop.Run(context.Background(), RunInput{
		Params:   &llm.Params{Model: "computer-use-preview", Input: "keep going"},
		TaskText: "Visit https://example.com",
	})

	var budgetErr *magneterrors.BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "computer", budgetErr.Loop)
	assert.Equal(t, "max_iterations", budgetErr.Reason)
}
