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
	"context"
	"encoding/json"
	"fmt"
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

// fakeExecutor records requests and echoes canned results.
type fakeExecutor struct {
	requests []ExecRequest
	results  []CommandResult
}

func (f *fakeExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecResponse, error) {
	f.requests = append(f.requests, req)
	results := f.results
	if results == nil {
		for _, cmd := range req.Commands {
			results = append(results, CommandResult{Command: cmd, Stdout: "ok\n"})
		}
	}
	return &ExecResponse{Results: results}, nil
}

func shellCallResponse(id, callID string, commands ...string) *llm.Response {
	action, _ := json.Marshal(llm.ShellAction{Commands: commands})
	return &llm.Response{
		ID:     id,
		Status: "completed",
		Output: []llm.OutputItem{{Type: llm.ItemTypeShellCall, CallID: callID, Action: action}},
		Usage:  &llm.UsageInfo{InputTokens: 10, OutputTokens: 5},
	}
}

func finalResponse(id, text string) *llm.Response {
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

// scriptedProvider serves a fixed sequence of responses and captures the
// request params it saw.
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

func TestWorkspaceIDDeterministic(t *testing.T) {
	a := WorkspaceID("t-1", "j-1", 2)
	b := WorkspaceID("t-1", "j-1", 2)
	c := WorkspaceID("t-1", "j-1", 3)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "w_"))
	assert.Len(t, a, 34)
	// Hex only after the sentinel; nothing path-like can appear.
	assert.NotContains(t, a[2:], "/")
}

func TestLoopRunsUntilFinalText(t *testing.T) {
	client, seen := scriptedProvider(t,
		shellCallResponse("resp_1", "call_1", "ls -la"),
		finalResponse("resp_2", "Listed 3 files."),
	)
	exec := &fakeExecutor{results: []CommandResult{{Command: "ls -la", Stdout: "file1\nfile2\nfile3\n"}}}

	var preview strings.Builder
	loop := &Loop{Client: client, Executor: exec, Config: LoopConfig{MaxIterations: 25}}
	result, err := loop.Run(context.Background(), RunInput{
		Params:    &llm.Params{Model: "gpt-5", Input: "run ls and report", ToolChoice: "required", Tools: []map[string]any{{"type": "shell"}}},
		TenantID:  "t-1",
		JobID:     "j-1",
		StepIndex: 0,
		Preview:   func(s string) { preview.WriteString(s) },
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, "Listed 3 files.", llm.ProcessResponse(nil, result.Final).Text)
	assert.Equal(t, 20, result.Usage.InputTokens)
	assert.Equal(t, 10, result.Usage.OutputTokens)

	// Per-call accounting keeps one entry per provider call.
	require.Len(t, result.PerCall, 2)
	assert.Equal(t, 10, result.PerCall[0].InputTokens)
	assert.Equal(t, 5, result.PerCall[1].OutputTokens)

	// Live preview echoes the command then its output.
	assert.Contains(t, preview.String(), "$ ls -la\n")
	assert.Contains(t, preview.String(), "file1")

	// First call keeps required; the follow-up downgrades to auto and
	// threads the previous response.
	require.Len(t, *seen, 2)
	assert.Equal(t, "required", (*seen)[0].ToolChoice)
	assert.Equal(t, "auto", (*seen)[1].ToolChoice)
	assert.Equal(t, "resp_1", (*seen)[1].PreviousResponseID)

	// Sandbox reset happens on the first execution only, with the step
	// environment injected.
	require.Len(t, exec.requests, 1)
	assert.True(t, exec.requests[0].Reset)
	assert.Equal(t, "j-1", exec.requests[0].Env["LM_JOB_ID"])
	assert.Equal(t, "t-1", exec.requests[0].Env["LM_TENANT_ID"])
	assert.Equal(t, "0", exec.requests[0].Env["LM_STEP_INDEX"])
	assert.Equal(t, WorkspaceID("t-1", "j-1", 0), exec.requests[0].Env["SHELL_EXECUTOR_WORKSPACE_ID"])
}

func TestLoopIterationBudget(t *testing.T) {
	responses := make([]*llm.Response, 3)
	for i := range responses {
		responses[i] = shellCallResponse(fmt.Sprintf("resp_%d", i), fmt.Sprintf("call_%d", i), "echo again")
	}
	client, _ := scriptedProvider(t, responses...)

	loop := &Loop{Client: client, Executor: &fakeExecutor{}, Config: LoopConfig{MaxIterations: 3}}
	_, err := loop.Run(context.Background(), RunInput{
		Params: &llm.Params{Model: "gpt-5", Input: "loop forever"},
	})
	require.Error(t, err)

	var budgetErr *magneterrors.BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "shell", budgetErr.Loop)
	assert.Equal(t, "max_iterations", budgetErr.Reason)
	assert.Equal(t, 3, budgetErr.Iterations)
}

func TestLoopWallClockBudget(t *testing.T) {
	client, _ := scriptedProvider(t, finalResponse("resp_1", "unused"))
	loop := &Loop{Client: client, Executor: &fakeExecutor{}, Config: LoopConfig{MaxIterations: 5, MaxDuration: time.Nanosecond}}

	time.Sleep(time.Millisecond)
	_, err := loop.Run(context.Background(), RunInput{Params: &llm.Params{Model: "gpt-5", Input: "x"}})

	var budgetErr *magneterrors.BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "max_duration", budgetErr.Reason)
}

func TestLoopRetryPreservesWorkspace(t *testing.T) {
	client, _ := scriptedProvider(t,
		shellCallResponse("resp_1", "call_1", "cat state.txt"),
		finalResponse("resp_2", "done"),
	)
	exec := &fakeExecutor{}
	loop := &Loop{Client: client, Executor: exec, Config: LoopConfig{MaxIterations: 5}}

	_, err := loop.Run(context.Background(), RunInput{
		Params: &llm.Params{Model: "gpt-5", Input: "continue"},
		Retry:  true,
	})
	require.NoError(t, err)
	require.Len(t, exec.requests, 1)
	assert.False(t, exec.requests[0].Reset)
}

func TestTruncate(t *testing.T) {
	out, truncated := Truncate("hello world", 5)
	assert.Equal(t, "hello", out)
	assert.True(t, truncated)

	out, truncated = Truncate("short", 100)
	assert.Equal(t, "short", out)
	assert.False(t, truncated)
}

func TestDetectUploadTarget(t *testing.T) {
	bucket, key := DetectUploadTarget("Upload the report to bucket acme-reports in region us-west-2.")
	assert.Equal(t, "acme-reports", bucket)
	assert.Empty(t, key)

	bucket, key = DetectUploadTarget("Copy the file to s3://acme-reports/q3/report.pdf when finished.")
	assert.Equal(t, "acme-reports", bucket)
	assert.Equal(t, "q3/report.pdf", key)

	bucket, _ = DetectUploadTarget("Just summarize the findings.")
	assert.Empty(t, bucket)
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	assert.Equal(t, "a/b.txt", sanitizeKey("/a/b.txt"))
	assert.Equal(t, "a/b.txt", sanitizeKey("a//b.txt"))
	assert.Empty(t, sanitizeKey("../etc/passwd"))
	assert.Empty(t, sanitizeKey(".."))
	assert.Empty(t, sanitizeKey(""))
}

func TestLocalExecutor(t *testing.T) {
	exec := NewLocalExecutor(t.TempDir())
	resp, err := exec.Execute(context.Background(), ExecRequest{
		WorkspaceID:     "w_test",
		Commands:        []string{"echo hello", "echo oops >&2; exit 3"},
		MaxOutputLength: 4096,
		Reset:           true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "hello\n", resp.Results[0].Stdout)
	assert.Zero(t, resp.Results[0].ExitCode)

	assert.Equal(t, "oops\n", resp.Results[1].Stderr)
	assert.Equal(t, 3, resp.Results[1].ExitCode)
}

func TestLocalExecutorWorkspacePersistsAcrossCalls(t *testing.T) {
	exec := NewLocalExecutor(t.TempDir())
	ctx := context.Background()

	_, err := exec.Execute(ctx, ExecRequest{WorkspaceID: "w_p", Commands: []string{"echo data > state.txt"}, Reset: true})
	require.NoError(t, err)

	resp, err := exec.Execute(ctx, ExecRequest{WorkspaceID: "w_p", Commands: []string{"cat state.txt"}})
	require.NoError(t, err)
	assert.Equal(t, "data\n", resp.Results[0].Stdout)

	// Reset wipes it.
	resp, err = exec.Execute(ctx, ExecRequest{WorkspaceID: "w_p", Commands: []string{"cat state.txt"}, Reset: true})
	require.NoError(t, err)
	assert.NotZero(t, resp.Results[0].ExitCode)
}

func TestTruncationAppliedByLocalExecutor(t *testing.T) {
	exec := NewLocalExecutor(t.TempDir())
	resp, err := exec.Execute(context.Background(), ExecRequest{
		WorkspaceID:     "w_t",
		Commands:        []string{"printf 'aaaaaaaaaa'"},
		MaxOutputLength: 4,
		Reset:           true,
	})
	require.NoError(t, err)
	assert.Equal(t, "aaaa", resp.Results[0].Stdout)
	assert.True(t, resp.Results[0].Truncated)
}
