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
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tombee/magnet/pkg/errors"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// LoopConfig bounds one shell loop.
type LoopConfig struct {
	MaxIterations    int
	MaxDuration      time.Duration
	MaxCommandOutput int

	// CommandTimeoutMS bounds each command inside the sandbox.
	CommandTimeoutMS int
}

// Loop drives the multi-turn shell protocol.
type Loop struct {
	Client   *llm.Client
	Executor Executor
	Config   LoopConfig
	Logger   *slog.Logger
}

// RunInput carries the step identity and the first request of the loop.
type RunInput struct {
	Params *llm.Params

	TenantID  string
	JobID     string
	StepIndex int

	// MaxCommandOutput overrides the loop default when positive.
	MaxCommandOutput int

	// Env is merged into the sandbox environment, tool-visible secrets
	// included.
	Env map[string]string

	// Preview receives live output fragments as commands run.
	Preview func(text string)

	// Retry preserves sandbox state instead of resetting it.
	Retry bool
}

// RunResult is the loop outcome.
type RunResult struct {
	// Final is the last provider response, the one with no shell calls.
	Final *llm.Response

	// Usage accumulates across every provider call in the loop.
	Usage record.Usage

	// PerCall keeps one usage entry per provider call, in call order, for
	// per-call accounting rows.
	PerCall []record.Usage

	Iterations int
}

// Run executes the loop until the model returns final text or a budget is
// exhausted. The tool_choice autonomy invariant holds here: required applies
// to the first call only, every follow-up downgrades to auto.
func (l *Loop) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxIterations := l.Config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 25
	}
	maxDuration := l.Config.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 14 * time.Minute
	}
	outputCap := in.MaxCommandOutput
	if outputCap <= 0 {
		outputCap = l.Config.MaxCommandOutput
	}
	if outputCap <= 0 {
		outputCap = 4096
	}

	workspaceID := WorkspaceID(in.TenantID, in.JobID, in.StepIndex)
	env := map[string]string{
		"LM_JOB_ID":                   in.JobID,
		"LM_TENANT_ID":                in.TenantID,
		"LM_STEP_INDEX":               strconv.Itoa(in.StepIndex),
		"SHELL_EXECUTOR_WORKSPACE_ID": workspaceID,
	}
	for k, v := range in.Env {
		env[k] = v
	}

	params := in.Params
	start := time.Now()
	result := &RunResult{}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if elapsed := time.Since(start); elapsed > maxDuration {
			return result, &errors.BudgetError{
				Loop: "shell", Reason: "max_duration",
				Iterations: iteration - 1, Elapsed: elapsed,
			}
		}

		resp, err := l.Client.Call(ctx, params)
		if err != nil {
			return result, err
		}
		result.Final = resp
		result.Iterations = iteration
		if resp.Usage != nil {
			callUsage := record.Usage{
				Model:        params.Model,
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				CostUSD:      llm.CalculateCost(params.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
			}
			result.Usage.Add(callUsage)
			result.PerCall = append(result.PerCall, callUsage)
		}

		calls := llm.ShellCalls(resp)
		if len(calls) == 0 {
			return result, nil
		}

		outputs, err := l.executeCalls(ctx, calls, workspaceID, env, outputCap, iteration == 1 && !in.Retry, in.Preview)
		if err != nil {
			return result, err
		}

		params = followUpParams(params, resp.ID, outputs)
	}

	return result, &errors.BudgetError{
		Loop: "shell", Reason: "max_iterations",
		Iterations: maxIterations, Elapsed: time.Since(start),
	}
}

func (l *Loop) executeCalls(ctx context.Context, calls []llm.ShellCallItem, workspaceID string, env map[string]string, outputCap int, reset bool, preview func(string)) ([]llm.InputItem, error) {
	var outputs []llm.InputItem
	for _, call := range calls {
		timeoutMS := l.Config.CommandTimeoutMS
		if call.Action.TimeoutMS > 0 && (timeoutMS <= 0 || call.Action.TimeoutMS < timeoutMS) {
			timeoutMS = call.Action.TimeoutMS
		}

		resp, err := l.Executor.Execute(ctx, ExecRequest{
			WorkspaceID:     workspaceID,
			Commands:        call.Action.Commands,
			TimeoutMS:       timeoutMS,
			MaxOutputLength: outputCap,
			Env:             env,
			Reset:           reset,
		})
		if err != nil {
			return nil, fmt.Errorf("execute shell call %s: %w", call.CallID, err)
		}
		reset = false

		var results []llm.ShellCommandResult
		for _, r := range resp.Results {
			if preview != nil {
				preview("$ " + r.Command + "\n")
				if r.Stdout != "" {
					preview(r.Stdout)
				}
				if r.Stderr != "" {
					preview(r.Stderr)
				}
			}
			results = append(results, llm.ShellCommandResult{
				Command:   r.Command,
				Stdout:    r.Stdout,
				Stderr:    r.Stderr,
				ExitCode:  r.ExitCode,
				Truncated: r.Truncated,
			})
		}

		outputs = append(outputs, llm.InputItem{
			Type:   llm.ItemTypeShellCallOutput,
			CallID: call.CallID,
			Output: results,
		})
	}
	return outputs, nil
}

// followUpParams builds the next turn: tool outputs as input, threaded on
// the previous response, with required downgraded to auto.
func followUpParams(prev *llm.Params, responseID string, outputs []llm.InputItem) *llm.Params {
	next := *prev
	next.Input = outputs
	next.PreviousResponseID = responseID
	if next.ToolChoice == string(record.ToolChoiceRequired) {
		next.ToolChoice = string(record.ToolChoiceAuto)
	}
	return &next
}
