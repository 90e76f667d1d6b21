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

package strategy

import (
	"context"

	"github.com/tombee/magnet/internal/shell"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// runShell drives the multi-turn shell loop, echoing live command output to
// the preview when available.
func (d *Dispatcher) runShell(ctx context.Context, req Request) (*Result, error) {
	params := buildParams(req, false)

	loop := &shell.Loop{
		Client:   d.Client,
		Executor: d.ShellExecutor,
		Config:   d.ShellConfig,
		Logger:   d.logger(),
	}

	var preview func(string)
	if req.Live != nil {
		preview = func(text string) { req.Live.Append(ctx, text) }
	}

	run, err := loop.Run(ctx, shell.RunInput{
		Params:           params,
		TenantID:         req.TenantID,
		JobID:            req.JobID,
		StepIndex:        req.StepIndex,
		MaxCommandOutput: req.Step.MaxCommandOutput,
		Env:              req.ShellEnv,
		Preview:          preview,
		Retry:            req.Retry,
	})
	if err != nil {
		if req.Live != nil {
			req.Live.SetStatus(ctx, record.LiveStepError, err.Error())
		}
		return nil, errStrategy(KindShell, err)
	}
	if req.Live != nil {
		req.Live.SetStatus(ctx, record.LiveStepFinal, "")
	}

	result := resultFromResponse(req.Step.Model, llm.ProcessResponse(params, run.Final), run.Iterations)
	// The loop already accumulated usage across every call it made.
	result.Usage = run.Usage
	result.UsageByCall = run.PerCall
	return result, nil
}
