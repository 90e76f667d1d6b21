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
	"fmt"

	"github.com/tombee/magnet/internal/browser"
	"github.com/tombee/magnet/internal/tools"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// runComputerUse drives the browser control loop. The initial prompt is
// text-only; screenshots are the only image input the model ever sees.
func (d *Dispatcher) runComputerUse(ctx context.Context, req Request) (*Result, error) {
	if d.NewSandbox == nil {
		return nil, errStrategy(KindComputerUse, fmt.Errorf("no browser sandbox configured"))
	}

	instructions := req.Instructions
	if tools.Has(req.Tools, tools.TypeShell) {
		instructions = browser.EnsureCoexistenceHint(instructions)
	}

	buildReq := req
	buildReq.Instructions = instructions
	buildReq.PreviousImageURLs = nil
	params := buildParams(buildReq, true)

	loop := &browser.Loop{
		Client:      d.Client,
		Sandbox:     d.NewSandbox(),
		Config:      d.BrowserConfig,
		Logger:      d.logger(),
		Screenshots: req.Screenshots,
	}

	var preview func(string)
	if req.Live != nil {
		preview = func(text string) { req.Live.Append(ctx, text) }
	}

	run, err := loop.Run(ctx, browser.RunInput{
		Params:   params,
		TaskText: taskText(req),
		Preview:  preview,
	})
	if err != nil {
		if req.Live != nil {
			req.Live.SetStatus(ctx, record.LiveStepError, err.Error())
		}
		return nil, errStrategy(KindComputerUse, err)
	}
	if req.Live != nil {
		req.Live.SetStatus(ctx, record.LiveStepFinal, "")
	}

	result := resultFromResponse(req.Step.Model, llm.ProcessResponse(params, run.Final), run.Iterations)
	result.Usage = run.Usage
	result.UsageByCall = run.PerCall
	return result, nil
}
