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

// Package strategy selects and runs the provider interaction mode for one
// workflow step: plain generation, image generation, the shell loop, or the
// computer-use loop.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tombee/magnet/internal/browser"
	"github.com/tombee/magnet/internal/shell"
	"github.com/tombee/magnet/internal/tools"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// Kind names an interaction mode.
type Kind string

const (
	KindStandard        Kind = "standard"
	KindImageGeneration Kind = "image_generation"
	KindComputerUse     Kind = "computer_use"
	KindShell           Kind = "shell"
)

// Select picks the interaction mode for a step. Selection is pure over the
// model and the normalized tool list.
func Select(model string, stepTools []map[string]any) Kind {
	for _, tool := range stepTools {
		if tools.Type(tool) != tools.TypeImageGeneration {
			continue
		}
		toolModel, _ := tool["model"].(string)
		if llm.IsImageGeneration(toolModel) {
			return KindImageGeneration
		}
	}
	if llm.IsComputerUsePreview(model) && tools.Has(stepTools, tools.TypeComputerUsePreview) {
		return KindComputerUse
	}
	if tools.Has(stepTools, tools.TypeShell) {
		return KindShell
	}
	return KindStandard
}

// Request is one step's strategy input. Tools are already normalized and
// validated; ToolChoice is the effective choice after filtering.
type Request struct {
	TenantID  string
	JobID     string
	StepIndex int

	Step       record.Step
	Tools      []map[string]any
	ToolChoice record.ToolChoice

	// Instructions is the step's system prompt, previous context included.
	Instructions string

	// InputText is the raw user text for this turn.
	InputText string

	// PreviousImageURLs feed multimodal input and the image pipeline.
	PreviousImageURLs []string

	// Live receives streamed preview text. Nil disables streaming.
	Live *LivePublisher

	// ShellEnv is merged into the shell sandbox environment.
	ShellEnv map[string]string

	// Retry preserves shell sandbox state from a previous attempt.
	Retry bool

	// Screenshots persists annotated computer-use screenshots.
	Screenshots browser.ScreenshotSink
}

// Result is the uniform strategy outcome.
type Result struct {
	Text      string
	ImageURLs []string

	// Images are inline generated images awaiting upload.
	Images []llm.GeneratedImage

	// Usage is the step total; UsageByCall keeps one entry per provider
	// call so accounting can persist a row per call.
	Usage       record.Usage
	UsageByCall []record.Usage

	ProviderCalls int

	// RawRequest and RawResponse serialize the last call for auditing.
	RawRequest  json.RawMessage
	RawResponse json.RawMessage
}

// Dispatcher routes a step to its strategy. Stateless across steps.
type Dispatcher struct {
	Client *llm.Client

	ShellExecutor shell.Executor
	ShellConfig   shell.LoopConfig

	BrowserConfig browser.LoopConfig

	// NewSandbox mints a browser sandbox per computer-use step.
	NewSandbox func() browser.Sandbox

	// ImagePromptPrefix is prepended to image generation prompts.
	ImagePromptPrefix string

	Logger *slog.Logger
}

// Execute runs the step under its selected strategy.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Result, error) {
	switch Select(req.Step.Model, req.Tools) {
	case KindImageGeneration:
		return d.runImageGeneration(ctx, req)
	case KindComputerUse:
		return d.runComputerUse(ctx, req)
	case KindShell:
		return d.runShell(ctx, req)
	default:
		return d.runStandard(ctx, req)
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// buildParams shapes the step into a provider request.
func buildParams(req Request, hasComputerUse bool) *llm.Params {
	return llm.BuildParams(llm.BuildRequest{
		Model:             req.Step.Model,
		Instructions:      req.Instructions,
		InputText:         req.InputText,
		Tools:             req.Tools,
		ToolChoice:        req.ToolChoice,
		HasComputerUse:    hasComputerUse,
		ReasoningEffort:   req.Step.ReasoningEffort,
		ServiceTier:       req.Step.ServiceTier,
		TextVerbosity:     req.Step.TextVerbosity,
		MaxOutputTokens:   req.Step.MaxOutputTokens,
		OutputFormat:      req.Step.OutputFormat,
		PreviousImageURLs: req.PreviousImageURLs,
	})
}

// resultFromResponse folds a processed provider response into a Result.
func resultFromResponse(model string, processed *llm.Result, calls int) *Result {
	usage := record.Usage{
		Model:        model,
		InputTokens:  processed.InputTokens,
		OutputTokens: processed.OutputTokens,
		CostUSD:      llm.CalculateCost(model, processed.InputTokens, processed.OutputTokens),
	}
	return &Result{
		Text:          processed.Text,
		ImageURLs:     processed.ImageURLs,
		Images:        processed.Images,
		Usage:         usage,
		UsageByCall:   []record.Usage{usage},
		ProviderCalls: calls,
		RawRequest:    processed.RawRequest,
		RawResponse:   processed.RawResponse,
	}
}

// taskText concatenates the step prompt pieces the computer-use loop scans
// for a navigation target.
func taskText(req Request) string {
	parts := []string{req.Step.Instructions, req.InputText}
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		return ""
	}
	return strings.Join(nonEmpty, "\n\n")
}

func errStrategy(kind Kind, err error) error {
	return fmt.Errorf("%s strategy: %w", kind, err)
}
