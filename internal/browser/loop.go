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
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tombee/magnet/internal/images"
	"github.com/tombee/magnet/pkg/errors"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

const (
	defaultDisplayWidth  = 1024
	defaultDisplayHeight = 768

	// signatureWindow is how many recent action signatures loop detection
	// remembers.
	signatureWindow = 15
)

// coexistenceHint is appended to instructions when the shell tool is also
// available. The marker makes the augmentation idempotent.
const coexistenceHint = "\n\nWhen a fact is discoverable without a browser (DNS records, HTTP headers, API responses), prefer the shell tool over clicking through pages. When you do use the computer tool, navigate with full URLs rather than typing into address bars."

// LoopConfig bounds one computer-use loop.
type LoopConfig struct {
	MaxIterations int
	MaxDuration   time.Duration
}

// ScreenshotSink receives the annotated screenshot captured after each
// action, for artifact persistence.
type ScreenshotSink func(ctx context.Context, annotated []byte, iteration int, action llm.ComputerAction) error

// Loop drives the multi-turn computer-use protocol against a Sandbox.
type Loop struct {
	Client  *llm.Client
	Sandbox Sandbox
	Config  LoopConfig
	Logger  *slog.Logger

	// Screenshots persists annotated screenshots. Nil skips persistence.
	Screenshots ScreenshotSink

	// sleep is stubbed in tests.
	sleep func(time.Duration)
}

func (l *Loop) pause(d time.Duration) {
	if l.sleep != nil {
		l.sleep(d)
		return
	}
	time.Sleep(d)
}

// RunInput carries the first request of the loop.
type RunInput struct {
	Params *llm.Params

	// TaskText seeds the initial navigation target.
	TaskText string

	// Preview receives one-line action narrations as the loop runs.
	Preview func(text string)
}

// RunResult is the loop outcome.
type RunResult struct {
	Final      *llm.Response
	Usage      record.Usage
	Iterations int

	// PerCall keeps one usage entry per provider call, in call order.
	PerCall []record.Usage

	// Screenshots counts how many were captured, persisted or not.
	Screenshots int
}

// Run executes the loop until the model stops issuing computer calls or a
// budget trips. tool_choice required applies to the first call only.
func (l *Loop) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxIterations := l.Config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 100
	}
	maxDuration := l.Config.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 15 * time.Minute
	}

	width, height := DisplaySize(in.Params.Tools)
	if err := l.Sandbox.Initialize(ctx, width, height); err != nil {
		return nil, fmt.Errorf("initialize browser sandbox: %w", err)
	}
	defer l.Sandbox.Cleanup()

	if target := InitialTarget(in.TaskText); target != "" {
		if err := l.Sandbox.Execute(ctx, llm.ComputerAction{Type: "navigate", URL: target}); err != nil {
			logger.Warn("initial navigation failed", "url", target, "error", err)
		} else {
			l.pause(sleepFor("navigate"))
		}
	}

	params := in.Params
	start := time.Now()
	result := &RunResult{}
	var signatures []string

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if elapsed := time.Since(start); elapsed > maxDuration {
			return result, &errors.BudgetError{
				Loop: "computer", Reason: "max_duration",
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

		calls := llm.ComputerCalls(resp)
		if len(calls) == 0 {
			return result, nil
		}

		var outputs []llm.InputItem
		for _, call := range calls {
			sig := ActionSignature(call.Action)
			signatures = appendSignature(signatures, sig)
			if LoopDetected(signatures, call.Action.Type) {
				logger.Warn("action loop detected", "signature", sig, "iteration", iteration)
				return result, &errors.BudgetError{
					Loop: "computer", Reason: "loop_detected",
					Iterations: iteration, Elapsed: time.Since(start),
				}
			}

			output, err := l.performCall(ctx, call, iteration, logger, in.Preview, result)
			if err != nil {
				return result, err
			}
			outputs = append(outputs, output)
		}

		params = followUpParams(params, resp.ID, outputs)
	}

	return result, &errors.BudgetError{
		Loop: "computer", Reason: "max_iterations",
		Iterations: maxIterations, Elapsed: time.Since(start),
	}
}

func (l *Loop) performCall(ctx context.Context, call llm.ComputerCallItem, iteration int, logger *slog.Logger, preview func(string), result *RunResult) (llm.InputItem, error) {
	action := call.Action
	if preview != nil {
		preview(describeAction(action) + "\n")
	}

	if err := l.Sandbox.Execute(ctx, action); err != nil {
		return llm.InputItem{}, fmt.Errorf("execute %s action: %w", action.Type, err)
	}
	l.pause(sleepFor(action.Type))

	screenshot, err := l.Sandbox.CaptureScreenshot(ctx)
	if err != nil {
		return llm.InputItem{}, err
	}
	result.Screenshots++

	// The model sees the clean capture; the annotated copy is what gets
	// persisted for humans.
	if l.Screenshots != nil {
		annotated, overlayErr := images.Overlay(screenshot, action)
		if overlayErr != nil {
			annotated = screenshot
		}
		if sinkErr := l.Screenshots(ctx, annotated, iteration, action); sinkErr != nil {
			logger.Warn("failed to persist screenshot", "iteration", iteration, "error", sinkErr)
		}
	}

	currentURL, _ := l.Sandbox.CurrentURL(ctx)

	for _, check := range call.PendingSafetyChecks {
		logger.Warn("acknowledging provider safety check",
			"check_id", check.ID, "code", check.Code, "message", check.Message)
	}

	mime := images.DetectFormat(screenshot)
	if mime == "" {
		mime = "image/png"
	}
	return llm.InputItem{
		Type:   llm.ItemTypeComputerCallOutput,
		CallID: call.CallID,
		Output: llm.ScreenshotOutput{
			Type:       "input_image",
			ImageURL:   images.EncodeDataURL(screenshot, mime),
			CurrentURL: currentURL,
		},
		AcknowledgedSafetyChecks: call.PendingSafetyChecks,
	}, nil
}

func followUpParams(prev *llm.Params, responseID string, outputs []llm.InputItem) *llm.Params {
	next := *prev
	next.Input = outputs
	next.PreviousResponseID = responseID
	if next.ToolChoice == string(record.ToolChoiceRequired) {
		next.ToolChoice = string(record.ToolChoiceAuto)
	}
	return &next
}

// DisplaySize extracts the viewport from the computer_use_preview tool spec.
func DisplaySize(tools []map[string]any) (width, height int) {
	width, height = defaultDisplayWidth, defaultDisplayHeight
	for _, tool := range tools {
		if t, _ := tool["type"].(string); t != "computer_use_preview" {
			continue
		}
		if w, ok := record.ToInt(tool["display_width"]); ok && w > 0 {
			width = w
		}
		if h, ok := record.ToInt(tool["display_height"]); ok && h > 0 {
			height = h
		}
		return width, height
	}
	return width, height
}

var (
	urlPattern  = regexp.MustCompile(`https?://[^\s)"'<>]+`)
	hostPattern = regexp.MustCompile(`\b[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)+\b`)
)

// InitialTarget picks the page to open before the first model turn: an
// explicit URL in the task text, then a host-like token, then a blank search
// engine.
func InitialTarget(taskText string) string {
	if m := urlPattern.FindString(taskText); m != "" {
		return strings.TrimRight(m, ".,;:")
	}
	if m := hostPattern.FindString(strings.ToLower(taskText)); m != "" {
		return "https://" + m
	}
	return "https://www.google.com"
}

// EnsureCoexistenceHint appends the shell-preference guidance once.
func EnsureCoexistenceHint(instructions string) string {
	if strings.Contains(instructions, "prefer the shell tool") {
		return instructions
	}
	return instructions + coexistenceHint
}

// ActionSignature canonicalizes an action for loop detection: the type plus
// its geometric or key parameters.
func ActionSignature(a llm.ComputerAction) string {
	switch a.Type {
	case "click", "double_click", "hover":
		return fmt.Sprintf("%s:%d,%d,%s", a.Type, a.X, a.Y, a.Button)
	case "drag":
		if len(a.Path) == 0 {
			return "drag:"
		}
		first, last := a.Path[0], a.Path[len(a.Path)-1]
		return fmt.Sprintf("drag:%d,%d->%d,%d", first.X, first.Y, last.X, last.Y)
	case "type":
		return "type:" + a.Text
	case "keypress":
		return "keypress:" + strings.Join(a.Keys, "+")
	case "scroll":
		return fmt.Sprintf("scroll:%d,%d,%d,%d", a.X, a.Y, a.ScrollX, a.ScrollY)
	case "navigate":
		return "navigate:" + a.URL
	default:
		return a.Type
	}
}

// loopThreshold is the repeat count that counts as a stuck loop, per action
// type. Zero disables detection for the type.
func loopThreshold(actionType string) int {
	switch actionType {
	case "click", "double_click", "type", "navigate", "drag", "hover":
		return 3
	case "scroll", "keypress", "wait":
		return 10
	default:
		return 0
	}
}

// LoopDetected reports whether the last N signatures are identical, with N
// determined by the most recent action's type.
func LoopDetected(signatures []string, actionType string) bool {
	n := loopThreshold(actionType)
	if n == 0 || len(signatures) < n {
		return false
	}
	last := signatures[len(signatures)-1]
	for i := len(signatures) - n; i < len(signatures); i++ {
		if signatures[i] != last {
			return false
		}
	}
	return true
}

func appendSignature(signatures []string, sig string) []string {
	signatures = append(signatures, sig)
	if len(signatures) > signatureWindow {
		signatures = signatures[len(signatures)-signatureWindow:]
	}
	return signatures
}

// sleepFor paces the loop after an action so the page settles before the
// screenshot.
func sleepFor(actionType string) time.Duration {
	switch actionType {
	case "screenshot":
		return 0
	case "navigate":
		return 2 * time.Second
	case "scroll":
		return 800 * time.Millisecond
	case "click", "double_click", "type", "keypress", "drag", "hover":
		return 1500 * time.Millisecond
	default:
		return time.Second
	}
}

func describeAction(a llm.ComputerAction) string {
	switch a.Type {
	case "click", "double_click", "hover":
		return fmt.Sprintf("[%s %d,%d]", a.Type, a.X, a.Y)
	case "type":
		return fmt.Sprintf("[type %q]", a.Text)
	case "keypress":
		return "[keypress " + strings.Join(a.Keys, "+") + "]"
	case "navigate":
		return "[navigate " + a.URL + "]"
	case "scroll":
		return fmt.Sprintf("[scroll %d,%d]", a.ScrollX, a.ScrollY)
	default:
		return "[" + a.Type + "]"
	}
}
