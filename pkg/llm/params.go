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
	"strings"

	"github.com/tombee/magnet/pkg/record"
)

// AutonomyPreamble is prefixed to every step's instructions so multi-step
// workflows never stall waiting for a user turn.
const AutonomyPreamble = "This workflow runs end-to-end with NO user interaction between steps. " +
	"Make reasonable assumptions and proceed."

// jsonReminderSuffix satisfies the provider requirement that json_object
// output mentions JSON somewhere in the input.
const jsonReminderSuffix = "\n\nPlease output your response in JSON format."

// BuildRequest is the uniform input to BuildParams.
type BuildRequest struct {
	Model        string
	Instructions string
	InputText    string

	Tools      []map[string]any
	ToolChoice record.ToolChoice

	// HasComputerUse marks computer-use steps, which never take inline
	// image parts.
	HasComputerUse bool

	ReasoningEffort string
	ServiceTier     string
	TextVerbosity   string

	// MaxOutputTokens may arrive numerically boxed from the record store.
	MaxOutputTokens any

	OutputFormat *record.OutputFormat

	// PreviousImageURLs enables multimodal input for image-capable models
	// when image generation is active in the step.
	PreviousImageURLs []string
}

// BuildParams shapes a step configuration into a Responses API request.
func BuildParams(req BuildRequest) *Params {
	p := &Params{
		Model:        req.Model,
		Instructions: applyAutonomyPreamble(req.Instructions),
		Tools:        req.Tools,
	}

	inputText := req.InputText
	if req.OutputFormat != nil {
		p.Text = buildTextOptions(req.OutputFormat, req.TextVerbosity)
		if req.OutputFormat.Type == "json_object" && !strings.Contains(strings.ToLower(inputText), "json") {
			inputText += jsonReminderSuffix
		}
	} else if req.TextVerbosity != "" {
		p.Text = &TextOptions{Verbosity: req.TextVerbosity}
	}

	if multimodal(req) {
		p.Input = multimodalInput(inputText, req.PreviousImageURLs)
	} else {
		p.Input = inputText
	}

	switch req.ToolChoice {
	case record.ToolChoiceRequired:
		// Never send required without tools; the provider rejects it.
		if len(req.Tools) > 0 {
			p.ToolChoice = string(record.ToolChoiceRequired)
		}
	case record.ToolChoiceNone, record.ToolChoiceAuto:
		p.ToolChoice = string(req.ToolChoice)
	}

	if effort := reasoningEffort(req); effort != "" {
		p.Reasoning = &Reasoning{Effort: effort}
	}

	if req.ServiceTier != "" {
		p.ServiceTier = req.ServiceTier
	} else {
		p.ServiceTier = DefaultServiceTier(req.Model)
	}

	if n, ok := record.ToInt(req.MaxOutputTokens); ok && n > 0 {
		p.MaxOutputTokens = n
	}

	if hasToolType(req.Tools, "code_interpreter") {
		p.Include = append(p.Include, "code_interpreter_call.outputs")
	}

	return p
}

func applyAutonomyPreamble(instructions string) string {
	if strings.Contains(instructions, "NO user interaction") {
		return instructions
	}
	if instructions == "" {
		return AutonomyPreamble
	}
	return AutonomyPreamble + "\n\n" + instructions
}

func buildTextOptions(of *record.OutputFormat, verbosity string) *TextOptions {
	opts := &TextOptions{Verbosity: verbosity}
	switch of.Type {
	case "json_object":
		opts.Format = &TextFormat{Type: "json_object"}
	case "json_schema":
		name := of.Name
		if name == "" {
			name = "response"
		}
		opts.Format = &TextFormat{Type: "json_schema", Name: name, Schema: of.Schema, Strict: true}
	}
	if opts.Format == nil && opts.Verbosity == "" {
		return nil
	}
	return opts
}

// multimodal reports whether the request should carry image parts: the model
// supports image input, image generation is active in the step, and at least
// one prior image URL exists.
func multimodal(req BuildRequest) bool {
	if req.HasComputerUse || !SupportsImageInput(req.Model) {
		return false
	}
	if !hasToolType(req.Tools, "image_generation") {
		return false
	}
	for _, url := range req.PreviousImageURLs {
		if strings.TrimSpace(url) != "" {
			return true
		}
	}
	return false
}

func multimodalInput(text string, imageURLs []string) []InputItem {
	parts := []ContentPart{{Type: "input_text", Text: text}}
	for _, url := range imageURLs {
		if strings.TrimSpace(url) == "" {
			continue
		}
		parts = append(parts, ContentPart{Type: "input_image", ImageURL: url})
	}
	return []InputItem{{Role: "user", Content: parts}}
}

func reasoningEffort(req BuildRequest) string {
	if !SupportsReasoning(req.Model) {
		return ""
	}
	if req.ReasoningEffort != "" {
		return req.ReasoningEffort
	}
	return DefaultReasoningEffort(req.Model)
}

func hasToolType(tools []map[string]any, toolType string) bool {
	for _, tool := range tools {
		if t, ok := tool["type"].(string); ok && t == toolType {
			return true
		}
	}
	return false
}
