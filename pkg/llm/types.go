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

// Package llm adapts the provider's Responses API into a uniform surface:
// parameter building, unary and streaming calls, response extraction, and
// per-call cost accounting.
package llm

import "encoding/json"

// Params is a Responses API request.
type Params struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`

	// Input is either a plain string or a list of InputItem.
	Input any `json:"input"`

	Tools      []map[string]any `json:"tools,omitempty"`
	ToolChoice string           `json:"tool_choice,omitempty"`

	Reasoning       *Reasoning   `json:"reasoning,omitempty"`
	ServiceTier     string       `json:"service_tier,omitempty"`
	Text            *TextOptions `json:"text,omitempty"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`

	Include []string `json:"include,omitempty"`
	Stream  bool     `json:"stream,omitempty"`

	// PreviousResponseID threads multi-turn tool loops.
	PreviousResponseID string `json:"previous_response_id,omitempty"`

	Truncation string `json:"truncation,omitempty"`
}

// Reasoning configures reasoning-capable models.
type Reasoning struct {
	Effort string `json:"effort,omitempty"`
}

// TextOptions configures output text shape.
type TextOptions struct {
	Verbosity string      `json:"verbosity,omitempty"`
	Format    *TextFormat `json:"format,omitempty"`
}

// TextFormat is the structured output specification.
type TextFormat struct {
	// Type is "text", "json_object", or "json_schema".
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

// InputItem is one element of a structured input list: a role message, a
// tool call echo, or a tool call output.
type InputItem struct {
	// Type is empty for role messages, or a tool item type such as
	// "computer_call_output" or "shell_call_output".
	Type string `json:"type,omitempty"`

	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	// CallID pairs a tool output with the call that requested it.
	CallID string `json:"call_id,omitempty"`

	// Output carries the tool result. For computer_call_output this is a
	// screenshot payload; for shell_call_output a command result list.
	Output any `json:"output,omitempty"`

	AcknowledgedSafetyChecks []SafetyCheck `json:"acknowledged_safety_checks,omitempty"`
}

// ContentPart is one part of a message's content.
type ContentPart struct {
	// Type is "input_text", "input_image", or "output_text".
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// ImageURL is an https or data: URL for input_image parts.
	ImageURL string `json:"image_url,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// ScreenshotOutput is the computer_call_output payload.
type ScreenshotOutput struct {
	Type string `json:"type"`

	// ImageURL is an inline data:image/jpeg;base64 payload.
	ImageURL string `json:"image_url"`

	CurrentURL string `json:"current_url,omitempty"`
}

// ShellCommandResult is one executed command's result inside a
// shell_call_output.
type ShellCommandResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`

	Truncated bool `json:"truncated,omitempty"`
}

// SafetyCheck is a provider-attached safety check on a computer action.
type SafetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Response is a Responses API response.
type Response struct {
	ID     string       `json:"id"`
	Model  string       `json:"model"`
	Status string       `json:"status"`
	Output []OutputItem `json:"output"`
	Usage  *UsageInfo   `json:"usage,omitempty"`
	Error  *APIError    `json:"error,omitempty"`

	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
}

// IncompleteDetails explains a truncated response.
type IncompleteDetails struct {
	Reason string `json:"reason,omitempty"`
}

// OutputItem is one element of a response's output list.
type OutputItem struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	// Message items.
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	Status  string        `json:"status,omitempty"`

	// Tool call items.
	CallID string `json:"call_id,omitempty"`

	// Action describes the requested tool invocation: GUI action for
	// computer_call, command list for shell_call.
	Action json.RawMessage `json:"action,omitempty"`

	// Result is the base64 payload of an image_generation_call.
	Result string `json:"result,omitempty"`

	// Outputs carries code_interpreter_call outputs when requested via
	// include.
	Outputs []map[string]any `json:"outputs,omitempty"`

	PendingSafetyChecks []SafetyCheck `json:"pending_safety_checks,omitempty"`
}

// Output item types.
const (
	ItemTypeMessage             = "message"
	ItemTypeReasoning           = "reasoning"
	ItemTypeComputerCall        = "computer_call"
	ItemTypeShellCall           = "shell_call"
	ItemTypeImageGenerationCall = "image_generation_call"
	ItemTypeCodeInterpreterCall = "code_interpreter_call"
	ItemTypeComputerCallOutput  = "computer_call_output"
	ItemTypeShellCallOutput     = "shell_call_output"
)

// ShellAction is the decoded Action of a shell_call item.
type ShellAction struct {
	Commands  []string `json:"commands"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// ComputerAction is the decoded Action of a computer_call item.
type ComputerAction struct {
	Type string `json:"type"`

	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	Button string `json:"button,omitempty"`

	// Path is the waypoint list for drag actions.
	Path []Point `json:"path,omitempty"`

	Text string   `json:"text,omitempty"`
	Keys []string `json:"keys,omitempty"`

	ScrollX int `json:"scroll_x,omitempty"`
	ScrollY int `json:"scroll_y,omitempty"`

	URL string `json:"url,omitempty"`
}

// Point is a screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// UsageInfo is the provider-reported token usage.
type UsageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// APIError is the provider's error envelope body.
type APIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}
