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
	"encoding/json"
	"regexp"
	"strings"
)

// GeneratedImage is one base64 image produced by an image_generation_call.
type GeneratedImage struct {
	B64      string
	MimeType string
}

// Result is the uniform extraction of one provider response.
type Result struct {
	// Text is the concatenated output text of all message items.
	Text string

	// ImageURLs are http(s) image URLs referenced in the output text.
	ImageURLs []string

	// Images are inline base64 images from image generation calls.
	Images []GeneratedImage

	InputTokens  int
	OutputTokens int

	// RawRequest and RawResponse are full serializations for auditing.
	RawRequest  json.RawMessage
	RawResponse json.RawMessage
}

var outputImageURLPattern = regexp.MustCompile(`https?://[^\s)"'<>\]]+\.(?:png|jpe?g|gif|webp)(?:\?[^\s)"'<>\]]*)?`)

// ProcessResponse extracts text, images, and usage from a response, together
// with serialized request and response for the execution step audit trail.
func ProcessResponse(params *Params, resp *Response) *Result {
	result := &Result{}

	var text strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case ItemTypeMessage:
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(part.Text)
				}
			}
		case ItemTypeImageGenerationCall:
			if item.Result != "" {
				result.Images = append(result.Images, GeneratedImage{
					B64:      item.Result,
					MimeType: "image/png",
				})
			}
		}
	}
	result.Text = text.String()
	result.ImageURLs = outputImageURLPattern.FindAllString(result.Text, -1)

	if resp.Usage != nil {
		result.InputTokens = resp.Usage.InputTokens
		result.OutputTokens = resp.Usage.OutputTokens
	}

	if params != nil {
		if raw, err := json.Marshal(params); err == nil {
			result.RawRequest = raw
		}
	}
	if raw, err := json.Marshal(resp); err == nil {
		result.RawResponse = raw
	}

	return result
}

// ShellCalls returns the decoded shell_call items of a response, in order.
func ShellCalls(resp *Response) []ShellCallItem {
	var calls []ShellCallItem
	for _, item := range resp.Output {
		if item.Type != ItemTypeShellCall {
			continue
		}
		var action ShellAction
		if len(item.Action) > 0 {
			if err := json.Unmarshal(item.Action, &action); err != nil {
				continue
			}
		}
		calls = append(calls, ShellCallItem{CallID: callID(item), Action: action})
	}
	return calls
}

// ShellCallItem pairs a shell_call id with its decoded action.
type ShellCallItem struct {
	CallID string
	Action ShellAction
}

// ComputerCalls returns the decoded computer_call items of a response.
func ComputerCalls(resp *Response) []ComputerCallItem {
	var calls []ComputerCallItem
	for _, item := range resp.Output {
		if item.Type != ItemTypeComputerCall {
			continue
		}
		var action ComputerAction
		if len(item.Action) > 0 {
			if err := json.Unmarshal(item.Action, &action); err != nil {
				continue
			}
		}
		calls = append(calls, ComputerCallItem{
			CallID:              callID(item),
			Action:              action,
			PendingSafetyChecks: item.PendingSafetyChecks,
		})
	}
	return calls
}

// ComputerCallItem pairs a computer_call id with its decoded action and any
// safety checks the provider attached.
type ComputerCallItem struct {
	CallID              string
	Action              ComputerAction
	PendingSafetyChecks []SafetyCheck
}

func callID(item OutputItem) string {
	if item.CallID != "" {
		return item.CallID
	}
	return item.ID
}

// StripFences removes a surrounding markdown code fence from model output.
// Models asked for raw HTML or JSON still fence it often enough that callers
// pass output through here before treating it as a document.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence line, language tag included.
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
