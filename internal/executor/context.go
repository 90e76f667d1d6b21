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

package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/magnet/pkg/record"
)

// FormSubmissionText renders the submission as a labeled field list, one
// `<label>: <value>` line per field in stable order. This is also the step-0
// output recorded on the job.
func FormSubmissionText(submission *record.Submission, form *record.Form) string {
	if submission == nil || len(submission.Data) == 0 {
		return ""
	}

	keys := make([]string, 0, len(submission.Data))
	for k := range submission.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", form.LabelFor(k), renderValue(submission.Data[k]))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []any:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			parts = append(parts, renderValue(item))
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(raw)
	case float64:
		// Whole numbers render without the decimal point.
		if value == float64(int64(value)) {
			return fmt.Sprintf("%d", int64(value))
		}
		return fmt.Sprintf("%g", value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// PreviousContext concatenates the form submission and each dependency's
// output into fenced blocks for the current step's instructions.
func PreviousContext(job *record.Job, deps []int, formText string) string {
	var b strings.Builder
	if formText != "" {
		b.WriteString("=== Form Submission ===\n")
		b.WriteString(formText)
		b.WriteString("\n")
	}

	depSet := make(map[int]bool, len(deps))
	for _, d := range deps {
		depSet[d] = true
	}

	for _, es := range job.ExecutionSteps {
		if es.StepType != record.StepTypeAIGeneration && es.StepType != record.StepTypeWebhook {
			continue
		}
		if !depSet[es.StepOrder-1] || !es.Success {
			continue
		}
		fmt.Fprintf(&b, "\n=== Step %d: %s ===\n", es.StepOrder, es.StepName)
		b.WriteString(es.Output)
		b.WriteString("\n")
		if len(es.ImageURLs) > 0 {
			b.WriteString("\nGenerated Images:\n")
			for _, url := range es.ImageURLs {
				if strings.TrimSpace(url) == "" {
					continue
				}
				b.WriteString("- " + url + "\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// CollectImageURLs gathers non-empty image URLs from every execution step
// strictly earlier than the current step index.
func CollectImageURLs(job *record.Job, currentIndex int) []string {
	var urls []string
	for _, es := range job.ExecutionSteps {
		if es.StepOrder-1 >= currentIndex {
			continue
		}
		for _, url := range es.ImageURLs {
			if strings.TrimSpace(url) != "" {
				urls = append(urls, url)
			}
		}
	}
	return urls
}
