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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/magnet/pkg/record"
)

const webhookTimeout = 30 * time.Second

// runWebhookStep POSTs the step payload to the configured URL. A non-2xx
// status is a step failure; the controller never fails the job over it.
func (e *Executor) runWebhookStep(ctx context.Context, job *record.Job, step *record.Step, in StepInput, logger *slog.Logger) (*StepResult, error) {
	if step.WebhookURL == "" {
		return nil, fmt.Errorf("webhook step %d has no webhook_url", step.StepOrder)
	}

	payload := e.webhookPayload(job, step, in)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, step.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range step.WebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.webhookClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook POST %s: %w", step.WebhookURL, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	logger.Info("webhook step delivered", "url", step.WebhookURL, "status", resp.StatusCode)
	return &StepResult{
		Output: fmt.Sprintf("Webhook delivered to %s (status %d)", step.WebhookURL, resp.StatusCode),
	}, nil
}

// webhookPayload renders the step's payload template, or a default payload
// carrying the job identity, submission data, and prior step outputs.
func (e *Executor) webhookPayload(job *record.Job, step *record.Step, in StepInput) any {
	subs := e.substitutions(job, in)

	if step.WebhookPayloadTemplate != nil {
		return renderTemplate(step.WebhookPayloadTemplate, subs)
	}

	stepOutputs := make(map[string]string)
	for _, es := range job.ExecutionSteps {
		if es.StepType == record.StepTypeAIGeneration && es.Success {
			stepOutputs[fmt.Sprintf("step_%d", es.StepOrder)] = es.Output
		}
	}

	payload := map[string]any{
		"job_id":      job.ID,
		"tenant_id":   job.TenantID,
		"workflow_id": job.WorkflowID,
		"step_order":  step.StepOrder,
		"step_name":   step.StepName,
	}
	if in.Submission != nil {
		payload["submission_data"] = in.Submission.Data
	}
	if len(stepOutputs) > 0 {
		payload["step_outputs"] = stepOutputs
	}
	return payload
}

// substitutions builds the placeholder map template strings draw from.
func (e *Executor) substitutions(job *record.Job, in StepInput) map[string]string {
	subs := map[string]string{
		"{job_id}":      job.ID,
		"{tenant_id}":   job.TenantID,
		"{workflow_id}": job.WorkflowID,
		"{output_url}":  job.OutputURL,
	}
	if in.Submission != nil {
		for k, v := range in.Submission.Data {
			subs["{submission_"+k+"}"] = renderValue(v)
		}
	}
	for _, es := range job.ExecutionSteps {
		if es.StepType == record.StepTypeAIGeneration && es.Success {
			subs[fmt.Sprintf("{step_%d_output}", es.StepOrder)] = es.Output
		}
	}
	return subs
}

// renderTemplate substitutes placeholders through nested maps, lists, and
// strings, leaving other values untouched.
func renderTemplate(tmpl any, subs map[string]string) any {
	switch value := tmpl.(type) {
	case string:
		for placeholder, replacement := range subs {
			value = strings.ReplaceAll(value, placeholder, replacement)
		}
		return value
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, v := range value {
			out[k] = renderTemplate(v, subs)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, v := range value {
			out[i] = renderTemplate(v, subs)
		}
		return out
	default:
		return value
	}
}

func (e *Executor) webhookClient() *http.Client {
	if e.WebhookClient != nil {
		return e.WebhookClient
	}
	return &http.Client{Timeout: webhookTimeout}
}
