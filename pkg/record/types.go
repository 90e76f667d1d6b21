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

// Package record defines the typed records the worker reads and writes
// (jobs, submissions, workflows, templates, artifacts, and usage) together
// with the Store interface over the key-value record store.
package record

import (
	"encoding/json"
	"strconv"
	"time"
)

// JobStatus is the lifecycle status of a job. Status advances monotonically
// pending → processing → (completed | failed); once terminal, only
// informational fields mutate.
type JobStatus string

const (
	// JobStatusPending indicates the job was created but not picked up.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates the controller owns the job.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job produced its final artifact.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job terminated with an error.
	JobStatusFailed JobStatus = "failed"
)

// StepType identifies the kind of an execution step entry.
type StepType string

const (
	// StepTypeFormSubmission is the step-0 snapshot of the submitted form.
	StepTypeFormSubmission StepType = "form_submission"
	// StepTypeAIGeneration is a model-driven workflow step.
	StepTypeAIGeneration StepType = "ai_generation"
	// StepTypeWebhook is an outbound webhook workflow step.
	StepTypeWebhook StepType = "webhook"
	// StepTypeHTMLGeneration is the template HTML assembly step.
	StepTypeHTMLGeneration StepType = "html_generation"
	// StepTypeFinalOutput records the final deliverable.
	StepTypeFinalOutput StepType = "final_output"
)

// Job is the unit of work: one submission driven through one workflow.
// The controller exclusively owns the job record for the job's lifetime.
type Job struct {
	ID           string    `json:"job_id"`
	TenantID     string    `json:"tenant_id"`
	WorkflowID   string    `json:"workflow_id"`
	SubmissionID string    `json:"submission_id"`
	Status       JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExecutionSteps is the append/replace log of completed steps, the
	// single source of truth for job progress.
	ExecutionSteps []ExecutionStep `json:"execution_steps,omitempty"`

	// ArtifactIDs references every artifact minted for this job.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`

	// OutputURL is the public URL of the final deliverable.
	OutputURL string `json:"output_url,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// LiveStep is the transient streamed preview of the running step.
	// Last-writer-wins; never a source of truth for completion.
	LiveStep *LiveStep `json:"live_step,omitempty"`
}

// ExecutionStep records that one step ran: its inputs, outputs, usage, and
// error if any. For a given (step_order, step_type) a job holds at most one
// entry; reruns replace in place.
type ExecutionStep struct {
	StepOrder  int       `json:"step_order"`
	StepType   StepType  `json:"step_type"`
	StepName   string    `json:"step_name"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	ImageURLs  []string  `json:"image_urls,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Success    bool      `json:"success"`
}

// Usage captures token consumption and cost for one or more provider calls.
type Usage struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another usage sample into this one. The model of the
// first non-empty sample wins.
func (u *Usage) Add(other Usage) {
	if u.Model == "" {
		u.Model = other.Model
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// LiveStepStatus is the streaming preview status.
type LiveStepStatus string

const (
	// LiveStepStreaming indicates deltas are arriving.
	LiveStepStreaming LiveStepStatus = "streaming"
	// LiveStepRetrying indicates a transient failure is being retried.
	LiveStepRetrying LiveStepStatus = "retrying"
	// LiveStepFinal indicates the step finished and the preview is stale.
	LiveStepFinal LiveStepStatus = "final"
	// LiveStepError indicates streaming ended with an error.
	LiveStepError LiveStepStatus = "error"
)

// LiveStep is the transient streamed preview of the currently running step.
// Overwritten repeatedly, capped, and cleared on completion.
type LiveStep struct {
	StepOrder int            `json:"step_order"`
	Output    string         `json:"output"`
	Status    LiveStepStatus `json:"status"`
	Truncated bool           `json:"truncated,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Submission is the captured form data a job operates on. Read-only.
type Submission struct {
	ID     string         `json:"submission_id"`
	FormID string         `json:"form_id"`
	Data   map[string]any `json:"data"`
}

// FormField maps a stable field id to its human label.
type FormField struct {
	ID    string `json:"field_id"`
	Label string `json:"label"`
}

// Form describes the fields of a submission. Read-only.
type Form struct {
	ID     string      `json:"form_id"`
	Fields []FormField `json:"fields"`
}

// LabelFor returns the human label for a field id, or the id itself when the
// form does not define the field.
func (f *Form) LabelFor(fieldID string) string {
	if f == nil {
		return fieldID
	}
	for _, field := range f.Fields {
		if field.ID == fieldID {
			return field.Label
		}
	}
	return fieldID
}

// ToolChoice controls whether the model must use tools.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceRequired forces a tool call. Never sent without tools.
	ToolChoiceRequired ToolChoice = "required"
	// ToolChoiceNone disables tool use.
	ToolChoiceNone ToolChoice = "none"
)

// OutputFormat is the structured-output specification of a step.
type OutputFormat struct {
	// Type is "text", "json_object", or "json_schema".
	Type string `json:"type"`

	// Schema carries the JSON schema when Type is "json_schema".
	Schema map[string]any `json:"schema,omitempty"`

	// Name is the schema name when Type is "json_schema".
	Name string `json:"name,omitempty"`
}

// Step is one workflow step definition. Immutable during a job.
type Step struct {
	StepOrder    int        `json:"step_order"`
	StepName     string     `json:"step_name"`
	StepType     StepType   `json:"step_type"`
	Model        string     `json:"model"`
	Instructions string     `json:"instructions"`
	Tools        []any      `json:"tools,omitempty"`
	ToolChoice   ToolChoice `json:"tool_choice,omitempty"`

	// DependsOn is 0-indexed over the workflow's step list. Empty means
	// "all strictly-earlier steps".
	DependsOn []any `json:"depends_on,omitempty"`

	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	ServiceTier     string        `json:"service_tier,omitempty"`
	TextVerbosity   string        `json:"text_verbosity,omitempty"`
	MaxOutputTokens any           `json:"max_output_tokens,omitempty"`
	OutputFormat    *OutputFormat `json:"output_format,omitempty"`

	// Webhook steps only.
	WebhookURL             string            `json:"webhook_url,omitempty"`
	WebhookHeaders         map[string]string `json:"webhook_headers,omitempty"`
	WebhookPayloadTemplate any               `json:"webhook_payload_template,omitempty"`

	// MaxCommandOutput overrides the shell loop per-command output cap.
	MaxCommandOutput int `json:"max_command_output,omitempty"`
}

// Dependencies returns the 0-indexed dependency set for a step at index
// stepIndex, applying the implicit "all strictly-earlier steps" default and
// normalizing numerically boxed values from the record store.
func (s *Step) Dependencies(stepIndex int) []int {
	if len(s.DependsOn) == 0 {
		deps := make([]int, 0, stepIndex)
		for i := 0; i < stepIndex; i++ {
			deps = append(deps, i)
		}
		return deps
	}

	deps := make([]int, 0, len(s.DependsOn))
	for _, raw := range s.DependsOn {
		if idx, ok := ToInt(raw); ok && idx >= 0 && idx < stepIndex {
			deps = append(deps, idx)
		}
	}
	return deps
}

// DeliveryMethod selects how the final deliverable is dispatched.
type DeliveryMethod string

const (
	// DeliveryNone disables delivery.
	DeliveryNone DeliveryMethod = ""
	// DeliveryWebhook POSTs the result payload to a configured URL.
	DeliveryWebhook DeliveryMethod = "webhook"
	// DeliverySMS sends a short message to the submitter.
	DeliverySMS DeliveryMethod = "sms"
)

// DeliveryConfig is the workflow-level delivery configuration.
type DeliveryConfig struct {
	Method          DeliveryMethod    `json:"method,omitempty"`
	WebhookURL      string            `json:"webhook_url,omitempty"`
	WebhookHeaders  map[string]string `json:"webhook_headers,omitempty"`
	SMSMessage      string            `json:"sms_message,omitempty"`
	SMSInstructions string            `json:"sms_instructions,omitempty"`
}

// FailurePolicy controls whether a failed AI step fails the whole job.
type FailurePolicy string

const (
	// FailureContinue runs downstream steps whose dependencies all succeeded.
	FailureContinue FailurePolicy = "continue"
	// FailureFailFast terminates the job on the first failed step.
	FailureFailFast FailurePolicy = "fail_fast"
)

// Workflow is the ordered multi-step definition a job executes. Read-only.
type Workflow struct {
	ID              string         `json:"workflow_id"`
	TemplateID      string         `json:"template_id,omitempty"`
	TemplateVersion int            `json:"template_version,omitempty"`
	Steps           []Step         `json:"steps"`
	Delivery        DeliveryConfig `json:"delivery,omitempty"`

	// OnStepFailure defaults to FailureContinue when empty.
	OnStepFailure FailurePolicy `json:"on_step_failure,omitempty"`
}

// SortedSteps returns the workflow steps ordered by step_order.
func (w *Workflow) SortedSteps() []Step {
	steps := make([]Step, len(w.Steps))
	copy(steps, w.Steps)
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j-1].StepOrder > steps[j].StepOrder; j-- {
			steps[j-1], steps[j] = steps[j], steps[j-1]
		}
	}
	return steps
}

// Template is the optional HTML shell for the final deliverable. Read-only.
type Template struct {
	ID               string `json:"template_id"`
	Version          int    `json:"version"`
	HTML             string `json:"html"`
	StyleDescription string `json:"style_description,omitempty"`
	IsPublished      bool   `json:"is_published"`
}

// ArtifactType classifies stored artifacts.
type ArtifactType string

const (
	// ArtifactStepOutput is the persisted text output of one step.
	ArtifactStepOutput ArtifactType = "step_output"
	// ArtifactImage is a stored image (generated or screenshot).
	ArtifactImage ArtifactType = "image"
	// ArtifactMarkdownFinal is a markdown final deliverable.
	ArtifactMarkdownFinal ArtifactType = "markdown_final"
	// ArtifactHTMLFinal is an HTML final deliverable.
	ArtifactHTMLFinal ArtifactType = "html_final"
	// ArtifactReportMarkdown is an intermediate markdown report.
	ArtifactReportMarkdown ArtifactType = "report_markdown"
)

// Artifact is a content-addressed stored object produced by the workflow.
// Written once, referenced by id thereafter.
type Artifact struct {
	ID        string       `json:"artifact_id"`
	TenantID  string       `json:"tenant_id"`
	JobID     string       `json:"job_id"`
	Type      ArtifactType `json:"artifact_type"`
	Name      string       `json:"artifact_name"`
	MimeType  string       `json:"mime_type"`
	S3Key     string       `json:"s3_key"`
	PublicURL string       `json:"public_url,omitempty"`
	SizeBytes int64        `json:"file_size_bytes"`
	CreatedAt time.Time    `json:"created_at"`
}

// UsageRecord is an append-only per-call cost record.
type UsageRecord struct {
	ID           string    `json:"usage_id"`
	TenantID     string    `json:"tenant_id"`
	JobID        string    `json:"job_id"`
	ServiceType  string    `json:"service_type"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToInt normalizes a numerically boxed value to a plain int. The record
// store returns numbers as float64, json.Number, or decimal strings
// depending on the driver; indices and counts are normalized at this
// boundary before reaching the core.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// ToFloat normalizes a numerically boxed value to a plain float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
