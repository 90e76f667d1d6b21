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

// Package controller owns the job lifecycle: initialization, step
// scheduling, final assembly, delivery dispatch, and terminal status. One
// controller instance drives one job at a time; concurrency is inter-job.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/magnet/internal/artifacts"
	"github.com/tombee/magnet/internal/delivery"
	"github.com/tombee/magnet/internal/executor"
	magneterrors "github.com/tombee/magnet/pkg/errors"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// previewLimit caps the output echoed back to an external scheduler. Step
// outputs live in the record store; the scheduler payload only needs a
// glimpse.
const previewLimit = 1000

// Controller is the top-level job state machine.
type Controller struct {
	Store     record.Store
	Executor  *executor.Executor
	Artifacts *artifacts.Service
	Delivery  *delivery.Service

	// Client runs the HTML-assembly call when the workflow references a
	// published template.
	Client *llm.Client

	// AssemblyModel overrides the model used for HTML assembly.
	AssemblyModel string

	Logger *slog.Logger
}

// resources bundles the read-only records a job executes against.
type resources struct {
	workflow   *record.Workflow
	submission *record.Submission
	form       *record.Form
	template   *record.Template
}

// Run drives a job end to end: every workflow step in order, final
// assembly, delivery, and the terminal status write. Already-terminal jobs
// are a no-op, which makes redelivered invocations safe.
func (c *Controller) Run(ctx context.Context, jobID string) error {
	logger := c.logger().With("job_id", jobID)

	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Terminal() {
		logger.Info("job already terminal, nothing to do", "status", job.Status)
		return nil
	}

	res, err := c.loadResources(ctx, job)
	if err != nil {
		return c.fail(ctx, jobID, err, "Failed to load job resources")
	}
	if err := c.initialize(ctx, jobID, res); err != nil {
		return c.fail(ctx, jobID, err, "Failed to initialize job")
	}

	steps := res.workflow.SortedSteps()
	failed := make(map[int]bool)
	for i := range steps {
		step := steps[i]
		if dep, blocked := blockedBy(&step, i, failed); blocked {
			logger.Info("skipping step, dependency failed",
				"step_order", step.StepOrder, "failed_dependency", dep+1)
			failed[i] = true
			continue
		}

		_, execErr := c.Executor.Execute(ctx, executor.StepInput{
			JobID:      jobID,
			StepIndex:  i,
			Workflow:   res.workflow,
			Submission: res.submission,
			Form:       res.form,
		})
		recordStepMetric(string(step.StepType), execErr == nil)
		if execErr == nil {
			continue
		}

		failed[i] = true
		if step.StepType == record.StepTypeWebhook {
			// Webhook steps are fire-and-forget from the job's point of
			// view; the failed execution step is the record of it.
			logger.Warn("webhook step failed", "step_order", step.StepOrder, "error", execErr)
			continue
		}
		if res.workflow.OnStepFailure == record.FailureFailFast {
			return c.fail(ctx, jobID, execErr,
				fmt.Sprintf("Failed to process step %d", step.StepOrder))
		}
		logger.Warn("step failed, continuing with independent steps",
			"step_order", step.StepOrder, "error", execErr)
	}

	if _, err := c.finalize(ctx, jobID, res); err != nil {
		return c.fail(ctx, jobID, err, "Failed to generate final output")
	}
	c.deliver(ctx, jobID, res)
	return c.complete(ctx, jobID)
}

// StepRequest identifies one unit of single-mode work. An external
// scheduler calls form_submission once, then each workflow step, then
// final_output.
type StepRequest struct {
	JobID     string          `json:"job_id"`
	StepIndex int             `json:"step_index"`
	StepType  record.StepType `json:"step_type"`
}

// StepOutcome is the compact single-mode result. Large request and response
// bodies stay in the record store.
type StepOutcome struct {
	JobID         string           `json:"job_id"`
	StepIndex     int              `json:"step_index"`
	StepType      record.StepType  `json:"step_type"`
	Status        record.JobStatus `json:"status"`
	Success       bool             `json:"success"`
	OutputPreview string           `json:"output_preview,omitempty"`
	ArtifactID    string           `json:"artifact_id,omitempty"`
	OutputURL     string           `json:"output_url,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// RunStep executes one scheduling unit of a job. Each invocation reloads
// state from the store, so invocations are idempotent and reentrant.
func (c *Controller) RunStep(ctx context.Context, req StepRequest) (*StepOutcome, error) {
	job, err := c.Store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", req.JobID, err)
	}
	res, err := c.loadResources(ctx, job)
	if err != nil {
		failErr := c.fail(ctx, req.JobID, err, "Failed to load job resources")
		return c.outcome(ctx, req, "", "", failErr), nil
	}

	switch req.StepType {
	case record.StepTypeFormSubmission:
		if err := c.initialize(ctx, req.JobID, res); err != nil {
			return c.outcome(ctx, req, "", "", c.fail(ctx, req.JobID, err, "Failed to initialize job")), nil
		}
		return c.outcome(ctx, req, executor.FormSubmissionText(res.submission, res.form), "", nil), nil

	case record.StepTypeAIGeneration, record.StepTypeWebhook:
		if job.Status == record.JobStatusPending {
			if err := c.initialize(ctx, req.JobID, res); err != nil {
				return c.outcome(ctx, req, "", "", c.fail(ctx, req.JobID, err, "Failed to initialize job")), nil
			}
		}
		result, execErr := c.Executor.Execute(ctx, executor.StepInput{
			JobID:      req.JobID,
			StepIndex:  req.StepIndex,
			Workflow:   res.workflow,
			Submission: res.submission,
			Form:       res.form,
		})
		recordStepMetric(string(req.StepType), execErr == nil)
		if execErr != nil && req.StepType != record.StepTypeWebhook &&
			res.workflow.OnStepFailure == record.FailureFailFast {
			execErr = c.fail(ctx, req.JobID, execErr,
				fmt.Sprintf("Failed to process step %d", req.StepIndex+1))
		}
		var output, artifactID string
		if result != nil {
			output = result.Output
			artifactID = result.ArtifactID
		}
		return c.outcome(ctx, req, output, artifactID, execErr), nil

	case record.StepTypeFinalOutput:
		final, finErr := c.finalize(ctx, req.JobID, res)
		if finErr != nil {
			return c.outcome(ctx, req, "", "", c.fail(ctx, req.JobID, finErr, "Failed to generate final output")), nil
		}
		c.deliver(ctx, req.JobID, res)
		if err := c.complete(ctx, req.JobID); err != nil {
			return c.outcome(ctx, req, "", "", err), nil
		}
		return c.outcome(ctx, req, final.text, final.artifactID, nil), nil

	default:
		return nil, &magneterrors.ValidationError{
			Field:   "step_type",
			Message: fmt.Sprintf("unknown step type %q", req.StepType),
		}
	}
}

func (c *Controller) outcome(ctx context.Context, req StepRequest, output, artifactID string, err error) *StepOutcome {
	out := &StepOutcome{
		JobID:         req.JobID,
		StepIndex:     req.StepIndex,
		StepType:      req.StepType,
		Success:       err == nil,
		OutputPreview: truncatePreview(output),
		ArtifactID:    artifactID,
	}
	if err != nil {
		out.Error = err.Error()
	}
	if job, loadErr := c.Store.GetJob(ctx, req.JobID); loadErr == nil {
		out.Status = job.Status
		out.OutputURL = job.OutputURL
	}
	return out
}

// loadResources resolves the workflow, submission, form, and template a job
// references. A missing reference is a validation failure.
func (c *Controller) loadResources(ctx context.Context, job *record.Job) (*resources, error) {
	workflow, err := c.Store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", job.WorkflowID, err)
	}
	submission, err := c.Store.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", job.SubmissionID, err)
	}

	res := &resources{workflow: workflow, submission: submission}
	if submission.FormID != "" {
		form, err := c.Store.GetForm(ctx, submission.FormID)
		if err != nil {
			c.logger().Warn("form not found, labels fall back to field ids",
				"form_id", submission.FormID)
		} else {
			res.form = form
		}
	}
	if workflow.TemplateID != "" {
		template, err := c.Store.GetTemplate(ctx, workflow.TemplateID, workflow.TemplateVersion)
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", workflow.TemplateID, err)
		}
		res.template = template
	}
	return res, nil
}

// initialize marks the job processing and records the step-0 form snapshot.
// Upsert semantics make a repeated initialization harmless.
func (c *Controller) initialize(ctx context.Context, jobID string, res *resources) error {
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job for init: %w", err)
	}

	now := time.Now().UTC()
	if job.Status == record.JobStatusPending {
		job.Status = record.JobStatusProcessing
		job.StartedAt = &now
	}
	job.UpsertExecutionStep(record.ExecutionStep{
		StepOrder: 0,
		StepType:  record.StepTypeFormSubmission,
		StepName:  "Form Submission",
		Input:     executor.FormSubmissionText(res.submission, res.form),
		Timestamp: now,
		Success:   true,
	})
	if err := c.Store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("write job init: %w", err)
	}
	return nil
}

// deliver dispatches the finished deliverable. Failures are logged and
// counted; a completed job never flips to failed over delivery.
func (c *Controller) deliver(ctx context.Context, jobID string, res *resources) {
	if c.Delivery == nil || res.workflow.Delivery.Method == record.DeliveryNone {
		return
	}
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		c.logger().Error("failed to reload job for delivery", "job_id", jobID, "error", err)
		return
	}
	err = c.Delivery.Deliver(ctx, job, res.workflow, res.submission, res.form)
	recordDeliveryMetric(string(res.workflow.Delivery.Method), err)
	if err != nil {
		c.logger().Error("delivery failed", "job_id", jobID,
			"method", res.workflow.Delivery.Method, "error", err)
	}
}

// complete writes the terminal completed status.
func (c *Controller) complete(ctx context.Context, jobID string) error {
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job for completion: %w", err)
	}
	now := time.Now().UTC()
	job.Status = record.JobStatusCompleted
	job.CompletedAt = &now
	if err := c.Store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("write completed status: %w", err)
	}

	jobsProcessed.WithLabelValues(string(record.JobStatusCompleted)).Inc()
	if job.StartedAt != nil {
		jobDuration.Observe(now.Sub(*job.StartedAt).Seconds())
	}
	c.logger().Info("job completed", "job_id", jobID, "output_url", job.OutputURL)
	return nil
}

// fail writes the terminal failed status with the classified error attached
// and returns the original error for the caller.
func (c *Controller) fail(ctx context.Context, jobID string, cause error, action string) error {
	kind := magneterrors.Classify(cause)
	message := fmt.Sprintf("%s: %v", action, cause)

	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		c.logger().Error("failed to reload job for failure write", "job_id", jobID, "error", err)
		return cause
	}
	now := time.Now().UTC()
	job.Status = record.JobStatusFailed
	job.CompletedAt = &now
	job.ErrorType = string(kind)
	job.ErrorMessage = message
	if err := c.Store.PutJob(ctx, job); err != nil {
		c.logger().Error("failed to write failed status", "job_id", jobID, "error", err)
	}

	jobsProcessed.WithLabelValues(string(record.JobStatusFailed)).Inc()
	jobErrors.WithLabelValues(string(kind)).Inc()
	if job.StartedAt != nil {
		jobDuration.Observe(now.Sub(*job.StartedAt).Seconds())
	}
	c.logger().Error("job failed", "job_id", jobID, "error_type", kind, "error", cause)
	return cause
}

// blockedBy reports whether a step's dependency set includes a failed step.
func blockedBy(step *record.Step, stepIndex int, failed map[int]bool) (int, bool) {
	for _, dep := range step.Dependencies(stepIndex) {
		if failed[dep] {
			return dep, true
		}
	}
	return 0, false
}

func truncatePreview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit]
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
