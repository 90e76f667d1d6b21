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

// Package executor runs exactly one workflow step: dependency gating,
// context assembly, strategy dispatch, and artifact plus usage persistence.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tombee/magnet/internal/artifacts"
	"github.com/tombee/magnet/internal/browser"
	"github.com/tombee/magnet/internal/images"
	"github.com/tombee/magnet/internal/shell"
	"github.com/tombee/magnet/internal/strategy"
	"github.com/tombee/magnet/internal/tools"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
	"github.com/tombee/magnet/pkg/secrets"
)

// Executor drives one step of one job per call. Safe for sequential reuse;
// each invocation reloads job state before writing.
type Executor struct {
	Store      record.Store
	Dispatcher *strategy.Dispatcher
	Artifacts  *artifacts.Service
	Images     *images.Pipeline
	Secrets    secrets.Provider

	// ShellConfigured gates the shell tool during validation.
	ShellConfigured bool

	// ShellUploads configures the delegated S3 upload convention for shell
	// steps. A zero value falls back to the environment.
	ShellUploads shell.HintConfig

	// CodeInterpreterMemoryGB caps the interpreter container.
	CodeInterpreterMemoryGB int

	// WebhookClient overrides the webhook HTTP client, mainly for tests.
	WebhookClient *http.Client

	Logger *slog.Logger
}

// StepInput identifies the step to run. The workflow, submission, and form
// are read-only; the job is reloaded from the store inside Execute.
type StepInput struct {
	JobID      string
	StepIndex  int
	Workflow   *record.Workflow
	Submission *record.Submission
	Form       *record.Form

	// Retry preserves shell sandbox state from a previous attempt.
	Retry bool
}

// StepResult is the compact outcome of one step execution.
type StepResult struct {
	Output           string
	ArtifactID       string
	ImageURLs        []string
	ImageArtifactIDs []string
	Usage            record.Usage
	DurationMS       int64
	Success          bool
}

// Execute runs the step at StepIndex. AI step failures are recorded as
// failed execution steps and returned as errors; the controller decides
// whether downstream steps can still run.
func (e *Executor) Execute(ctx context.Context, in StepInput) (*StepResult, error) {
	logger := e.logger().With("job_id", in.JobID, "step_index", in.StepIndex)

	steps := in.Workflow.SortedSteps()
	if in.StepIndex < 0 || in.StepIndex >= len(steps) {
		return nil, fmt.Errorf("step index %d out of range (workflow has %d steps)", in.StepIndex, len(steps))
	}
	step := steps[in.StepIndex]

	// Reload before anything else: concurrent invocations each drive a
	// different step and would otherwise overwrite each other's appends.
	job, err := e.Store.GetJob(ctx, in.JobID)
	if err != nil {
		return nil, fmt.Errorf("reload job %s: %w", in.JobID, err)
	}

	if err := e.checkReadiness(job, &step, in.StepIndex); err != nil {
		return nil, err
	}

	started := time.Now()
	result, execErr := e.runStep(ctx, job, &step, in, logger)
	durationMS := time.Since(started).Milliseconds()
	if result == nil {
		result = &StepResult{}
	}
	result.DurationMS = durationMS

	es := record.ExecutionStep{
		StepOrder:  step.StepOrder,
		StepType:   step.StepType,
		StepName:   step.StepName,
		Output:     result.Output,
		ImageURLs:  result.ImageURLs,
		Timestamp:  time.Now().UTC(),
		DurationMS: durationMS,
		ArtifactID: result.ArtifactID,
		Success:    execErr == nil,
	}
	if result.Usage.InputTokens > 0 || result.Usage.OutputTokens > 0 {
		usage := result.Usage
		es.Usage = &usage
	}
	if execErr != nil {
		es.Error = execErr.Error()
		logger.Error("step failed", "step_name", step.StepName, "error", execErr)
	}

	if err := e.recordStep(ctx, in.JobID, es, result.ArtifactID, result.ImageArtifactIDs); err != nil {
		logger.Error("failed to record execution step", "error", err)
		if execErr == nil {
			return result, err
		}
	}

	result.Success = execErr == nil
	return result, execErr
}

// checkReadiness fails fast when a dependency has not completed. No polling:
// scheduling is the controller's job.
func (e *Executor) checkReadiness(job *record.Job, step *record.Step, stepIndex int) error {
	completed := job.CompletedStepIndexes()
	for _, dep := range step.Dependencies(stepIndex) {
		if !completed[dep] {
			return fmt.Errorf("step %d (%s) is not ready: dependency step %d has not completed",
				step.StepOrder, step.StepName, dep+1)
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, job *record.Job, step *record.Step, in StepInput, logger *slog.Logger) (*StepResult, error) {
	if step.StepType == record.StepTypeWebhook {
		return e.runWebhookStep(ctx, job, step, in, logger)
	}
	return e.runAIStep(ctx, job, step, in, logger)
}

func (e *Executor) runAIStep(ctx context.Context, job *record.Job, step *record.Step, in StepInput, logger *slog.Logger) (*StepResult, error) {
	normalized := tools.Normalize(step.Tools, logger)
	validator := &tools.Validator{
		ShellConfigured:         e.ShellConfigured,
		CodeInterpreterMemoryGB: e.CodeInterpreterMemoryGB,
		Logger:                  logger,
	}
	kept, choice := validator.ValidateAndFilter(normalized, step.ToolChoice, step.Model)

	formText := FormSubmissionText(in.Submission, in.Form)
	deps := step.Dependencies(in.StepIndex)
	instructions := step.Instructions
	if prev := PreviousContext(job, deps, formText); prev != "" {
		instructions = instructions + "\n\nPrevious context:\n" + prev
	}
	if tools.Has(kept, tools.TypeShell) {
		if block := e.shellUploadContext(ctx, job, step, logger); block != "" {
			instructions = instructions + "\n\n" + block
		}
	}

	// The raw user text is the labeled form on the first step only; later
	// steps already carry it in the previous context.
	inputText := ""
	if in.StepIndex == 0 {
		inputText = formText
	}

	var imageURLs []string
	if tools.Has(kept, tools.TypeImageGeneration) {
		imageURLs = CollectImageURLs(job, in.StepIndex)
		if e.Images != nil {
			imageURLs = e.Images.Prepare(ctx, imageURLs)
		}
	}

	live := strategy.NewLivePublisher(e.Store, job.ID, step.StepOrder, logger)

	res, err := e.Dispatcher.Execute(ctx, strategy.Request{
		TenantID:          job.TenantID,
		JobID:             job.ID,
		StepIndex:         in.StepIndex,
		Step:              *step,
		Tools:             kept,
		ToolChoice:        choice,
		Instructions:      instructions,
		InputText:         inputText,
		PreviousImageURLs: imageURLs,
		Live:              live,
		ShellEnv:          e.toolSecretEnv(ctx),
		Retry:             in.Retry,
		Screenshots:       e.screenshotSink(job),
	})
	if err != nil {
		return nil, err
	}
	defer live.Clear(ctx)

	out := &StepResult{
		Output:    res.Text,
		ImageURLs: res.ImageURLs,
		Usage:     res.Usage,
	}

	// Step output carrying embedded base64 assets is rewritten to reference
	// uploaded URLs before anything persists the document.
	if e.Images != nil {
		if rewritten, rescued, changed := e.Images.RescueBase64Assets(ctx, out.Output, job.TenantID, job.ID); changed {
			out.Output = rewritten
			out.ImageURLs = append(out.ImageURLs, rescued...)
			logger.Info("rescued base64 assets from step output", "count", len(rescued))
		}
	}

	// Generated images go through the pipeline and become image artifacts.
	for i, img := range res.Images {
		uploaded, upErr := e.Images.UploadBase64(ctx, img.B64, img.MimeType, job.TenantID, job.ID)
		if upErr != nil {
			logger.Warn("failed to store generated image", "index", i, "error", upErr)
			continue
		}
		artifact, regErr := e.Artifacts.RegisterExisting(ctx, job.TenantID, job.ID, record.ArtifactImage,
			fmt.Sprintf("step_%d_image_%d", step.StepOrder, i+1),
			uploaded.Key, uploaded.PublicURL, uploaded.MimeType, uploaded.SizeBytes)
		if regErr != nil {
			logger.Warn("failed to register image artifact", "index", i, "error", regErr)
			continue
		}
		out.ImageURLs = append(out.ImageURLs, uploaded.PublicURL)
		out.ImageArtifactIDs = append(out.ImageArtifactIDs, artifact.ID)
	}

	if strings.TrimSpace(out.Output) != "" {
		artifact, artErr := e.Artifacts.Write(ctx, artifacts.WriteRequest{
			TenantID: job.TenantID,
			JobID:    job.ID,
			Type:     record.ArtifactStepOutput,
			Name:     stepArtifactName(step),
			MimeType: "text/markdown",
			Data:     []byte(out.Output),
		})
		if artErr != nil {
			return out, fmt.Errorf("persist step output: %w", artErr)
		}
		out.ArtifactID = artifact.ID
	}

	e.recordUsage(ctx, job, step, res, logger)
	return out, nil
}

// recordUsage persists one accounting row per provider call. Multi-turn
// loops report several entries; a plain generation step reports one.
func (e *Executor) recordUsage(ctx context.Context, job *record.Job, step *record.Step, res *strategy.Result, logger *slog.Logger) {
	perCall := res.UsageByCall
	if len(perCall) == 0 {
		perCall = []record.Usage{res.Usage}
	}
	for _, u := range perCall {
		if u.InputTokens == 0 && u.OutputTokens == 0 {
			continue
		}
		rec := &record.UsageRecord{
			ID:           ulid.Make().String(),
			TenantID:     job.TenantID,
			JobID:        job.ID,
			ServiceType:  "llm",
			Model:        u.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CostUSD:      u.CostUSD,
			CreatedAt:    time.Now().UTC(),
		}
		if err := e.Store.PutUsageRecord(ctx, rec); err != nil {
			logger.Warn("failed to persist usage record", "step_order", step.StepOrder, "error", err)
		}
	}
}

// recordStep reloads the job and upserts the execution step, preserving
// concurrent appends from other invocations.
func (e *Executor) recordStep(ctx context.Context, jobID string, es record.ExecutionStep, artifactID string, imageArtifactIDs []string) error {
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job for step write: %w", err)
	}
	job.UpsertExecutionStep(es)
	if artifactID != "" {
		job.AddArtifactID(artifactID)
	}
	for _, id := range imageArtifactIDs {
		job.AddArtifactID(id)
	}
	if err := e.Store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("write job step: %w", err)
	}
	return nil
}

// shellUploadContext builds the delegated S3 upload block for a shell step
// whose instructions name a destination bucket. Empty when the instructions
// ask for no upload, no prior step produced an artifact, or the destination
// fails validation.
func (e *Executor) shellUploadContext(ctx context.Context, job *record.Job, step *record.Step, logger *slog.Logger) string {
	if e.Artifacts == nil || e.Artifacts.Blob == nil {
		return ""
	}
	bucket, key := shell.DetectUploadTarget(step.Instructions)
	if bucket == "" {
		return ""
	}

	source := e.priorStepArtifact(ctx, job, step.StepOrder)
	if source == nil {
		return ""
	}

	cfg := e.ShellUploads
	if len(cfg.AllowedBuckets) == 0 {
		cfg = shell.HintConfigFromEnv()
	}
	if cfg.PutExpiry <= 0 {
		cfg.PutExpiry = 15 * time.Minute
	}

	hint, err := shell.BuildUploadHint(ctx, e.Artifacts.Blob, cfg, bucket, key, source.PublicURL, source.Name)
	if err != nil {
		logger.Warn("skipping shell upload hint", "bucket", bucket, "error", err)
		return ""
	}
	return hint.ContextBlock()
}

// priorStepArtifact resolves the most recent artifact written by an earlier
// successful step, the natural upload source.
func (e *Executor) priorStepArtifact(ctx context.Context, job *record.Job, stepOrder int) *record.Artifact {
	artifactID := ""
	for _, es := range job.ExecutionSteps {
		if es.StepOrder >= stepOrder || !es.Success || es.ArtifactID == "" {
			continue
		}
		artifactID = es.ArtifactID
	}
	if artifactID == "" {
		return nil
	}
	arts, err := e.Store.ListArtifactsByJob(ctx, job.ID)
	if err != nil {
		return nil
	}
	for _, a := range arts {
		if a.ID == artifactID {
			return a
		}
	}
	return nil
}

// toolSecretEnv resolves tool-visible secrets into sandbox environment
// variables.
func (e *Executor) toolSecretEnv(ctx context.Context) map[string]string {
	if e.Secrets == nil {
		return nil
	}
	names := secrets.ToolSecretNames()
	if len(names) == 0 {
		return nil
	}
	env := make(map[string]string, len(names))
	for _, name := range names {
		value, err := e.Secrets.Get(ctx, name)
		if err != nil || value == "" {
			continue
		}
		env[strings.ToUpper(name)] = value
	}
	return env
}

// screenshotSink persists annotated computer-use screenshots as image
// artifacts on the job.
func (e *Executor) screenshotSink(job *record.Job) browser.ScreenshotSink {
	if e.Artifacts == nil {
		return nil
	}
	return func(ctx context.Context, annotated []byte, iteration int, _ llm.ComputerAction) error {
		artifact, err := e.Artifacts.Write(ctx, artifacts.WriteRequest{
			TenantID: job.TenantID,
			JobID:    job.ID,
			Type:     record.ArtifactImage,
			Name:     fmt.Sprintf("screenshot_%03d.jpg", iteration),
			MimeType: "image/jpeg",
			Data:     annotated,
		})
		if err != nil {
			return err
		}
		return e.addArtifactIDs(ctx, job.ID, []string{artifact.ID})
	}
}

// addArtifactIDs attaches artifact references to the job under the
// reload-then-write convention.
func (e *Executor) addArtifactIDs(ctx context.Context, jobID string, ids []string) error {
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		job.AddArtifactID(id)
	}
	return e.Store.PutJob(ctx, job)
}

func stepArtifactName(step *record.Step) string {
	name := strings.TrimSpace(step.StepName)
	if name == "" {
		name = "output"
	}
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
	return fmt.Sprintf("step_%d_%s.md", step.StepOrder, slug)
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
