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

package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tombee/magnet/internal/artifacts"
	"github.com/tombee/magnet/internal/executor"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// defaultAssemblyModel renders template HTML when the workflow does not pin
// an assembly model.
const defaultAssemblyModel = "gpt-5"

// finalResult is the outcome of final assembly.
type finalResult struct {
	text       string
	artifactID string
	outputURL  string
}

// finalize produces the final deliverable: template-shaped HTML when the
// workflow references a published template, the last step's markdown
// otherwise. It persists the final artifact, sets job.output_url, and
// appends the final_output execution step.
func (c *Controller) finalize(ctx context.Context, jobID string, res *resources) (*finalResult, error) {
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reload job for finalization: %w", err)
	}

	lastOutput := lastSuccessfulOutput(job)
	if strings.TrimSpace(lastOutput) == "" {
		return nil, fmt.Errorf("no successful step output to assemble")
	}

	finalText := lastOutput
	artifactType := record.ArtifactMarkdownFinal
	artifactName := "final.md"
	mimeType := "text/markdown"

	if res.template != nil && res.template.IsPublished {
		html, err := c.assembleHTML(ctx, job, res, lastOutput)
		if err != nil {
			return nil, err
		}
		finalText = html
		artifactType = record.ArtifactHTMLFinal
		artifactName = "final.html"
		mimeType = "text/html"
	}

	artifact, err := c.Artifacts.Write(ctx, artifacts.WriteRequest{
		TenantID: job.TenantID,
		JobID:    job.ID,
		Type:     artifactType,
		Name:     artifactName,
		MimeType: mimeType,
		Data:     []byte(finalText),
	})
	if err != nil {
		return nil, fmt.Errorf("persist final artifact: %w", err)
	}

	// Reload: the assembly call may have recorded an html_generation step.
	job, err = c.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reload job for final write: %w", err)
	}
	job.OutputURL = artifact.PublicURL
	job.AddArtifactID(artifact.ID)
	job.UpsertExecutionStep(record.ExecutionStep{
		StepOrder:  maxStepOrder(job) + 1,
		StepType:   record.StepTypeFinalOutput,
		StepName:   "Final Output",
		Output:     finalText,
		Timestamp:  time.Now().UTC(),
		ArtifactID: artifact.ID,
		Success:    true,
	})
	if err := c.Store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("write final output: %w", err)
	}

	return &finalResult{text: finalText, artifactID: artifact.ID, outputURL: artifact.PublicURL}, nil
}

// assembleHTML fills the template with the job's accumulated content. When
// the last step already produced an HTML document, it is used as-is and no
// model call runs.
func (c *Controller) assembleHTML(ctx context.Context, job *record.Job, res *resources, lastOutput string) (string, error) {
	if strings.HasPrefix(strings.TrimSpace(lastOutput), "<") {
		return lastOutput, nil
	}
	if c.Client == nil {
		return "", fmt.Errorf("html assembly requires a provider client")
	}

	model := c.AssemblyModel
	if model == "" {
		model = defaultAssemblyModel
	}

	started := time.Now()
	resp, err := c.Client.Call(ctx, &llm.Params{
		Model:        model,
		Instructions: assemblyInstructions(res.template),
		Input:        assemblyInput(job, res),
	})
	if err != nil {
		return "", fmt.Errorf("html assembly call: %w", err)
	}
	result := llm.ProcessResponse(nil, resp)
	html := StripFences(result.Text)
	if strings.TrimSpace(html) == "" {
		return "", fmt.Errorf("html assembly produced no output")
	}

	usage := record.Usage{
		Model:        model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      llm.CalculateCost(model, result.InputTokens, result.OutputTokens),
	}
	c.recordAssemblyStep(ctx, job.ID, html, usage, time.Since(started))
	return html, nil
}

// recordAssemblyStep appends the html_generation execution step and its
// usage record. Both writes are best-effort: the HTML itself is already in
// hand.
func (c *Controller) recordAssemblyStep(ctx context.Context, jobID, html string, usage record.Usage, elapsed time.Duration) {
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		c.logger().Warn("failed to reload job for assembly step", "job_id", jobID, "error", err)
		return
	}
	job.UpsertExecutionStep(record.ExecutionStep{
		StepOrder:  maxStepOrder(job) + 1,
		StepType:   record.StepTypeHTMLGeneration,
		StepName:   "HTML Assembly",
		Output:     html,
		Usage:      &usage,
		Timestamp:  time.Now().UTC(),
		DurationMS: elapsed.Milliseconds(),
		Success:    true,
	})
	if err := c.Store.PutJob(ctx, job); err != nil {
		c.logger().Warn("failed to record assembly step", "job_id", jobID, "error", err)
	}

	rec := &record.UsageRecord{
		ID:           ulid.Make().String(),
		TenantID:     job.TenantID,
		JobID:        job.ID,
		ServiceType:  "llm",
		Model:        usage.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      usage.CostUSD,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.Store.PutUsageRecord(ctx, rec); err != nil {
		c.logger().Warn("failed to record assembly usage", "job_id", jobID, "error", err)
	}
}

func assemblyInstructions(template *record.Template) string {
	var b strings.Builder
	b.WriteString("You are an HTML document assembler. Fill the template below with the provided content, preserving the template's structure, classes, and inline styles. Return one complete HTML document and nothing else. Do not wrap the output in markdown fences.\n\n")
	if template.StyleDescription != "" {
		b.WriteString("Style notes: ")
		b.WriteString(template.StyleDescription)
		b.WriteString("\n\n")
	}
	b.WriteString("Template:\n")
	b.WriteString(template.HTML)
	return b.String()
}

func assemblyInput(job *record.Job, res *resources) string {
	var b strings.Builder
	if formText := executor.FormSubmissionText(res.submission, res.form); formText != "" {
		b.WriteString("=== Form Submission ===\n")
		b.WriteString(formText)
		b.WriteString("\n\n")
	}
	for _, es := range job.ExecutionSteps {
		if es.StepType != record.StepTypeAIGeneration || !es.Success || es.Output == "" {
			continue
		}
		fmt.Fprintf(&b, "=== Step %d: %s ===\n%s\n\n", es.StepOrder, es.StepName, es.Output)
	}
	return strings.TrimRight(b.String(), "\n")
}

// lastSuccessfulOutput returns the output of the highest-ordered successful
// ai_generation step.
func lastSuccessfulOutput(job *record.Job) string {
	best := -1
	output := ""
	for _, es := range job.ExecutionSteps {
		if es.StepType != record.StepTypeAIGeneration || !es.Success {
			continue
		}
		if es.StepOrder > best && strings.TrimSpace(es.Output) != "" {
			best = es.StepOrder
			output = es.Output
		}
	}
	return output
}

func maxStepOrder(job *record.Job) int {
	max := 0
	for _, es := range job.ExecutionSteps {
		if es.StepOrder > max {
			max = es.StepOrder
		}
	}
	return max
}

// StripFences removes a surrounding markdown code fence from model output.
// Models asked for raw HTML still fence it often enough that callers always
// pass output through here.
func StripFences(s string) string {
	return llm.StripFences(s)
}
