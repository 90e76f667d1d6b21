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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/magnet/internal/artifacts"
	"github.com/tombee/magnet/internal/delivery"
	"github.com/tombee/magnet/internal/executor"
	"github.com/tombee/magnet/internal/strategy"
	"github.com/tombee/magnet/pkg/blob"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// route maps an instructions substring to a scripted provider reply.
type route struct {
	text string
	fail bool
}

// routedProvider answers each provider call by matching the request's
// instructions against the routing table. Unmatched requests fail the test.
type routedProvider struct {
	t      *testing.T
	routes map[string]route

	mu       sync.Mutex
	requests []map[string]any
}

func (p *routedProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(p.t, err)
	var req map[string]any
	require.NoError(p.t, json.Unmarshal(body, &req))

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	instructions, _ := req["instructions"].(string)
	for key, rt := range p.routes {
		if !strings.Contains(instructions, key) {
			continue
		}
		if rt.fail {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"code":"invalid_request","message":"instructions rejected"}}`)
			return
		}
		resp := llm.Response{
			ID:     "resp_1",
			Status: "completed",
			Output: []llm.OutputItem{{
				Type:    llm.ItemTypeMessage,
				Content: []llm.ContentPart{{Type: "output_text", Text: rt.text}},
			}},
			Usage: &llm.UsageInfo{InputTokens: 30, OutputTokens: 12},
		}
		if stream, _ := req["stream"].(bool); stream {
			raw, err := json.Marshal(map[string]any{"response": resp})
			require.NoError(p.t, err)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: response.output_text.delta\ndata: {\"delta\":%q}\n\n", rt.text)
			fmt.Fprintf(w, "event: response.completed\ndata: %s\n\n", raw)
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		require.NoError(p.t, json.NewEncoder(w).Encode(resp))
		return
	}
	p.t.Errorf("no route for provider request with instructions %q", instructions)
	http.Error(w, "no route", http.StatusInternalServerError)
}

// requestsMatching returns the captured request bodies whose instructions
// contain the substring.
func (p *routedProvider) requestsMatching(substr string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []map[string]any
	for _, req := range p.requests {
		if instructions, _ := req["instructions"].(string); strings.Contains(instructions, substr) {
			out = append(out, req)
		}
	}
	return out
}

type fixture struct {
	store    *record.MemoryStore
	blobs    *blob.MemoryStore
	provider *routedProvider
	ctrl     *Controller
}

func newFixture(t *testing.T, routes map[string]route) *fixture {
	t.Helper()
	provider := &routedProvider{t: t, routes: routes}
	server := httptest.NewServer(provider)
	t.Cleanup(server.Close)

	client, err := llm.NewClient(llm.ClientConfig{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	store := record.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	svc := artifacts.NewService(blobs, store, nil)
	return &fixture{
		store:    store,
		blobs:    blobs,
		provider: provider,
		ctrl: &Controller{
			Store: store,
			Executor: &executor.Executor{
				Store:      store,
				Dispatcher: &strategy.Dispatcher{Client: client},
				Artifacts:  svc,
			},
			Artifacts: svc,
			Delivery:  &delivery.Service{Store: store, Blob: blobs},
			Client:    client,
		},
	}
}

func (f *fixture) seed(t *testing.T, workflow *record.Workflow) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.PutWorkflow(ctx, workflow))
	require.NoError(t, f.store.PutSubmission(ctx, &record.Submission{
		ID:   "s-1",
		Data: map[string]any{"name": "Ada", "topic": "dragons"},
	}))
	require.NoError(t, f.store.PutJob(ctx, &record.Job{
		ID: "j-1", TenantID: "t-1", WorkflowID: workflow.ID, SubmissionID: "s-1",
		Status:    record.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}))
}

func (f *fixture) finalArtifact(t *testing.T, jobID string, typ record.ArtifactType) (*record.Artifact, string) {
	t.Helper()
	ctx := context.Background()
	arts, err := f.store.ListArtifactsByJob(ctx, jobID)
	require.NoError(t, err)
	for _, a := range arts {
		if a.Type != typ {
			continue
		}
		reader, err := f.blobs.Get(ctx, a.S3Key)
		require.NoError(t, err)
		defer reader.Close()
		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		return a, string(data)
	}
	t.Fatalf("no artifact of type %s for job %s", typ, jobID)
	return nil, ""
}

func TestRunSingleStepWithWebhookDelivery(t *testing.T) {
	ctx := context.Background()
	var payload map[string]any
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	t.Cleanup(endpoint.Close)

	f := newFixture(t, map[string]route{
		"Write a poem": {text: "Dragons breathe fire."},
	})
	f.seed(t, &record.Workflow{
		ID: "w-1",
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Poem", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Write a poem about the topic."},
		},
		Delivery: record.DeliveryConfig{Method: record.DeliveryWebhook, WebhookURL: endpoint.URL},
	})

	require.NoError(t, f.ctrl.Run(ctx, "j-1"))

	job, err := f.store.GetJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, record.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	// Step sequence: form snapshot, the one AI step, the final output.
	require.Len(t, job.ExecutionSteps, 3)
	assert.Equal(t, record.StepTypeFormSubmission, job.ExecutionSteps[0].StepType)
	assert.Equal(t, record.StepTypeAIGeneration, job.ExecutionSteps[1].StepType)
	assert.Equal(t, record.StepTypeFinalOutput, job.ExecutionSteps[2].StepType)
	assert.True(t, job.ExecutionSteps[2].StepOrder > job.ExecutionSteps[1].StepOrder)

	artifact, body := f.finalArtifact(t, "j-1", record.ArtifactMarkdownFinal)
	assert.Equal(t, "final.md", artifact.Name)
	assert.Equal(t, "Dragons breathe fire.", body)
	assert.Equal(t, artifact.PublicURL, job.OutputURL)

	require.NotNil(t, payload)
	assert.Equal(t, "Ada", payload["lead_name"])
	assert.Equal(t, "dragons", payload["submission_topic"])
	assert.Equal(t, job.OutputURL, payload["output_url"])
	assert.Equal(t, "completed", payload["status"])
}

func TestRunPassesDependencyContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]route{
		"Research the market": {text: "MARKET: demand 7/10"},
		"Write the report":    {text: "Report text."},
	})
	f.seed(t, &record.Workflow{
		ID: "w-1",
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Research", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Research the market."},
			{StepOrder: 2, StepName: "Report", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Write the report.", DependsOn: []any{float64(0)}},
		},
	})

	require.NoError(t, f.ctrl.Run(ctx, "j-1"))

	reportCalls := f.provider.requestsMatching("Write the report")
	require.NotEmpty(t, reportCalls)
	instructions, _ := reportCalls[0]["instructions"].(string)
	assert.Contains(t, instructions, "=== Step 1: Research ===\nMARKET: demand 7/10")

	job, _ := f.store.GetJob(ctx, "j-1")
	final := job.FindExecutionStep(maxStepOrder(job), record.StepTypeFinalOutput)
	require.NotNil(t, final)
	assert.Equal(t, "Report text.", final.Output)
}

func TestRunAssemblesTemplateHTML(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]route{
		"Draft the report":        {text: "## Quarterly Report"},
		"HTML document assembler": {text: "```html\n<html><body>Quarterly Report</body></html>\n```"},
	})
	require.NoError(t, f.store.PutTemplate(ctx, &record.Template{
		ID: "tpl-1", Version: 1, IsPublished: true,
		HTML:             "<html><body>{content}</body></html>",
		StyleDescription: "dark, minimal",
	}))
	f.seed(t, &record.Workflow{
		ID:         "w-1",
		TemplateID: "tpl-1",
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Draft", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Draft the report."},
		},
	})

	require.NoError(t, f.ctrl.Run(ctx, "j-1"))

	job, _ := f.store.GetJob(ctx, "j-1")
	assert.Equal(t, record.JobStatusCompleted, job.Status)

	artifact, body := f.finalArtifact(t, "j-1", record.ArtifactHTMLFinal)
	assert.Equal(t, "final.html", artifact.Name)
	assert.Equal(t, "<html><body>Quarterly Report</body></html>", body, "fences are stripped")
	assert.Equal(t, artifact.PublicURL, job.OutputURL)

	// The assembly call is recorded with its usage.
	assembly := job.FindExecutionStep(2, record.StepTypeHTMLGeneration)
	require.NotNil(t, assembly)
	require.NotNil(t, assembly.Usage)
	assert.Equal(t, 30, assembly.Usage.InputTokens)

	final := job.FindExecutionStep(3, record.StepTypeFinalOutput)
	require.NotNil(t, final)

	usage, err := f.store.ListUsageByJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Len(t, usage, 2, "one for the step, one for the assembly")
}

func TestRunSkipsAssemblyWhenStepOutputIsHTML(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]route{
		"Produce the page": {text: "<html><body>done</body></html>"},
	})
	require.NoError(t, f.store.PutTemplate(ctx, &record.Template{
		ID: "tpl-1", Version: 1, IsPublished: true, HTML: "<html></html>",
	}))
	f.seed(t, &record.Workflow{
		ID:         "w-1",
		TemplateID: "tpl-1",
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Page", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Produce the page."},
		},
	})

	require.NoError(t, f.ctrl.Run(ctx, "j-1"))

	job, _ := f.store.GetJob(ctx, "j-1")
	_, body := f.finalArtifact(t, "j-1", record.ArtifactHTMLFinal)
	assert.Equal(t, "<html><body>done</body></html>", body)
	assert.Nil(t, job.FindExecutionStep(2, record.StepTypeHTMLGeneration),
		"HTML-shaped output skips the assembly call")
	assert.Empty(t, f.provider.requestsMatching("HTML document assembler"))
}

func TestRunContinuesPastFailedStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]route{
		"Collect sources": {text: "Sources collected."},
		"Summarize":       {fail: true},
		"Write outline":   {text: "Outline text."},
	})
	f.seed(t, &record.Workflow{
		ID: "w-1",
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Collect", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Collect sources."},
			{StepOrder: 2, StepName: "Summary", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Summarize the sources."},
			{StepOrder: 3, StepName: "Review", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Review the summary.", DependsOn: []any{float64(1)}},
			{StepOrder: 4, StepName: "Outline", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Write outline.", DependsOn: []any{float64(0)}},
		},
	})

	require.NoError(t, f.ctrl.Run(ctx, "j-1"))

	job, _ := f.store.GetJob(ctx, "j-1")
	assert.Equal(t, record.JobStatusCompleted, job.Status)

	failed := job.FindExecutionStep(2, record.StepTypeAIGeneration)
	require.NotNil(t, failed)
	assert.False(t, failed.Success)
	assert.NotEmpty(t, failed.Error)

	// Step 3 depends on the failed step and never runs.
	assert.Nil(t, job.FindExecutionStep(3, record.StepTypeAIGeneration))
	assert.Empty(t, f.provider.requestsMatching("Review the summary"))

	// Step 4 depends only on step 1 and still runs; it becomes the final.
	outline := job.FindExecutionStep(4, record.StepTypeAIGeneration)
	require.NotNil(t, outline)
	assert.True(t, outline.Success)
	_, body := f.finalArtifact(t, "j-1", record.ArtifactMarkdownFinal)
	assert.Equal(t, "Outline text.", body)
}

func TestRunFailFastPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]route{
		"Summarize": {fail: true},
	})
	f.seed(t, &record.Workflow{
		ID:            "w-1",
		OnStepFailure: record.FailureFailFast,
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Summary", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Summarize the sources."},
			{StepOrder: 2, StepName: "Outline", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Write outline."},
		},
	})

	require.Error(t, f.ctrl.Run(ctx, "j-1"))

	job, _ := f.store.GetJob(ctx, "j-1")
	assert.Equal(t, record.JobStatusFailed, job.Status)
	assert.NotEmpty(t, job.ErrorType)
	assert.True(t, strings.HasPrefix(job.ErrorMessage, "Failed to process step 1:"), job.ErrorMessage)
	assert.Empty(t, f.provider.requestsMatching("Write outline"))
}

func TestRunFailsWhenNothingSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]route{
		"Summarize": {fail: true},
	})
	f.seed(t, &record.Workflow{
		ID: "w-1",
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Summary", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Summarize the sources."},
		},
	})

	require.Error(t, f.ctrl.Run(ctx, "j-1"))

	job, _ := f.store.GetJob(ctx, "j-1")
	assert.Equal(t, record.JobStatusFailed, job.Status)
	assert.True(t, strings.HasPrefix(job.ErrorMessage, "Failed to generate final output:"), job.ErrorMessage)
}

func TestRunDeliveryFailureDoesNotFailJob(t *testing.T) {
	ctx := context.Background()
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(endpoint.Close)

	f := newFixture(t, map[string]route{
		"Write a poem": {text: "Poem."},
	})
	f.seed(t, &record.Workflow{
		ID: "w-1",
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Poem", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Write a poem."},
		},
		Delivery: record.DeliveryConfig{Method: record.DeliveryWebhook, WebhookURL: endpoint.URL},
	})

	require.NoError(t, f.ctrl.Run(ctx, "j-1"))
	job, _ := f.store.GetJob(ctx, "j-1")
	assert.Equal(t, record.JobStatusCompleted, job.Status)
}

func TestRunIsNoOpForTerminalJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]route{})
	require.NoError(t, f.store.PutJob(ctx, &record.Job{
		ID: "j-1", Status: record.JobStatusCompleted,
	}))

	require.NoError(t, f.ctrl.Run(ctx, "j-1"))
	assert.Empty(t, f.provider.requests)
}

func TestRunStepSingleMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]route{
		"Write a poem": {text: "Poem."},
	})
	f.seed(t, &record.Workflow{
		ID: "w-1",
		Steps: []record.Step{
			{StepOrder: 1, StepName: "Poem", StepType: record.StepTypeAIGeneration, Model: "gpt-5", Instructions: "Write a poem."},
		},
	})

	init, err := f.ctrl.RunStep(ctx, StepRequest{JobID: "j-1", StepIndex: 0, StepType: record.StepTypeFormSubmission})
	require.NoError(t, err)
	assert.True(t, init.Success)
	assert.Equal(t, record.JobStatusProcessing, init.Status)

	step, err := f.ctrl.RunStep(ctx, StepRequest{JobID: "j-1", StepIndex: 0, StepType: record.StepTypeAIGeneration})
	require.NoError(t, err)
	assert.True(t, step.Success)
	assert.Equal(t, "Poem.", step.OutputPreview)
	assert.NotEmpty(t, step.ArtifactID)

	final, err := f.ctrl.RunStep(ctx, StepRequest{JobID: "j-1", StepIndex: 1, StepType: record.StepTypeFinalOutput})
	require.NoError(t, err)
	assert.True(t, final.Success)
	assert.Equal(t, record.JobStatusCompleted, final.Status)
	assert.NotEmpty(t, final.OutputURL)

	job, _ := f.store.GetJob(ctx, "j-1")
	assert.Equal(t, record.JobStatusCompleted, job.Status)
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"<html></html>", "<html></html>"},
		{"```html\n<html></html>\n```", "<html></html>"},
		{"```\n<html></html>\n```", "<html></html>"},
		{"```html\n<html>\n<body/>\n</html>\n```", "<html>\n<body/>\n</html>"},
		{"  \n```html\n<p>x</p>\n```\n  ", "<p>x</p>"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StripFences(tc.input), "input %q", tc.input)
	}
}

func TestTruncatePreview(t *testing.T) {
	long := strings.Repeat("a", previewLimit+50)
	assert.Len(t, truncatePreview(long), previewLimit)
	assert.Equal(t, "short", truncatePreview("short"))
}
