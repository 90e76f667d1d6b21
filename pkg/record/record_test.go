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

package record

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertExecutionStepReplacesInPlace(t *testing.T) {
	job := &Job{ID: "job-1"}
	job.UpsertExecutionStep(ExecutionStep{StepOrder: 1, StepType: StepTypeAIGeneration, Output: "first"})
	job.UpsertExecutionStep(ExecutionStep{StepOrder: 2, StepType: StepTypeAIGeneration, Output: "second"})
	job.UpsertExecutionStep(ExecutionStep{StepOrder: 3, StepType: StepTypeAIGeneration, Output: "third"})

	// Rerun of step 2 replaces the existing entry without reordering.
	job.UpsertExecutionStep(ExecutionStep{StepOrder: 2, StepType: StepTypeAIGeneration, Output: "second-rerun", Success: true})

	require.Len(t, job.ExecutionSteps, 3)
	assert.Equal(t, "first", job.ExecutionSteps[0].Output)
	assert.Equal(t, "second-rerun", job.ExecutionSteps[1].Output)
	assert.True(t, job.ExecutionSteps[1].Success)
	assert.Equal(t, "third", job.ExecutionSteps[2].Output)
}

func TestUpsertExecutionStepDistinguishesStepType(t *testing.T) {
	job := &Job{ID: "job-1"}
	job.UpsertExecutionStep(ExecutionStep{StepOrder: 1, StepType: StepTypeAIGeneration, Output: "ai"})
	job.UpsertExecutionStep(ExecutionStep{StepOrder: 1, StepType: StepTypeWebhook, Output: "hook"})

	// Same order, different type: two distinct entries.
	require.Len(t, job.ExecutionSteps, 2)
	assert.Equal(t, "ai", job.FindExecutionStep(1, StepTypeAIGeneration).Output)
	assert.Equal(t, "hook", job.FindExecutionStep(1, StepTypeWebhook).Output)
}

func TestCompletedStepIndexes(t *testing.T) {
	job := &Job{
		ExecutionSteps: []ExecutionStep{
			{StepOrder: 1, StepType: StepTypeAIGeneration, Success: true},
			{StepOrder: 2, StepType: StepTypeAIGeneration, Success: false},
			{StepOrder: 3, StepType: StepTypeWebhook, Success: true},
			// html_generation never counts toward readiness.
			{StepOrder: 4, StepType: StepTypeHTMLGeneration, Success: true},
		},
	}

	done := job.CompletedStepIndexes()
	assert.Equal(t, map[int]bool{0: true, 2: true}, done)

	failed := job.FailedStepIndexes()
	assert.Equal(t, map[int]bool{1: true}, failed)
}

func TestStepDependenciesImplicitDefault(t *testing.T) {
	s := &Step{}
	assert.Empty(t, s.Dependencies(0))
	assert.Equal(t, []int{0, 1, 2}, s.Dependencies(3))
}

func TestStepDependenciesNormalizesBoxedNumbers(t *testing.T) {
	// The record store hands back float64 and json.Number depending on the
	// decode path. Both normalize to plain indices.
	s := &Step{DependsOn: []any{float64(0), json.Number("2"), "1"}}
	assert.Equal(t, []int{0, 2, 1}, s.Dependencies(4))
}

func TestStepDependenciesDropsOutOfRange(t *testing.T) {
	s := &Step{DependsOn: []any{float64(-1), float64(0), float64(5)}}
	assert.Equal(t, []int{0}, s.Dependencies(3))
}

func TestToInt(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
		ok   bool
	}{
		{"int", 7, 7, true},
		{"float64", float64(7), 7, true},
		{"json number", json.Number("7"), 7, true},
		{"decimal string", "7", 7, true},
		{"float string", "7.0", 7, true},
		{"garbage", "not a number", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToInt(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSortedStepsOrdersByStepOrder(t *testing.T) {
	w := &Workflow{Steps: []Step{
		{StepOrder: 3, StepName: "c"},
		{StepOrder: 1, StepName: "a"},
		{StepOrder: 2, StepName: "b"},
	}}
	sorted := w.SortedSteps()
	require.Len(t, sorted, 3)
	assert.Equal(t, "a", sorted[0].StepName)
	assert.Equal(t, "b", sorted[1].StepName)
	assert.Equal(t, "c", sorted[2].StepName)
	// Original slice is untouched.
	assert.Equal(t, "c", w.Steps[0].StepName)
}

func TestFormLabelFor(t *testing.T) {
	f := &Form{Fields: []FormField{{ID: "f1", Label: "Company Name"}}}
	assert.Equal(t, "Company Name", f.LabelFor("f1"))
	assert.Equal(t, "f9", f.LabelFor("f9"))

	var nilForm *Form
	assert.Equal(t, "f1", nilForm.LabelFor("f1"))
}

func TestUsageAdd(t *testing.T) {
	u := Usage{}
	u.Add(Usage{Model: "gpt-5", InputTokens: 100, OutputTokens: 50, CostUSD: 0.01})
	u.Add(Usage{Model: "gpt-5-mini", InputTokens: 10, OutputTokens: 5, CostUSD: 0.001})

	assert.Equal(t, "gpt-5", u.Model)
	assert.Equal(t, 110, u.InputTokens)
	assert.Equal(t, 55, u.OutputTokens)
	assert.InDelta(t, 0.011, u.CostUSD, 1e-9)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job := &Job{ID: "job-1", TenantID: "t-1", Status: JobStatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.PutJob(ctx, job))

	// Mutating the original after Put must not affect the stored copy.
	job.Status = JobStatusFailed

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)

	_, err = store.GetJob(ctx, "missing")
	assert.Error(t, err)
}

func TestMemoryStoreArtifactsOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().UTC()
	require.NoError(t, store.PutArtifact(ctx, &Artifact{ID: "a2", JobID: "j", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.PutArtifact(ctx, &Artifact{ID: "a1", JobID: "j", CreatedAt: base}))
	require.NoError(t, store.PutArtifact(ctx, &Artifact{ID: "other", JobID: "other-job", CreatedAt: base}))

	got, err := store.ListArtifactsByJob(ctx, "j")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(SQLiteConfig{Path: t.TempDir() + "/records.db", WAL: true})
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &Job{
		ID: "job-1", TenantID: "t-1", WorkflowID: "wf-1", SubmissionID: "sub-1",
		Status: JobStatusProcessing, CreatedAt: now,
		ExecutionSteps: []ExecutionStep{{StepOrder: 1, StepType: StepTypeAIGeneration, StepName: "research", Success: true, Timestamp: now}},
	}
	require.NoError(t, store.PutJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, JobStatusProcessing, got.Status)
	require.Len(t, got.ExecutionSteps, 1)
	assert.Equal(t, "research", got.ExecutionSteps[0].StepName)

	// Overwrite wins.
	job.Status = JobStatusCompleted
	require.NoError(t, store.PutJob(ctx, job))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
}

func TestSQLiteStoreTemplateVersions(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(SQLiteConfig{Path: t.TempDir() + "/records.db"})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.PutTemplate(ctx, &Template{ID: "tpl", Version: 1, HTML: "<p>v1</p>", IsPublished: true}))
	require.NoError(t, store.PutTemplate(ctx, &Template{ID: "tpl", Version: 2, HTML: "<p>v2</p>", IsPublished: true}))

	latest, err := store.GetTemplate(ctx, "tpl", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	pinned, err := store.GetTemplate(ctx, "tpl", 1)
	require.NoError(t, err)
	assert.Equal(t, "<p>v1</p>", pinned.HTML)

	_, err = store.GetTemplate(ctx, "tpl", 9)
	assert.Error(t, err)
}
