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

import "context"

// Store is the interface over the key-value record store. Writes are
// last-writer-wins; reads return the latest written state. Jobs are the
// only records the worker mutates; everything else is read-only input
// plus append-only artifacts and usage records.
type Store interface {
	// GetJob returns the job by id, or a NotFoundError.
	GetJob(ctx context.Context, id string) (*Job, error)

	// PutJob writes the full job record, last-writer-wins.
	PutJob(ctx context.Context, job *Job) error

	// GetSubmission returns the submission by id, or a NotFoundError.
	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// GetForm returns the form by id, or a NotFoundError.
	GetForm(ctx context.Context, id string) (*Form, error)

	// GetWorkflow returns the workflow by id, or a NotFoundError.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetTemplate returns the template by id and version, or a NotFoundError.
	// Version 0 selects the latest version.
	GetTemplate(ctx context.Context, id string, version int) (*Template, error)

	// PutArtifact writes an artifact record. Artifacts are written once.
	PutArtifact(ctx context.Context, artifact *Artifact) error

	// ListArtifactsByJob returns every artifact minted for a job, ordered
	// by creation time.
	ListArtifactsByJob(ctx context.Context, jobID string) ([]*Artifact, error)

	// PutUsageRecord appends a per-call usage record.
	PutUsageRecord(ctx context.Context, rec *UsageRecord) error

	// ListUsageByJob returns every usage record for a job.
	ListUsageByJob(ctx context.Context, jobID string) ([]*UsageRecord, error)
}

// Seeder is implemented by stores that can load read-only records, used by
// the local dev runner and tests to stage submissions and workflows.
type Seeder interface {
	PutSubmission(ctx context.Context, s *Submission) error
	PutForm(ctx context.Context, f *Form) error
	PutWorkflow(ctx context.Context, w *Workflow) error
	PutTemplate(ctx context.Context, t *Template) error
}
