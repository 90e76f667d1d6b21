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
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/magnet/pkg/errors"
)

// MemoryStore is an in-memory Store used for local development and tests.
// All records are deep-copied through JSON on the way in and out so callers
// never share mutable state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	submissions map[string]*Submission
	forms       map[string]*Form
	workflows   map[string]*Workflow
	templates   map[string]*Template
	artifacts   map[string]*Artifact
	usage       []*UsageRecord
}

// Compile-time interface assertions.
var (
	_ Store  = (*MemoryStore)(nil)
	_ Seeder = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		submissions: make(map[string]*Submission),
		forms:       make(map[string]*Form),
		workflows:   make(map[string]*Workflow),
		templates:   make(map[string]*Template),
		artifacts:   make(map[string]*Artifact),
	}
}

// deepCopy round-trips a record through JSON. This also exercises the same
// numeric boxing the real store produces (ints come back as float64),
// which keeps test behavior honest.
func deepCopy[T any](src *T) (*T, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("copy record: %w", err)
	}
	var dst T
	if err := json.Unmarshal(data, &dst); err != nil {
		return nil, fmt.Errorf("copy record: %w", err)
	}
	return &dst, nil
}

// GetJob returns the job by id.
func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job", ID: id}
	}
	return deepCopy(job)
}

// PutJob writes the full job record, last-writer-wins.
func (m *MemoryStore) PutJob(ctx context.Context, job *Job) error {
	copied, err := deepCopy(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = copied
	return nil
}

// GetSubmission returns the submission by id.
func (m *MemoryStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "submission", ID: id}
	}
	return deepCopy(s)
}

// GetForm returns the form by id.
func (m *MemoryStore) GetForm(ctx context.Context, id string) (*Form, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.forms[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "form", ID: id}
	}
	return deepCopy(f)
}

// GetWorkflow returns the workflow by id.
func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return deepCopy(w)
}

// GetTemplate returns the template by id. Version 0 selects the stored
// version; the memory store keeps a single version per template id.
func (m *MemoryStore) GetTemplate(ctx context.Context, id string, version int) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "template", ID: id}
	}
	if version != 0 && t.Version != version {
		return nil, &errors.NotFoundError{Resource: "template", ID: fmt.Sprintf("%s@v%d", id, version)}
	}
	return deepCopy(t)
}

// PutArtifact writes an artifact record.
func (m *MemoryStore) PutArtifact(ctx context.Context, artifact *Artifact) error {
	copied, err := deepCopy(artifact)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[artifact.ID] = copied
	return nil
}

// ListArtifactsByJob returns every artifact for a job ordered by creation time.
func (m *MemoryStore) ListArtifactsByJob(ctx context.Context, jobID string) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Artifact
	for _, a := range m.artifacts {
		if a.JobID != jobID {
			continue
		}
		copied, err := deepCopy(a)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// PutUsageRecord appends a usage record.
func (m *MemoryStore) PutUsageRecord(ctx context.Context, rec *UsageRecord) error {
	copied, err := deepCopy(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, copied)
	return nil
}

// ListUsageByJob returns every usage record for a job in append order.
func (m *MemoryStore) ListUsageByJob(ctx context.Context, jobID string) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UsageRecord
	for _, rec := range m.usage {
		if rec.JobID != jobID {
			continue
		}
		copied, err := deepCopy(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// PutSubmission seeds a submission record.
func (m *MemoryStore) PutSubmission(ctx context.Context, s *Submission) error {
	copied, err := deepCopy(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[s.ID] = copied
	return nil
}

// PutForm seeds a form record.
func (m *MemoryStore) PutForm(ctx context.Context, f *Form) error {
	copied, err := deepCopy(f)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forms[f.ID] = copied
	return nil
}

// PutWorkflow seeds a workflow record.
func (m *MemoryStore) PutWorkflow(ctx context.Context, w *Workflow) error {
	copied, err := deepCopy(w)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = copied
	return nil
}

// PutTemplate seeds a template record.
func (m *MemoryStore) PutTemplate(ctx context.Context, t *Template) error {
	copied, err := deepCopy(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = copied
	return nil
}
