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

package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/magnet/pkg/record"
)

const (
	// liveOutputCap bounds the preview text; only the tail is retained
	// beyond it.
	liveOutputCap = 100_000

	liveFlushInterval = 500 * time.Millisecond
	liveFlushBytes    = 512
)

// LivePublisher streams preview text into the job's live_step. Writes are
// best-effort and last-writer-wins; the preview is never a source of truth.
type LivePublisher struct {
	Store     record.Store
	JobID     string
	StepOrder int
	Logger    *slog.Logger

	mu           sync.Mutex
	output       string
	truncated    bool
	status       record.LiveStepStatus
	lastFlush    time.Time
	unflushed    int
	errorMessage string

	// now is stubbed in tests.
	now func() time.Time
}

// NewLivePublisher creates a publisher for one step of one job.
func NewLivePublisher(store record.Store, jobID string, stepOrder int, logger *slog.Logger) *LivePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LivePublisher{
		Store:     store,
		JobID:     jobID,
		StepOrder: stepOrder,
		Logger:    logger,
		status:    record.LiveStepStreaming,
		now:       time.Now,
	}
}

// Append accumulates preview text and flushes at most once per interval or
// per batch of new bytes, whichever comes first.
func (p *LivePublisher) Append(ctx context.Context, text string) {
	if p == nil || text == "" {
		return
	}
	p.mu.Lock()
	p.output += text
	p.unflushed += len(text)
	if len(p.output) > liveOutputCap {
		p.output = p.output[len(p.output)-liveOutputCap:]
		p.truncated = true
	}
	due := p.unflushed >= liveFlushBytes || p.now().Sub(p.lastFlush) >= liveFlushInterval
	p.mu.Unlock()

	if due {
		p.flush(ctx)
	}
}

// SetStatus transitions the preview status and always flushes.
func (p *LivePublisher) SetStatus(ctx context.Context, status record.LiveStepStatus, errMsg string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.status = status
	p.errorMessage = errMsg
	p.mu.Unlock()
	p.flush(ctx)
}

// Clear removes the live preview from the job, called on step completion.
func (p *LivePublisher) Clear(ctx context.Context) {
	if p == nil {
		return
	}
	job, err := p.Store.GetJob(ctx, p.JobID)
	if err != nil {
		p.Logger.Debug("live preview clear skipped", "job_id", p.JobID, "error", err)
		return
	}
	job.LiveStep = nil
	if err := p.Store.PutJob(ctx, job); err != nil {
		p.Logger.Debug("live preview clear failed", "job_id", p.JobID, "error", err)
	}
}

func (p *LivePublisher) flush(ctx context.Context) {
	p.mu.Lock()
	snapshot := record.LiveStep{
		StepOrder: p.StepOrder,
		Output:    p.output,
		Status:    p.status,
		Truncated: p.truncated,
		Error:     p.errorMessage,
		UpdatedAt: p.now(),
	}
	p.lastFlush = p.now()
	p.unflushed = 0
	p.mu.Unlock()

	job, err := p.Store.GetJob(ctx, p.JobID)
	if err != nil {
		p.Logger.Debug("live preview write skipped", "job_id", p.JobID, "error", err)
		return
	}
	job.LiveStep = &snapshot
	if err := p.Store.PutJob(ctx, job); err != nil {
		p.Logger.Debug("live preview write failed", "job_id", p.JobID, "error", err)
	}
}

// Output returns the accumulated preview text.
func (p *LivePublisher) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}
