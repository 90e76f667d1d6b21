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

// Package delivery dispatches the finished deliverable to the downstream
// consumer over webhook or SMS. Delivery is best-effort: failures are logged
// and never change the job's terminal status.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/magnet/pkg/blob"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
	"github.com/tombee/magnet/pkg/secrets"
)

const httpDeadline = 30 * time.Second

// Service runs post-completion delivery for a job.
type Service struct {
	Store   record.Store
	Blob    blob.Store
	Secrets secrets.Provider

	// Client generates SMS bodies when the workflow configures
	// instructions instead of a template. Nil disables generation.
	Client *llm.Client

	// HTTPClient overrides the outbound client, mainly for tests.
	HTTPClient *http.Client

	// SMSBaseURL overrides the SMS gateway endpoint, mainly for tests.
	SMSBaseURL string

	Logger *slog.Logger
}

// Deliver dispatches per the workflow's delivery configuration. Errors are
// returned for observability but the caller must not fail the job on them.
func (s *Service) Deliver(ctx context.Context, job *record.Job, workflow *record.Workflow, submission *record.Submission, form *record.Form) error {
	switch workflow.Delivery.Method {
	case record.DeliveryWebhook:
		return s.deliverWebhook(ctx, job, workflow, submission, form)
	case record.DeliverySMS:
		return s.deliverSMS(ctx, job, workflow, submission)
	case record.DeliveryNone:
		return nil
	default:
		return fmt.Errorf("unknown delivery method %q", workflow.Delivery.Method)
	}
}

func (s *Service) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: httpDeadline}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// leadField returns the first non-empty submission value among the names.
func leadField(submission *record.Submission, names ...string) string {
	if submission == nil {
		return ""
	}
	for _, name := range names {
		if v, ok := submission.Data[name]; ok {
			if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
				return str
			}
		}
	}
	return ""
}

// LeadName derives the submitter's name from common field conventions.
func LeadName(submission *record.Submission) string {
	if name := leadField(submission, "name", "full_name", "lead_name"); name != "" {
		return name
	}
	first := leadField(submission, "first_name")
	last := leadField(submission, "last_name")
	return strings.TrimSpace(first + " " + last)
}

// LeadEmail derives the submitter's email address.
func LeadEmail(submission *record.Submission) string {
	return leadField(submission, "email", "email_address", "lead_email")
}

// LeadPhone derives the submitter's phone number.
func LeadPhone(submission *record.Submission) string {
	return leadField(submission, "phone", "phone_number", "submitter_phone")
}
