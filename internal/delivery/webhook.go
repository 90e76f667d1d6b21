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

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/tombee/magnet/internal/executor"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// artifactMeta is the webhook-facing shape of one artifact.
type artifactMeta struct {
	ArtifactID    string `json:"artifact_id"`
	ArtifactType  string `json:"artifact_type"`
	ArtifactName  string `json:"artifact_name"`
	PublicURL     string `json:"public_url"`
	S3Key         string `json:"s3_key"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	MimeType      string `json:"mime_type"`
	CreatedAt     string `json:"created_at"`
}

func metaFor(a *record.Artifact) artifactMeta {
	return artifactMeta{
		ArtifactID:    a.ID,
		ArtifactType:  string(a.Type),
		ArtifactName:  a.Name,
		PublicURL:     a.PublicURL,
		S3Key:         a.S3Key,
		FileSizeBytes: a.SizeBytes,
		MimeType:      a.MimeType,
		CreatedAt:     a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// deliverWebhook POSTs the completion payload. A non-2xx status is logged,
// not retried; a retry-capable queue upstream owns redelivery if wanted.
func (s *Service) deliverWebhook(ctx context.Context, job *record.Job, workflow *record.Workflow, submission *record.Submission, form *record.Form) error {
	url := workflow.Delivery.WebhookURL
	if url == "" {
		return fmt.Errorf("webhook delivery configured without a URL")
	}

	payload, err := s.buildWebhookPayload(ctx, job, workflow, submission, form)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal delivery payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, httpDeadline)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range workflow.Delivery.WebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("delivery POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger().Warn("delivery webhook rejected", "job_id", job.ID, "status", resp.StatusCode)
		return fmt.Errorf("delivery webhook returned status %d", resp.StatusCode)
	}
	s.logger().Info("delivery webhook sent", "job_id", job.ID, "status", resp.StatusCode)
	return nil
}

func (s *Service) buildWebhookPayload(ctx context.Context, job *record.Job, workflow *record.Workflow, submission *record.Submission, form *record.Form) (map[string]any, error) {
	payload := map[string]any{
		"job_id":      job.ID,
		"status":      string(job.Status),
		"output_url":  job.OutputURL,
		"workflow_id": job.WorkflowID,
	}
	if job.CompletedAt != nil {
		payload["completed_at"] = job.CompletedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}

	if submission != nil {
		payload["submission_data"] = submission.Data
		payload["lead_name"] = LeadName(submission)
		payload["lead_email"] = LeadEmail(submission)
		payload["lead_phone"] = LeadPhone(submission)
		// Flattened copies for consumers that cannot index nested maps.
		for k, v := range submission.Data {
			payload["submission_"+k] = v
		}
	}

	arts, err := s.Store.ListArtifactsByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for delivery: %w", err)
	}

	all := make([]artifactMeta, 0, len(arts))
	var images, htmlFiles, markdownFiles []artifactMeta
	for _, a := range arts {
		meta := metaFor(a)
		all = append(all, meta)
		switch {
		case a.Type == record.ArtifactImage || strings.HasPrefix(a.MimeType, "image/"):
			images = append(images, meta)
		case a.Type == record.ArtifactHTMLFinal || a.MimeType == "text/html":
			htmlFiles = append(htmlFiles, meta)
		case a.Type == record.ArtifactMarkdownFinal || a.Type == record.ArtifactReportMarkdown || a.MimeType == "text/markdown":
			markdownFiles = append(markdownFiles, meta)
		}
	}
	payload["artifacts"] = all
	payload["images"] = images
	payload["html_files"] = htmlFiles
	payload["markdown_files"] = markdownFiles

	payload["context"] = s.buildContext(ctx, arts, submission, form, images)
	return payload, nil
}

// buildContext concatenates the labeled form submission with the extracted
// text of every markdown and html artifact, closing with the image link
// block. Markdown loses its surrounding fence, HTML loses its markup, so
// consumers get plain text.
func (s *Service) buildContext(ctx context.Context, arts []*record.Artifact, submission *record.Submission, form *record.Form, images []artifactMeta) string {
	var b strings.Builder
	if formText := executor.FormSubmissionText(submission, form); formText != "" {
		b.WriteString("=== Form Submission ===\n")
		b.WriteString(formText)
		b.WriteString("\n\n")
	}

	for _, a := range arts {
		if a.MimeType != "text/markdown" && a.MimeType != "text/html" {
			continue
		}
		text, err := s.artifactText(ctx, a)
		if err != nil {
			s.logger().Warn("skipping unreadable artifact in delivery context",
				"artifact_id", a.ID, "error", err)
			continue
		}
		if a.MimeType == "text/html" {
			text = htmlToText(text)
		} else {
			text = llm.StripFences(text)
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", a.Name, text)
	}

	b.WriteString("IMAGE LINKS\n")
	for _, img := range images {
		if img.PublicURL != "" {
			b.WriteString(img.PublicURL + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var (
	htmlHiddenPattern = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	htmlBreakPattern  = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|table|section|article)>|<br\s*/?>`)
	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
	blankRunPattern   = regexp.MustCompile(`\n{3,}`)
)

// htmlToText reduces an HTML document to its visible text. Block-level
// closers become newlines so headings and paragraphs stay separated.
func htmlToText(doc string) string {
	text := htmlHiddenPattern.ReplaceAllString(doc, "")
	text = htmlBreakPattern.ReplaceAllString(text, "\n")
	text = htmlTagPattern.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func (s *Service) artifactText(ctx context.Context, a *record.Artifact) (string, error) {
	reader, err := s.Blob.Get(ctx, a.S3Key)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	data, err := io.ReadAll(io.LimitReader(reader, 4*1024*1024))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
