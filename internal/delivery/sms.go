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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
	"github.com/tombee/magnet/pkg/secrets"
)

const (
	defaultSMSBaseURL = "https://api.twilio.com"
	smsMaxLength      = 160
	smsBodyModel      = "gpt-5-mini"
)

// deliverSMS resolves the destination phone and sends one message through
// the gateway.
func (s *Service) deliverSMS(ctx context.Context, job *record.Job, workflow *record.Workflow, submission *record.Submission) error {
	phone := NormalizePhone(LeadPhone(submission))
	if phone == "" {
		return fmt.Errorf("sms delivery: no destination phone in submission")
	}

	body, err := s.smsBody(ctx, job, workflow, submission)
	if err != nil {
		return err
	}

	sid, err := s.Secrets.Get(ctx, secrets.NameSMSAccountSID)
	if err != nil {
		return fmt.Errorf("sms delivery: resolve account sid: %w", err)
	}
	token, err := s.Secrets.Get(ctx, secrets.NameSMSAuthToken)
	if err != nil {
		return fmt.Errorf("sms delivery: resolve auth token: %w", err)
	}
	from, err := s.Secrets.Get(ctx, secrets.NameSMSFromNumber)
	if err != nil {
		return fmt.Errorf("sms delivery: resolve sender number: %w", err)
	}

	base := s.SMSBaseURL
	if base == "" {
		base = defaultSMSBaseURL
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", base, sid)

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", from)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(sid, token)

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("sms POST: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	s.logger().Info("sms delivered", "job_id", job.ID, "to", phone)
	return nil
}

// smsBody renders the configured template, or generates a short message when
// the workflow supplies instructions instead.
func (s *Service) smsBody(ctx context.Context, job *record.Job, workflow *record.Workflow, submission *record.Submission) (string, error) {
	if tmpl := workflow.Delivery.SMSMessage; tmpl != "" {
		body := strings.ReplaceAll(tmpl, "{output_url}", job.OutputURL)
		body = strings.ReplaceAll(body, "{name}", LeadName(submission))
		body = strings.ReplaceAll(body, "{job_id}", job.ID)
		return truncateSMS(body), nil
	}

	if workflow.Delivery.SMSInstructions != "" && s.Client != nil {
		prompt := fmt.Sprintf("%s\n\nThe deliverable is at: %s\nRecipient name: %s\n\nWrite the SMS body only, at most %d characters.",
			workflow.Delivery.SMSInstructions, job.OutputURL, LeadName(submission), smsMaxLength)
		resp, err := s.Client.Call(ctx, &llm.Params{Model: smsBodyModel, Input: prompt})
		if err != nil {
			return "", fmt.Errorf("generate sms body: %w", err)
		}
		text := strings.TrimSpace(llm.ProcessResponse(nil, resp).Text)
		if text != "" {
			return truncateSMS(text), nil
		}
	}

	return truncateSMS(fmt.Sprintf("Your report is ready: %s", job.OutputURL)), nil
}

func truncateSMS(body string) string {
	runes := []rune(body)
	if len(runes) <= smsMaxLength {
		return body
	}
	return string(runes[:smsMaxLength])
}

// NormalizePhone converts a submitted phone number to +E.164: separators are
// stripped, and bare 10-digit numbers get the +1 country code.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	hasPlus := strings.HasPrefix(raw, "+")
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number := digits.String()
	if number == "" {
		return ""
	}

	if hasPlus {
		return "+" + number
	}
	switch {
	case len(number) == 10:
		return "+1" + number
	case len(number) == 11 && strings.HasPrefix(number, "1"):
		return "+" + number
	default:
		return "+" + number
	}
}
