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

package errors

import (
	stderrors "errors"
	"net/http"
	"strings"
)

// Kind is the error category surfaced on a failed job. These are the only
// categories written to job.error_type.
type Kind string

const (
	// KindValidation indicates a missing resource, malformed step, or
	// unsatisfied dependency.
	KindValidation Kind = "validation"

	// KindAuthentication indicates credential retrieval failed or the
	// provider rejected the credentials.
	KindAuthentication Kind = "authentication"

	// KindRateLimit indicates provider-imposed throttling.
	KindRateLimit Kind = "rate_limit"

	// KindToolChoiceConfig indicates tool_choice="required" with an empty
	// tool list survived the heal path.
	KindToolChoiceConfig Kind = "tool_choice_config"

	// KindModelNotFound indicates an unknown model name for the provider.
	KindModelNotFound Kind = "model_not_found"

	// KindTimeout indicates a per-call or loop-budget timeout.
	KindTimeout Kind = "timeout"

	// KindConnection indicates a transport failure.
	KindConnection Kind = "connection"

	// KindImagePipeline indicates a persistent failure to fetch, decode, or
	// optimize images.
	KindImagePipeline Kind = "image_pipeline"

	// KindShellBudget indicates the shell loop exhausted its iteration or
	// wall-clock budget.
	KindShellBudget Kind = "shell_budget"

	// KindComputerLoop indicates a detected action loop or budget exhaustion
	// in the computer-use loop.
	KindComputerLoop Kind = "computer_loop"

	// KindUnknown is the catch-all category.
	KindUnknown Kind = "unknown"
)

// Classify maps any error to its job-level Kind. Typed errors classify by
// type; provider errors additionally classify by status code and message
// substrings since the provider reports many conditions only as text.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var budgetErr *BudgetError
	if stderrors.As(err, &budgetErr) {
		switch budgetErr.Loop {
		case "shell":
			return KindShellBudget
		case "computer":
			return KindComputerLoop
		}
		return KindTimeout
	}

	var imageErr *ImageError
	if stderrors.As(err, &imageErr) {
		return KindImagePipeline
	}

	var validationErr *ValidationError
	if stderrors.As(err, &validationErr) {
		return KindValidation
	}

	var notFoundErr *NotFoundError
	if stderrors.As(err, &notFoundErr) {
		return KindValidation
	}

	var timeoutErr *TimeoutError
	if stderrors.As(err, &timeoutErr) {
		return KindTimeout
	}

	var providerErr *ProviderError
	if stderrors.As(err, &providerErr) {
		return classifyProvider(providerErr)
	}

	var configErr *ConfigError
	if stderrors.As(err, &configErr) {
		if strings.Contains(strings.ToLower(configErr.Reason), "credential") ||
			strings.Contains(strings.ToLower(configErr.Reason), "secret") {
			return KindAuthentication
		}
		return KindValidation
	}

	return classifyMessage(err.Error())
}

// classifyProvider maps a ProviderError to a Kind using status code first,
// then error code, then message text.
func classifyProvider(e *ProviderError) Kind {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthentication
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusNotFound:
		if strings.Contains(strings.ToLower(e.Message), "model") {
			return KindModelNotFound
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	}

	switch e.Code {
	case "invalid_api_key", "authentication_error":
		return KindAuthentication
	case "rate_limit_exceeded", "rate_limit_error":
		return KindRateLimit
	case "model_not_found":
		return KindModelNotFound
	}

	return classifyMessage(e.Message)
}

// classifyMessage is the text-matching fallback for untyped errors and
// provider messages that carry no structured code.
func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "tool choice") && strings.Contains(lower, "tools"):
		return KindToolChoiceConfig
	case strings.Contains(lower, "api key") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "authentication"):
		return KindAuthentication
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota"):
		return KindRateLimit
	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") ||
		strings.Contains(lower, "does not exist") || strings.Contains(lower, "unknown")):
		return KindModelNotFound
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(lower, "connection") || strings.Contains(lower, "connect:") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "reset by peer") ||
		strings.Contains(lower, "no such host"):
		return KindConnection
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether an error is transient enough that the same
// call may succeed on retry. Used by the provider retry wrapper.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindRateLimit, KindTimeout, KindConnection:
		return true
	}

	var providerErr *ProviderError
	if stderrors.As(err, &providerErr) {
		return providerErr.StatusCode >= 500
	}
	return false
}
