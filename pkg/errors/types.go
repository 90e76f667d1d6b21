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

// Package errors defines the typed errors used across the magnet worker and
// the error-kind taxonomy surfaced on failed jobs.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents input validation failures.
// Use this for malformed workflow definitions, missing referenced records,
// or unsatisfied step dependencies.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a job references a record (workflow, submission, template)
// that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "submission", "template")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents LLM provider failures.
// Use this for errors originating from the model provider's API.
type ProviderError struct {
	// Provider is the name of the LLM provider (e.g., "openai")
	Provider string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Code is the provider-specific error code string
	Code string

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for missing environment settings or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "SHELL_EXECUTOR_FUNCTION_NAME")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "LLM request", "webhook delivery")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// BudgetError represents exhaustion of a multi-turn loop budget
// (iteration count or wall clock) or a detected action loop.
type BudgetError struct {
	// Loop identifies which loop stopped ("shell", "computer")
	Loop string

	// Reason is the terminal reason ("max_iterations", "max_duration", "loop_detected")
	Reason string

	// Iterations is the number of iterations completed before stopping
	Iterations int

	// Elapsed is the wall-clock time spent in the loop
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s loop stopped (%s) after %d iterations in %v",
		e.Loop, e.Reason, e.Iterations, e.Elapsed)
}

// ImageError represents a persistent failure in the image pipeline
// (fetch, decode, or optimize).
type ImageError struct {
	// URL is the image URL that failed, if any
	URL string

	// Message describes the failure
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ImageError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("image pipeline error for %s: %s", e.URL, e.Message)
	}
	return fmt.Sprintf("image pipeline error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ImageError) Unwrap() error {
	return e.Cause
}
