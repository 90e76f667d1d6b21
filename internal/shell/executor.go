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

// Package shell runs the multi-turn shell tool loop: the model requests
// commands, a sandboxed execution service runs them, and the results are
// fed back until the model emits final text or a budget is exhausted.
package shell

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ExecRequest asks the execution service to run commands in a workspace.
type ExecRequest struct {
	WorkspaceID string   `json:"workspace_id"`
	Commands    []string `json:"commands"`

	// TimeoutMS bounds each command.
	TimeoutMS int `json:"timeout_ms,omitempty"`

	// MaxOutputLength caps captured output per command, in characters.
	MaxOutputLength int `json:"max_output_length,omitempty"`

	// Env is injected into the sandbox environment.
	Env map[string]string `json:"env,omitempty"`

	// Reset recreates the workspace before running. Set on the first
	// iteration of a step; retries preserve state.
	Reset bool `json:"reset,omitempty"`
}

// CommandResult is one executed command's captured output.
type CommandResult struct {
	Command   string `json:"command"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}

// ExecResponse is the execution service's reply.
type ExecResponse struct {
	Results []CommandResult `json:"results"`
}

// Executor is the sandboxed shell execution service.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecResponse, error)
}

// WorkspaceID derives a deterministic sandbox workspace id from the step's
// identity. The fixed "w_" sentinel plus 32 hex chars keeps reruns on the
// same directory and leaves no room for path traversal.
func WorkspaceID(tenantID, jobID string, stepIndex int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d", tenantID, jobID, stepIndex))
	return "w_" + hex.EncodeToString(sum[:])[:32]
}

// Truncate caps a command output at limit characters, keeping the head.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	return s[:limit], true
}
