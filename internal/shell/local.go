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

package shell

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// LocalExecutor runs commands in per-workspace directories on the local
// machine. Development only, gated by IS_LOCAL; it provides no isolation.
type LocalExecutor struct {
	// Root holds workspace directories.
	Root string
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates a local executor rooted under dir (or the system
// temp directory when empty).
func NewLocalExecutor(dir string) *LocalExecutor {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "magnet-workspaces")
	}
	return &LocalExecutor{Root: dir}
}

// Execute runs each command via /bin/sh in the workspace directory.
func (e *LocalExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecResponse, error) {
	dir := filepath.Join(e.Root, filepath.Base(req.WorkspaceID))
	if req.Reset {
		if err := os.RemoveAll(dir); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	out := &ExecResponse{}
	for _, command := range req.Commands {
		out.Results = append(out.Results, e.runOne(ctx, dir, command, timeout, req))
	}
	return out, nil
}

func (e *LocalExecutor) runOne(ctx context.Context, dir, command string, timeout time.Duration, req ExecRequest) CommandResult {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{Command: command}
	result.Stdout, result.Truncated = Truncate(stdout.String(), req.MaxOutputLength)
	var stderrTruncated bool
	result.Stderr, stderrTruncated = Truncate(stderr.String(), req.MaxOutputLength)
	result.Truncated = result.Truncated || stderrTruncated

	if cmdCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		result.ExitCode = -1
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
	}
	return result
}
