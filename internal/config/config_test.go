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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 25, cfg.Shell.MaxIterations)
	assert.Equal(t, 14*time.Minute, cfg.Shell.MaxDuration)
	assert.Equal(t, 4096, cfg.Shell.MaxCommandOutput)
	assert.Equal(t, 100, cfg.Browser.MaxIterations)
	assert.Equal(t, 15*time.Minute, cfg.Browser.MaxDuration)
}

func TestLoadLocalMode(t *testing.T) {
	t.Setenv("IS_LOCAL", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.IsLocal)
}

func TestLoadRequiresBucketOutsideLocal(t *testing.T) {
	t.Setenv("IS_LOCAL", "")
	t.Setenv("MAGNET_S3_BUCKET", "")
	t.Setenv("MAGNET_STORE_PATH", "")

	_, err := Load("")
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "magnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
is_local: true
shell:
  max_iterations: 10
  max_command_output: 1000
`), 0o600))

	t.Setenv("SHELL_MAX_COMMAND_OUTPUT", "2000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Shell.MaxIterations)
	assert.Equal(t, 2000, cfg.Shell.MaxCommandOutput)
}

func TestShellExecutorDerivedFromFunctionName(t *testing.T) {
	t.Setenv("IS_LOCAL", "true")
	t.Setenv("SHELL_EXECUTOR_URL", "")
	t.Setenv("SHELL_EXECUTOR_FUNCTION_NAME", "shell-exec-prod")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://shell-exec-prod.internal/invoke", cfg.Shell.ExecutorURL)
}

func TestCodeInterpreterMemoryLimit(t *testing.T) {
	t.Setenv("IS_LOCAL", "true")
	t.Setenv("CODE_INTERPRETER_MEMORY_LIMIT", "2048")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Shell.CodeInterpreterMemoryLimit)
}
