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

// Package config loads worker configuration from an optional YAML file with
// environment variable overrides. Environment always wins over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	magneterrors "github.com/tombee/magnet/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete worker configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Blob    BlobConfig    `yaml:"blob"`
	LLM     LLMConfig     `yaml:"llm"`
	Shell   ShellConfig   `yaml:"shell"`
	Browser BrowserConfig `yaml:"browser"`

	// IsLocal switches to local development collaborators: in-process
	// shell execution and in-memory stores when paths are unset.
	// Environment: IS_LOCAL
	IsLocal bool `yaml:"is_local"`
}

// StoreConfig configures the record store.
type StoreConfig struct {
	// Path is the sqlite database file. Empty with IsLocal uses memory.
	// Environment: MAGNET_STORE_PATH
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging.
	WAL bool `yaml:"wal"`
}

// BlobConfig configures the blob store.
type BlobConfig struct {
	// Bucket is the S3 bucket name. Environment: MAGNET_S3_BUCKET
	Bucket string `yaml:"bucket"`

	// Region is the AWS region. Environment: AWS_REGION
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	// Environment: MAGNET_S3_ENDPOINT
	Endpoint string `yaml:"endpoint"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// PublicBaseURL overrides derived public URLs (CDN fronting).
	// Environment: MAGNET_PUBLIC_BASE_URL
	PublicBaseURL string `yaml:"public_base_url"`

	UsePathStyle bool `yaml:"use_path_style"`
}

// LLMConfig configures model provider access.
type LLMConfig struct {
	// BaseURL is the provider API base. Environment: MAGNET_LLM_BASE_URL
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-call HTTP timeout. Long-running autonomous steps
	// stream, so this bounds silence, not total step time.
	Timeout time.Duration `yaml:"timeout"`

	// RetryAttempts is the transport-level retry count.
	RetryAttempts int `yaml:"retry_attempts"`
}

// ShellConfig configures the shell tool loop and its execution service.
type ShellConfig struct {
	// ExecutorURL is the sandboxed execution service endpoint.
	// Environment: SHELL_EXECUTOR_URL (or derived from
	// SHELL_EXECUTOR_FUNCTION_NAME in the hosted platform).
	ExecutorURL string `yaml:"executor_url"`

	// MaxIterations bounds shell tool turns per step.
	MaxIterations int `yaml:"max_iterations"`

	// MaxDuration bounds wall time of one shell loop.
	MaxDuration time.Duration `yaml:"max_duration"`

	// MaxCommandOutput caps captured output per command, in characters.
	// Overridable per step. Environment: SHELL_MAX_COMMAND_OUTPUT
	MaxCommandOutput int `yaml:"max_command_output"`

	// UploadBucket receives files the sandbox publishes.
	// Environment: SHELL_S3_UPLOAD_BUCKET
	UploadBucket string `yaml:"upload_bucket"`

	// UploadPrefix scopes sandbox uploads. Environment: SHELL_S3_UPLOAD_PREFIX
	UploadPrefix string `yaml:"upload_prefix"`

	// CodeInterpreterMemoryLimit is passed through to the execution
	// service, in megabytes. Environment: CODE_INTERPRETER_MEMORY_LIMIT
	CodeInterpreterMemoryLimit int `yaml:"code_interpreter_memory_limit"`
}

// BrowserConfig configures the computer-use loop.
type BrowserConfig struct {
	// MaxIterations bounds computer tool turns per step.
	MaxIterations int `yaml:"max_iterations"`

	// MaxDuration bounds wall time of one computer-use loop.
	MaxDuration time.Duration `yaml:"max_duration"`

	// ViewportWidth and ViewportHeight set the emulated display.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{WAL: true},
		Blob:  BlobConfig{Region: "us-east-1"},
		LLM: LLMConfig{
			BaseURL:       "https://api.openai.com/v1",
			Timeout:       10 * time.Minute,
			RetryAttempts: 3,
		},
		Shell: ShellConfig{
			MaxIterations:    25,
			MaxDuration:      14 * time.Minute,
			MaxCommandOutput: 4096,
		},
		Browser: BrowserConfig{
			MaxIterations:  100,
			MaxDuration:    15 * time.Minute,
			ViewportWidth:  1280,
			ViewportHeight: 800,
		},
	}
}

// Load reads the config file at path (when non-empty), then applies
// environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &magneterrors.ConfigError{Key: path, Reason: "invalid yaml", Cause: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("IS_LOCAL"); v != "" {
		c.IsLocal = isTruthy(v)
	}
	if v := os.Getenv("MAGNET_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("MAGNET_S3_BUCKET"); v != "" {
		c.Blob.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Blob.Region = v
	}
	if v := os.Getenv("MAGNET_S3_ENDPOINT"); v != "" {
		c.Blob.Endpoint = v
	}
	if v := os.Getenv("MAGNET_PUBLIC_BASE_URL"); v != "" {
		c.Blob.PublicBaseURL = v
	}
	if v := os.Getenv("MAGNET_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("SHELL_EXECUTOR_URL"); v != "" {
		c.Shell.ExecutorURL = v
	} else if name := os.Getenv("SHELL_EXECUTOR_FUNCTION_NAME"); name != "" && c.Shell.ExecutorURL == "" {
		// Hosted platform convention: functions are reachable by name.
		c.Shell.ExecutorURL = fmt.Sprintf("https://%s.internal/invoke", name)
	}
	if v := os.Getenv("SHELL_MAX_COMMAND_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Shell.MaxCommandOutput = n
		}
	}
	if v := os.Getenv("SHELL_S3_UPLOAD_BUCKET"); v != "" {
		c.Shell.UploadBucket = v
	}
	if v := os.Getenv("SHELL_S3_UPLOAD_PREFIX"); v != "" {
		c.Shell.UploadPrefix = v
	}
	if v := os.Getenv("CODE_INTERPRETER_MEMORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Shell.CodeInterpreterMemoryLimit = n
		}
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if !c.IsLocal {
		if c.Blob.Bucket == "" {
			return &magneterrors.ConfigError{Key: "MAGNET_S3_BUCKET", Reason: "bucket is required outside local mode"}
		}
		if c.Store.Path == "" {
			return &magneterrors.ConfigError{Key: "MAGNET_STORE_PATH", Reason: "store path is required outside local mode"}
		}
		if c.Shell.ExecutorURL == "" {
			return &magneterrors.ConfigError{Key: "SHELL_EXECUTOR_URL", Reason: "shell executor endpoint is required outside local mode"}
		}
	}
	if c.Shell.MaxIterations <= 0 {
		return &magneterrors.ConfigError{Key: "shell.max_iterations", Reason: "must be positive"}
	}
	if c.Browser.MaxIterations <= 0 {
		return &magneterrors.ConfigError{Key: "browser.max_iterations", Reason: "must be positive"}
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
