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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tombee/magnet/internal/artifacts"
	"github.com/tombee/magnet/internal/browser"
	"github.com/tombee/magnet/internal/config"
	"github.com/tombee/magnet/internal/controller"
	"github.com/tombee/magnet/internal/delivery"
	"github.com/tombee/magnet/internal/executor"
	"github.com/tombee/magnet/internal/images"
	"github.com/tombee/magnet/internal/shell"
	"github.com/tombee/magnet/internal/strategy"
	"github.com/tombee/magnet/pkg/blob"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
	"github.com/tombee/magnet/pkg/secrets"
)

// runtime is the wired object graph for one invocation.
type runtime struct {
	store      record.Store
	controller *controller.Controller

	closers []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// buildRuntime wires stores, the provider client, strategies, and the
// controller from configuration. Local mode swaps in in-process
// collaborators so a laptop run needs no cloud resources.
func buildRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	rt := &runtime{}

	store, err := openStore(cfg, rt)
	if err != nil {
		return nil, err
	}
	rt.store = store

	blobStore, err := openBlob(ctx, cfg)
	if err != nil {
		return nil, err
	}

	secretProvider := secrets.EnvProvider{}
	apiKey, err := secretProvider.Get(ctx, secrets.NameOpenAIAPIKey)
	if err != nil {
		return nil, fmt.Errorf("resolve provider credentials: %w", err)
	}

	pipeline, err := images.NewPipeline(blobStore, logger)
	if err != nil {
		return nil, err
	}

	client, err := llm.NewClient(llm.ClientConfig{
		APIKey:       apiKey,
		BaseURL:      cfg.LLM.BaseURL,
		Timeout:      cfg.LLM.Timeout,
		Logger:       logger,
		ImageFetcher: pipeline.Downloader.DataURL,
	})
	if err != nil {
		return nil, err
	}

	shellExecutor, err := openShellExecutor(cfg)
	if err != nil {
		return nil, err
	}

	dispatcher := &strategy.Dispatcher{
		Client:        client,
		ShellExecutor: shellExecutor,
		ShellConfig: shell.LoopConfig{
			MaxIterations:    cfg.Shell.MaxIterations,
			MaxDuration:      cfg.Shell.MaxDuration,
			MaxCommandOutput: cfg.Shell.MaxCommandOutput,
		},
		BrowserConfig: browser.LoopConfig{
			MaxIterations: cfg.Browser.MaxIterations,
			MaxDuration:   cfg.Browser.MaxDuration,
		},
		NewSandbox: func() browser.Sandbox { return browser.NewChromeSandbox() },
		Logger:     logger,
	}

	artifactService := artifacts.NewService(blobStore, store, logger)

	stepExecutor := &executor.Executor{
		Store:                   store,
		Dispatcher:              dispatcher,
		Artifacts:               artifactService,
		Images:                  pipeline,
		Secrets:                 secretProvider,
		ShellConfigured:         shellExecutor != nil,
		ShellUploads:            shell.HintConfigFromEnv(),
		CodeInterpreterMemoryGB: memoryLimitGB(cfg.Shell.CodeInterpreterMemoryLimit),
		Logger:                  logger,
	}

	rt.controller = &controller.Controller{
		Store:     store,
		Executor:  stepExecutor,
		Artifacts: artifactService,
		Delivery: &delivery.Service{
			Store:   store,
			Blob:    blobStore,
			Secrets: secretProvider,
			Client:  client,
			Logger:  logger,
		},
		Client: client,
		Logger: logger,
	}
	return rt, nil
}

func openStore(cfg *config.Config, rt *runtime) (record.Store, error) {
	if cfg.Store.Path == "" {
		if !cfg.IsLocal {
			return nil, fmt.Errorf("store path is required outside local mode")
		}
		return record.NewMemoryStore(), nil
	}
	store, err := record.NewSQLiteStore(record.SQLiteConfig{
		Path: cfg.Store.Path,
		WAL:  cfg.Store.WAL,
	})
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	rt.closers = append(rt.closers, store.Close)
	return store, nil
}

func openBlob(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.Blob.Bucket == "" {
		if !cfg.IsLocal {
			return nil, fmt.Errorf("blob bucket is required outside local mode")
		}
		return blob.NewMemoryStore(), nil
	}
	store, err := blob.NewS3Store(ctx, blob.S3Config{
		Bucket:        cfg.Blob.Bucket,
		Region:        cfg.Blob.Region,
		Endpoint:      cfg.Blob.Endpoint,
		Prefix:        cfg.Blob.Prefix,
		UsePathStyle:  cfg.Blob.UsePathStyle,
		PublicBaseURL: cfg.Blob.PublicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return store, nil
}

func openShellExecutor(cfg *config.Config) (shell.Executor, error) {
	if cfg.Shell.ExecutorURL != "" {
		return shell.NewHTTPExecutor(cfg.Shell.ExecutorURL, cfg.Shell.MaxDuration)
	}
	if cfg.IsLocal {
		dir := filepath.Join(os.TempDir(), "magnet-shell")
		return shell.NewLocalExecutor(dir), nil
	}
	// No executor means the shell tool is filtered out during validation.
	return nil, nil
}

// memoryLimitGB converts the megabyte-denominated platform limit to the
// whole-gigabyte knob the interpreter tool takes.
func memoryLimitGB(limitMB int) int {
	if limitMB <= 0 {
		return 0
	}
	gb := limitMB / 1024
	if gb < 1 {
		return 1
	}
	return gb
}
