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

// magnetd drives lead-magnet generation jobs: batch mode runs a whole job
// in one invocation, step mode runs one scheduling unit for an external
// scheduler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/magnet/internal/controller"
	"github.com/tombee/magnet/internal/log"
	"github.com/tombee/magnet/pkg/record"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "magnetd",
		Short:         "Lead-magnet generation worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(log.New(log.FromEnv()))
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	root.AddCommand(newRunCommand(&configPath))
	root.AddCommand(newStepCommand(&configPath))
	root.AddCommand(newSeedCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newRunCommand(configPath *string) *cobra.Command {
	var jobID, seedPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a job end to end (batch mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := buildRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if seedPath != "" {
				if err := seedRecords(ctx, rt.store, seedPath); err != nil {
					return err
				}
			}
			return rt.controller.Run(ctx, jobID)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job id to run")
	cmd.Flags().StringVar(&seedPath, "seed", "", "JSON seed file loaded before the run (local development)")
	cobra.CheckErr(cmd.MarkFlagRequired("job"))
	return cmd
}

func newStepCommand(configPath *string) *cobra.Command {
	var jobID, stepType string
	var stepIndex int

	cmd := &cobra.Command{
		Use:   "step",
		Short: "Run one scheduling unit of a job (single mode)",
		Long: "Runs exactly one unit of work for an external scheduler: the\n" +
			"form_submission initialization, one ai_generation or webhook step,\n" +
			"or the final_output assembly. Prints the compact outcome as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := buildRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			outcome, err := rt.controller.RunStep(ctx, controller.StepRequest{
				JobID:     jobID,
				StepIndex: stepIndex,
				StepType:  record.StepType(stepType),
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job id")
	cmd.Flags().IntVar(&stepIndex, "index", 0, "0-based workflow step index")
	cmd.Flags().StringVar(&stepType, "type", string(record.StepTypeAIGeneration),
		"Step type: form_submission, ai_generation, webhook, or final_output")
	cobra.CheckErr(cmd.MarkFlagRequired("job"))
	return cmd
}

func newSeedCommand(configPath *string) *cobra.Command {
	var seedPath string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load records from a JSON seed file into the record store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := buildRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			return seedRecords(ctx, rt.store, seedPath)
		},
	}
	cmd.Flags().StringVar(&seedPath, "file", "", "JSON seed file")
	cobra.CheckErr(cmd.MarkFlagRequired("file"))
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "magnetd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// seedFile is the local development staging format: read-only records plus
// pending jobs, keyed the same way the record store keys them.
type seedFile struct {
	Submissions []*record.Submission `json:"submissions,omitempty"`
	Forms       []*record.Form       `json:"forms,omitempty"`
	Workflows   []*record.Workflow   `json:"workflows,omitempty"`
	Templates   []*record.Template   `json:"templates,omitempty"`
	Jobs        []*record.Job        `json:"jobs,omitempty"`
}

func seedRecords(ctx context.Context, store record.Store, path string) error {
	seeder, ok := store.(record.Seeder)
	if !ok {
		return fmt.Errorf("record store does not support seeding")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for _, s := range seed.Submissions {
		if err := seeder.PutSubmission(ctx, s); err != nil {
			return fmt.Errorf("seed submission %s: %w", s.ID, err)
		}
	}
	for _, f := range seed.Forms {
		if err := seeder.PutForm(ctx, f); err != nil {
			return fmt.Errorf("seed form %s: %w", f.ID, err)
		}
	}
	for _, w := range seed.Workflows {
		if err := seeder.PutWorkflow(ctx, w); err != nil {
			return fmt.Errorf("seed workflow %s: %w", w.ID, err)
		}
	}
	for _, t := range seed.Templates {
		if err := seeder.PutTemplate(ctx, t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.ID, err)
		}
	}
	for _, j := range seed.Jobs {
		if j.Status == "" {
			j.Status = record.JobStatusPending
		}
		if err := store.PutJob(ctx, j); err != nil {
			return fmt.Errorf("seed job %s: %w", j.ID, err)
		}
	}
	slog.Info("seed loaded", "path", path,
		"submissions", len(seed.Submissions), "workflows", len(seed.Workflows), "jobs", len(seed.Jobs))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
