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

package record

// FindExecutionStep returns the execution step with the given order and
// type, or nil when the job has not recorded one.
func (j *Job) FindExecutionStep(stepOrder int, stepType StepType) *ExecutionStep {
	for i := range j.ExecutionSteps {
		if j.ExecutionSteps[i].StepOrder == stepOrder && j.ExecutionSteps[i].StepType == stepType {
			return &j.ExecutionSteps[i]
		}
	}
	return nil
}

// UpsertExecutionStep appends the step, or replaces an existing entry with
// the same (step_order, step_type) in place. Replacement preserves the
// insertion order of the other entries, which is what makes reruns
// idempotent over the step list.
func (j *Job) UpsertExecutionStep(step ExecutionStep) {
	for i := range j.ExecutionSteps {
		if j.ExecutionSteps[i].StepOrder == step.StepOrder && j.ExecutionSteps[i].StepType == step.StepType {
			j.ExecutionSteps[i] = step
			return
		}
	}
	j.ExecutionSteps = append(j.ExecutionSteps, step)
}

// CompletedStepIndexes returns the set of 0-indexed workflow step positions
// that have a successful ai_generation or webhook execution step recorded.
// Step order is 1-based in the workflow; index i corresponds to order i+1.
func (j *Job) CompletedStepIndexes() map[int]bool {
	done := make(map[int]bool)
	for _, es := range j.ExecutionSteps {
		if !es.Success {
			continue
		}
		if es.StepType != StepTypeAIGeneration && es.StepType != StepTypeWebhook {
			continue
		}
		if es.StepOrder >= 1 {
			done[es.StepOrder-1] = true
		}
	}
	return done
}

// FailedStepIndexes returns the set of 0-indexed step positions recorded as
// failed ai_generation or webhook steps.
func (j *Job) FailedStepIndexes() map[int]bool {
	failed := make(map[int]bool)
	for _, es := range j.ExecutionSteps {
		if es.Success {
			continue
		}
		if es.StepType != StepTypeAIGeneration && es.StepType != StepTypeWebhook {
			continue
		}
		if es.StepOrder >= 1 {
			failed[es.StepOrder-1] = true
		}
	}
	return failed
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// AddArtifactID appends an artifact reference, skipping duplicates.
func (j *Job) AddArtifactID(id string) {
	for _, existing := range j.ArtifactIDs {
		if existing == id {
			return
		}
	}
	j.ArtifactIDs = append(j.ArtifactIDs, id)
}
