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

// Package browser drives the computer-use control loop against a browser
// sandbox.
package browser

import (
	"context"

	"github.com/tombee/magnet/pkg/llm"
)

// Sandbox is the browser the computer-use loop controls.
type Sandbox interface {
	// Initialize starts the browser with the given viewport.
	Initialize(ctx context.Context, width, height int) error

	// Execute performs one GUI action. Screenshot and wait actions are
	// no-ops here; the loop captures screenshots and owns pacing.
	Execute(ctx context.Context, action llm.ComputerAction) error

	// CaptureScreenshot returns the current viewport as encoded image bytes.
	CaptureScreenshot(ctx context.Context) ([]byte, error)

	// CurrentURL reports the page the browser is on.
	CurrentURL(ctx context.Context) (string, error)

	// Cleanup releases the browser. Safe to call more than once.
	Cleanup()
}
