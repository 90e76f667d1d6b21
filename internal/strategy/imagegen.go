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

package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/tombee/magnet/internal/tools"
	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// runImageGeneration calls the provider's image API instead of its responses
// API. The tool spec carries the model and the generation knobs.
func (d *Dispatcher) runImageGeneration(ctx context.Context, req Request) (*Result, error) {
	spec := imageToolSpec(req.Tools)
	if spec == nil {
		return nil, errStrategy(KindImageGeneration, fmt.Errorf("no image_generation tool in step"))
	}

	model, _ := spec["model"].(string)
	if model == "" {
		model = llm.DefaultImageModel
	}

	genReq := llm.ImageGenRequest{
		Model:  model,
		Prompt: imagePrompt(d.ImagePromptPrefix, req),
	}
	if size, ok := spec["size"].(string); ok && size != "auto" {
		genReq.Size = size
	}
	if quality, ok := spec["quality"].(string); ok && quality != "auto" {
		genReq.Quality = quality
	}
	if background, ok := spec["background"].(string); ok && background != "auto" {
		genReq.Background = background
	}
	if n, ok := record.ToInt(spec["n"]); ok && n > 0 {
		genReq.N = n
	}

	result, err := d.Client.GenerateImages(ctx, genReq)
	if err != nil {
		return nil, errStrategy(KindImageGeneration, err)
	}

	usage := record.Usage{
		Model:        model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      llm.CalculateCost(model, result.InputTokens, result.OutputTokens),
	}
	return &Result{
		Text:          fmt.Sprintf("Generated %d image(s) with %s.", len(result.Images), model),
		Images:        result.Images,
		Usage:         usage,
		UsageByCall:   []record.Usage{usage},
		ProviderCalls: 1,
	}, nil
}

func imageToolSpec(stepTools []map[string]any) map[string]any {
	for _, tool := range stepTools {
		if tools.Type(tool) == tools.TypeImageGeneration {
			return tool
		}
	}
	return nil
}

func imagePrompt(prefix string, req Request) string {
	var parts []string
	if strings.TrimSpace(prefix) != "" {
		parts = append(parts, prefix)
	}
	if strings.TrimSpace(req.Step.Instructions) != "" {
		parts = append(parts, req.Step.Instructions)
	}
	if strings.TrimSpace(req.InputText) != "" {
		parts = append(parts, req.InputText)
	}
	return strings.Join(parts, "\n\n")
}
