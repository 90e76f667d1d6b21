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

package llm

import "strings"

// ModelPricing holds per-million-token USD rates.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// pricingTable maps model name prefixes to published rates. Longest prefix
// wins; unknown models cost zero rather than guessing.
var pricingTable = map[string]ModelPricing{
	"gpt-5-nano":           {InputPerMillion: 0.05, OutputPerMillion: 0.40},
	"gpt-5-mini":           {InputPerMillion: 0.25, OutputPerMillion: 2.00},
	"gpt-5":                {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gpt-4.1-mini":         {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"gpt-4.1":              {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4o-mini":          {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4o":               {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"o3-deep-research":     {InputPerMillion: 10.00, OutputPerMillion: 40.00},
	"o3":                   {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"o4-mini":              {InputPerMillion: 1.10, OutputPerMillion: 4.40},
	"computer-use-preview": {InputPerMillion: 3.00, OutputPerMillion: 12.00},
	"gpt-image":            {InputPerMillion: 5.00, OutputPerMillion: 40.00},
}

// CalculateCost returns the USD cost of a call: known per-model rates
// multiplied by token counts. Unknown models return zero.
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := lookupPricing(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*pricing.InputPerMillion +
		float64(outputTokens)/1_000_000*pricing.OutputPerMillion
}

func lookupPricing(model string) (ModelPricing, bool) {
	var (
		best    ModelPricing
		bestLen int
		found   bool
	)
	for prefix, pricing := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = pricing
			bestLen = len(prefix)
			found = true
		}
	}
	return best, found
}
