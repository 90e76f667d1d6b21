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

package images

import (
	"context"
	"encoding/json"
	"strings"
)

// RescueBase64Assets rewrites a model output document that embeds base64
// images under a top-level "assets" list: each base64 asset is uploaded and
// its entry rewritten in place to reference the URL. Returns the rewritten
// document, the uploaded image URLs, and whether anything changed.
// Already-rescued documents (encoding "url") pass through untouched, which
// makes the rewrite idempotent.
func (p *Pipeline) RescueBase64Assets(ctx context.Context, doc, tenantID, jobID string) (string, []string, bool) {
	trimmed := strings.TrimSpace(doc)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, "assets") {
		return doc, nil, false
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return doc, nil, false
	}
	assets, ok := parsed["assets"].([]any)
	if !ok {
		return doc, nil, false
	}

	var urls []string
	changed := false
	for _, entry := range assets {
		asset, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		encoding, _ := asset["encoding"].(string)
		contentType, _ := asset["content_type"].(string)
		data, _ := asset["data"].(string)
		if encoding != "base64" || data == "" || !strings.HasPrefix(contentType, "image/") {
			continue
		}

		uploaded, err := p.UploadBase64(ctx, data, contentType, tenantID, jobID)
		if err != nil {
			p.Logger.Warn("failed to rescue base64 asset", "error", err)
			continue
		}

		asset["data"] = uploaded.PublicURL
		asset["encoding"] = "url"
		asset["original_data_encoding"] = "base64"
		urls = append(urls, uploaded.PublicURL)
		changed = true
	}

	if !changed {
		return doc, nil, false
	}
	rewritten, err := json.Marshal(parsed)
	if err != nil {
		return doc, nil, false
	}
	return string(rewritten), urls, true
}
