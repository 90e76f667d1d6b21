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

// Package images makes image content round-trippable between model outputs
// and model inputs: URL hygiene, download with retry, validation,
// optimization, base64 rescue, and screenshot annotation.
package images

import (
	"net/url"
	"strings"
)

// CleanURL strips trailing punctuation that commonly adheres to URLs in
// prose. Idempotent.
func CleanURL(s string) string {
	s = strings.TrimSpace(s)
	for len(s) > 0 {
		switch s[len(s)-1] {
		case ')', '.', ',', ';', '!', '?':
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}

// Deduplicate keeps the first occurrence of each canonicalized URL.
// Canonicalization is scheme+host+path; the querystring is ignored only when
// the path already names an asset (has a file extension).
func Deduplicate(urls []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range urls {
		cleaned := CleanURL(raw)
		if cleaned == "" {
			continue
		}
		key := canonicalKey(cleaned)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cleaned)
	}
	return out
}

func canonicalKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	key := u.Scheme + "://" + strings.ToLower(u.Host) + u.Path
	if !pathNamesAsset(u.Path) && u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

func pathNamesAsset(path string) bool {
	idx := strings.LastIndex(path, "/")
	last := path[idx+1:]
	dot := strings.LastIndex(last, ".")
	return dot > 0 && dot < len(last)-1
}

// problematicHosts reject cross-origin fetches from the provider or serve
// short-lived signed URLs. These are fetched by us and re-offered inline.
var problematicHosts = []string{
	"oaiusercontent.com",
	"openai.com",
	"blob.core.windows.net",
	"googleusercontent.com",
	"fbcdn.net",
	"licdn.com",
	"cdninstagram.com",
}

// problematicParams mark short-lived signed or auth-token URLs.
var problematicParams = []string{
	"x-amz-signature",
	"x-goog-signature",
	"sig",
	"se",
	"token",
}

// IsProblematic reports whether the provider is likely to fail downloading
// the URL itself.
func IsProblematic(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, bad := range problematicHosts {
		if host == bad || strings.HasSuffix(host, "."+bad) {
			return true
		}
	}
	for key := range u.Query() {
		lower := strings.ToLower(key)
		for _, param := range problematicParams {
			if lower == param {
				return true
			}
		}
	}
	return false
}
