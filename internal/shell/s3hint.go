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

package shell

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/magnet/pkg/blob"
)

var (
	bucketPhrasePattern = regexp.MustCompile("(?i)upload\\b.*?\\bto\\b.*?\\bbucket\\s+[`\"']?([a-z0-9][a-z0-9.-]{1,61}[a-z0-9])[`\"']?")
	s3URIPattern        = regexp.MustCompile(`s3://([a-z0-9][a-z0-9.-]{1,61}[a-z0-9])(?:/([^\s\x60"']*))?`)
)

// UploadHint is the delegated S3 upload convention injected into a shell
// step's context when the instructions ask for an upload and an earlier
// step produced an artifact.
type UploadHint struct {
	Bucket        string
	Key           string
	SourceURL     string
	DestPutURL    string
	DestObjectURL string
}

// HintConfig controls the delegated upload convention.
type HintConfig struct {
	// AllowedBuckets is the destination allow-list. Empty disables the
	// convention entirely.
	AllowedBuckets []string

	// KeyPrefix scopes destination keys.
	KeyPrefix string

	// PutExpiry bounds the presigned PUT URL.
	PutExpiry time.Duration
}

// HintConfigFromEnv reads the convention's environment configuration.
func HintConfigFromEnv() HintConfig {
	cfg := HintConfig{PutExpiry: 15 * time.Minute}
	if raw := os.Getenv("SHELL_S3_UPLOAD_ALLOWED_BUCKETS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.AllowedBuckets = append(cfg.AllowedBuckets, b)
			}
		}
	}
	cfg.KeyPrefix = os.Getenv("SHELL_S3_UPLOAD_KEY_PREFIX")
	if raw := os.Getenv("SHELL_S3_UPLOAD_PUT_EXPIRES_IN"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			cfg.PutExpiry = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// DetectUploadTarget extracts the requested destination bucket and optional
// key from step instructions, or empty when no upload phrasing matches.
func DetectUploadTarget(instructions string) (bucket, key string) {
	if m := s3URIPattern.FindStringSubmatch(instructions); m != nil {
		return m[1], m[2]
	}
	if m := bucketPhrasePattern.FindStringSubmatch(instructions); m != nil {
		return m[1], ""
	}
	return "", ""
}

// BuildUploadHint validates the destination and mints the delegated PUT URL.
// Returns nil when the bucket is not allow-listed or the key is unsafe.
func BuildUploadHint(ctx context.Context, store blob.Store, cfg HintConfig, bucket, key, sourceURL, artifactName string) (*UploadHint, error) {
	if !bucketAllowed(cfg.AllowedBuckets, bucket) {
		return nil, fmt.Errorf("bucket %q is not on the upload allow-list", bucket)
	}

	if key == "" {
		key = artifactName
	}
	key = sanitizeKey(key)
	if key == "" {
		return nil, fmt.Errorf("destination key is empty after sanitization")
	}
	if cfg.KeyPrefix != "" {
		key = path.Join(cfg.KeyPrefix, key)
	}

	putURL, err := store.PresignPut(ctx, key, "", cfg.PutExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	return &UploadHint{
		Bucket:        bucket,
		Key:           key,
		SourceURL:     sourceURL,
		DestPutURL:    putURL,
		DestObjectURL: store.PublicURL(key),
	}, nil
}

// ContextBlock renders the hint as the structured block injected into the
// step's context, with a worked shell example.
func (h *UploadHint) ContextBlock() string {
	return fmt.Sprintf(`=== S3 Upload Convention ===
SOURCE_ARTIFACT_URL=%s
DEST_PUT_URL=%s
DEST_OBJECT_URL=%s

To copy the source artifact to the destination, run:
  curl -fsSL "$SOURCE_ARTIFACT_URL" -o /tmp/upload.bin
  curl -fsSL -X PUT --upload-file /tmp/upload.bin "$DEST_PUT_URL"

The object will then be available at DEST_OBJECT_URL.`,
		h.SourceURL, h.DestPutURL, h.DestObjectURL)
}

func bucketAllowed(allowed []string, bucket string) bool {
	for _, b := range allowed {
		if b == bucket {
			return true
		}
	}
	return false
}

// sanitizeKey rejects traversal and collapses the key to a clean relative
// path.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return ""
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	return cleaned
}
