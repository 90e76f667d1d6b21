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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/tombee/magnet/pkg/blob"
	"github.com/tombee/magnet/pkg/errors"
)

// Pipeline binds the download, validation, and upload paths to a blob store.
type Pipeline struct {
	Blob       blob.Store
	Downloader *Downloader
	Logger     *slog.Logger
}

// NewPipeline creates a pipeline over the given blob store.
func NewPipeline(store blob.Store, logger *slog.Logger) (*Pipeline, error) {
	downloader, err := NewDownloader(logger)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Blob: store, Downloader: downloader, Logger: logger}, nil
}

// Uploaded describes one stored image.
type Uploaded struct {
	Key       string
	PublicURL string
	MimeType  string
	SizeBytes int64
}

// UploadBase64 decodes, validates, and stores a base64 image under
// images/<ulid>.<ext>, returning its public URL.
func (p *Pipeline) UploadBase64(ctx context.Context, b64, mime, tenantID, jobID string) (*Uploaded, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, &errors.ImageError{Message: "invalid base64 image payload", Cause: err}
	}
	if err := ValidateSize(data, p.Logger); err != nil {
		return nil, err
	}

	detected := DetectFormat(data)
	if detected != "" {
		mime = detected
	}
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		return nil, &errors.ImageError{Message: "base64 payload is not an image"}
	}

	key := fmt.Sprintf("images/%s.%s", ulid.Make().String(), ExtensionFor(mime))
	url, err := p.Blob.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: mime,
		Metadata:    map[string]string{"tenant_id": tenantID, "job_id": jobID},
	})
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	return &Uploaded{Key: key, PublicURL: url, MimeType: mime, SizeBytes: int64(len(data))}, nil
}

// UploadBytes stores already-decoded image bytes the same way.
func (p *Pipeline) UploadBytes(ctx context.Context, data []byte, mime, tenantID, jobID string) (*Uploaded, error) {
	return p.UploadBase64(ctx, base64.StdEncoding.EncodeToString(data), mime, tenantID, jobID)
}

// Prepare cleans, deduplicates, and partitions previous image URLs for model
// input: problematic URLs are downloaded and re-offered inline.
func (p *Pipeline) Prepare(ctx context.Context, urls []string) []string {
	var out []string
	for _, url := range Deduplicate(urls) {
		if !IsProblematic(url) {
			out = append(out, url)
			continue
		}
		dataURL, err := p.Downloader.DataURL(ctx, url)
		if err != nil {
			p.Logger.Warn("dropping image the provider cannot fetch", "url", url, "error", err)
			continue
		}
		out = append(out, dataURL)
	}
	return out
}
