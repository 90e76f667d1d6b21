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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tombee/magnet/pkg/errors"
	"github.com/tombee/magnet/pkg/httpclient"
)

// downloadBackoffs are the waits before each retry.
var downloadBackoffs = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// maxAccumulatedBytes aborts a download mid-stream at 120% of the size
// limit; validation rejects precisely afterwards.
const maxAccumulatedBytes = MaxImageBytes * 12 / 10

type cachedImage struct {
	data []byte
	mime string
}

// Downloader fetches and prepares remote images, memoizing results in a
// process-local expirable cache keyed by URL hash.
type Downloader struct {
	client *http.Client
	cache  *lru.LRU[string, cachedImage]
	logger *slog.Logger
}

// NewDownloader creates a downloader with a 256-entry, 1-hour cache.
func NewDownloader(logger *slog.Logger) (*Downloader, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 60 * time.Second
	cfg.UserAgent = "magnet-images/1.0"
	// Backoff schedule is owned here, not by the transport.
	cfg.RetryAttempts = 0

	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Downloader{
		client: client,
		cache:  lru.NewLRU[string, cachedImage](256, nil, time.Hour),
		logger: logger,
	}, nil
}

// Download fetches an image URL with exponential backoff, validates its size
// and format, and optimizes it. Results are cached.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	key := cacheKey(url)
	if hit, ok := d.cache.Get(key); ok {
		return hit.data, hit.mime, nil
	}

	data, err := d.fetch(ctx, url)
	if err != nil {
		return nil, "", err
	}

	if err := ValidateSize(data, d.logger); err != nil {
		return nil, "", &errors.ImageError{URL: url, Message: "image too large", Cause: err}
	}
	mime, err := ValidateFormat(data)
	if err != nil {
		return nil, "", &errors.ImageError{URL: url, Message: "unrecognized image data", Cause: err}
	}

	optimized, optimizedMime := Optimize(data, mime, d.logger)
	d.cache.Add(key, cachedImage{data: optimized, mime: optimizedMime})
	return optimized, optimizedMime, nil
}

// fetch retries on timeout and 5xx with 1s, 2s, 4s backoff. 4xx fails
// immediately.
func (d *Downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= len(downloadBackoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(downloadBackoffs[attempt-1]):
			}
		}

		data, retryable, err := d.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		d.logger.Debug("retrying image download", "url", url, "attempt", attempt+1, "error", err)
	}
	return nil, &errors.ImageError{URL: url, Message: "download failed after retries", Cause: lastErr}
}

func (d *Downloader) fetchOnce(ctx context.Context, url string) (data []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Transport errors (timeouts included) are retryable.
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, true, fmt.Errorf("server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, &errors.ImageError{URL: url, Message: fmt.Sprintf("download rejected with status %d", resp.StatusCode)}
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxAccumulatedBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxAccumulatedBytes {
		return nil, false, &errors.ImageError{URL: url, Message: "download aborted, image exceeds size limit"}
	}
	return data, false, nil
}

// DataURL downloads a URL and returns it as an inline data: URL, used to
// rescue URLs the provider cannot fetch itself.
func (d *Downloader) DataURL(ctx context.Context, url string) (string, error) {
	data, mime, err := d.Download(ctx, url)
	if err != nil {
		return "", err
	}
	return EncodeDataURL(data, mime), nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
