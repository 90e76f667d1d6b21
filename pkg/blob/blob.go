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

// Package blob provides object storage for artifact contents. Records hold
// metadata; the bytes live here, addressed by key.
package blob

import (
	"context"
	"io"
	"time"
)

// PutOptions carries optional metadata for a stored object.
type PutOptions struct {
	// ContentType is the MIME type served with the object.
	ContentType string

	// Metadata is attached as object metadata.
	Metadata map[string]string
}

// Store is the interface over blob storage. Keys are opaque paths such as
// "tenant-1/job-9/images/01J....png". Writes are write-once by convention.
type Store interface {
	// Put stores the object and returns its public URL.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error)

	// Get retrieves the object contents. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// PublicURL returns the URL an object at key would be served from,
	// without touching storage.
	PublicURL(key string) string

	// PresignPut returns a time-limited URL that authorizes an HTTP PUT of
	// the object, used to delegate uploads to the shell execution service.
	PresignPut(ctx context.Context, key string, contentType string, expiry time.Duration) (string, error)
}
