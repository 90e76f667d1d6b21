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

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tombee/magnet/pkg/errors"
)

// MemoryStore is an in-memory blob store for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// BaseURL is prepended to keys to form public URLs.
	BaseURL string
}

type memoryObject struct {
	data        []byte
	contentType string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		BaseURL: "https://blobs.local",
	}
}

// Put stores the object and returns its public URL.
func (m *MemoryStore) Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error) {
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read blob %s: %w", key, err)
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: raw, contentType: opts.ContentType}
	m.mu.Unlock()
	return m.PublicURL(key), nil
}

// Get retrieves the object contents.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "blob", ID: key}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Exists reports whether an object is stored under key.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

// PublicURL returns the URL the object would be served from.
func (m *MemoryStore) PublicURL(key string) string {
	return strings.TrimRight(m.BaseURL, "/") + "/" + strings.TrimLeft(key, "/")
}

// PresignPut returns a fake upload URL. Writes through it are not supported;
// tests exercising the delegated upload convention use the URL shape only.
func (m *MemoryStore) PresignPut(ctx context.Context, key string, contentType string, expiry time.Duration) (string, error) {
	return m.PublicURL(key) + "?presigned=1", nil
}

// ContentType returns the stored content type for tests.
func (m *MemoryStore) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
