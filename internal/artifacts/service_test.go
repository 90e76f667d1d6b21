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

package artifacts

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/magnet/pkg/blob"
	"github.com/tombee/magnet/pkg/record"
)

func TestWriteMintsRecordAndStoresBytes(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	svc := NewService(blobs, store, nil)

	a, err := svc.Write(ctx, WriteRequest{
		TenantID: "t-1", JobID: "j-1",
		Type: record.ArtifactStepOutput, Name: "step_1_research.md",
		MimeType: "text/markdown", Data: []byte("## Findings"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.True(t, strings.HasPrefix(a.S3Key, "t-1/j-1/"), a.S3Key)
	assert.Contains(t, a.S3Key, "step_1_research.md")
	assert.NotEmpty(t, a.PublicURL)
	assert.Equal(t, int64(len("## Findings")), a.SizeBytes)

	reader, err := blobs.Get(ctx, a.S3Key)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "## Findings", string(data))

	listed, err := store.ListArtifactsByJob(ctx, "j-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, a.ID, listed[0].ID)
}

func TestWriteKeysNeverCollide(t *testing.T) {
	ctx := context.Background()
	svc := NewService(blob.NewMemoryStore(), record.NewMemoryStore(), nil)

	req := WriteRequest{TenantID: "t-1", JobID: "j-1", Type: record.ArtifactImage,
		Name: "cover.png", MimeType: "image/png", Data: []byte{1}}
	a, err := svc.Write(ctx, req)
	require.NoError(t, err)
	b, err := svc.Write(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, a.S3Key, b.S3Key)
}

func TestRegisterExisting(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	svc := NewService(blob.NewMemoryStore(), store, nil)

	a, err := svc.RegisterExisting(ctx, "t-1", "j-1", record.ArtifactImage,
		"step_2_image_1", "t-1/j-1/img.png", "https://blobs.local/t-1/j-1/img.png", "image/png", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), a.SizeBytes)

	listed, err := store.ListArtifactsByJob(ctx, "j-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "https://blobs.local/t-1/j-1/img.png", listed[0].PublicURL)
}
