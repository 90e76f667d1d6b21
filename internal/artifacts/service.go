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

// Package artifacts persists workflow outputs: bytes go to the blob store,
// metadata is minted as an artifact record, and the id is handed back for
// the job to reference.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tombee/magnet/pkg/blob"
	"github.com/tombee/magnet/pkg/record"
)

// Service writes artifacts through the blob store and record store.
type Service struct {
	Blob   blob.Store
	Store  record.Store
	Logger *slog.Logger
}

// NewService creates an artifact service.
func NewService(blobStore blob.Store, recordStore record.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Blob: blobStore, Store: recordStore, Logger: logger}
}

// WriteRequest describes one artifact to persist.
type WriteRequest struct {
	TenantID string
	JobID    string
	Type     record.ArtifactType
	Name     string
	MimeType string
	Data     []byte
}

// Write stores the bytes and mints the artifact record. Blob keys are ULIDs
// under the job's prefix, so two writers never collide.
func (s *Service) Write(ctx context.Context, req WriteRequest) (*record.Artifact, error) {
	id := ulid.Make().String()
	key := path.Join(req.TenantID, req.JobID, fmt.Sprintf("%s_%s", id, req.Name))

	url, err := s.Blob.Put(ctx, key, bytes.NewReader(req.Data), blob.PutOptions{
		ContentType: req.MimeType,
		Metadata:    map[string]string{"tenant_id": req.TenantID, "job_id": req.JobID},
	})
	if err != nil {
		return nil, fmt.Errorf("store artifact %s: %w", req.Name, err)
	}

	artifact := &record.Artifact{
		ID:        id,
		TenantID:  req.TenantID,
		JobID:     req.JobID,
		Type:      req.Type,
		Name:      req.Name,
		MimeType:  req.MimeType,
		S3Key:     key,
		PublicURL: url,
		SizeBytes: int64(len(req.Data)),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.PutArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("record artifact %s: %w", req.Name, err)
	}

	s.Logger.Debug("artifact written",
		"artifact_id", id, "job_id", req.JobID, "type", string(req.Type), "bytes", len(req.Data))
	return artifact, nil
}

// RegisterExisting mints an artifact record for bytes already stored in the
// blob store, used for images uploaded by the image pipeline.
func (s *Service) RegisterExisting(ctx context.Context, tenantID, jobID string, artifactType record.ArtifactType, name, key, url, mimeType string, sizeBytes int64) (*record.Artifact, error) {
	artifact := &record.Artifact{
		ID:        ulid.Make().String(),
		TenantID:  tenantID,
		JobID:     jobID,
		Type:      artifactType,
		Name:      name,
		MimeType:  mimeType,
		S3Key:     key,
		PublicURL: url,
		SizeBytes: sizeBytes,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.PutArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("record artifact %s: %w", name, err)
	}
	return artifact, nil
}
