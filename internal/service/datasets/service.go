// Package datasets exposes dataset metadata reads and deletion. Deleting a
// dataset removes its row and table first; the raw upload blob is removed
// afterwards and a failure there is recorded rather than undone.
package datasets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/repo"
)

var ErrInvalidRequest = errors.New("invalid dataset request")

type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
	Bucket() string
}

type Service struct {
	datasets repo.DatasetRepository
	blobs    BlobDeleter
	audit    repo.AuditAppender
	logger   *slog.Logger
	now      func() time.Time
}

// New wires the service. blobs and audit may be nil; without blobs the
// upload object is left in place and reported as orphaned.
func New(datasets repo.DatasetRepository, blobs BlobDeleter, audit repo.AuditAppender, logger *slog.Logger) (*Service, error) {
	if datasets == nil {
		return nil, errors.New("dataset repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{datasets: datasets, blobs: blobs, audit: audit, logger: logger, now: time.Now}, nil
}

type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
}

func (s *Service) Get(ctx context.Context, tenantID, id string) (domain.Dataset, error) {
	return s.datasets.GetDataset(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(id))
}

func (s *Service) List(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	filter.TenantID = strings.TrimSpace(filter.TenantID)
	if filter.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: dataset type %q is invalid", ErrInvalidRequest, filter.Type)
	}
	return s.datasets.ListDatasets(ctx, filter)
}

type DeleteResult struct {
	Dataset      domain.Dataset
	BlobRemoved  bool
	OrphanedBlob string
}

// Delete removes the dataset and its table with a dataset.deleted audit
// event in one transaction, then removes the upload blob.
func (s *Service) Delete(ctx context.Context, tenantID, id string, info AuditInfo) (DeleteResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" || id == "" || strings.TrimSpace(info.Actor) == "" {
		return DeleteResult{}, fmt.Errorf("%w: tenant id, dataset id and actor are required", ErrInvalidRequest)
	}

	event := s.event(tenantID, id, domain.AuditDatasetDeleted, info, map[string]any{"dataset_id": id})
	ds, err := s.datasets.DeleteDataset(ctx, tenantID, id, event)
	if err != nil {
		return DeleteResult{}, err
	}
	result := DeleteResult{Dataset: ds}

	key := strings.TrimSpace(ds.FilePath)
	if key == "" {
		result.BlobRemoved = true
		return result, nil
	}
	var blobErr error
	if s.blobs == nil {
		blobErr = errors.New("blob store not configured")
	} else {
		blobErr = s.blobs.Delete(ctx, key)
	}
	if blobErr == nil {
		result.BlobRemoved = true
		return result, nil
	}

	result.OrphanedBlob = key
	s.logger.Warn("dataset blob left orphaned",
		"tenant_id", tenantID,
		"dataset_id", id,
		"key", key,
		"error", blobErr,
	)
	if s.audit != nil {
		bucket := ""
		if s.blobs != nil {
			bucket = s.blobs.Bucket()
		}
		orphan := s.event(tenantID, id, domain.AuditDatasetBlobOrphaned, info, map[string]any{
			"dataset_id": id,
			"bucket":     bucket,
			"key":        key,
			"file_hash":  ds.FileHash,
			"error":      blobErr.Error(),
		})
		if _, err := s.audit.Append(context.WithoutCancel(ctx), orphan); err != nil {
			s.logger.Error("audit append failed", "tenant_id", tenantID, "dataset_id", id, "action", orphan.Action, "error", err)
		}
	}
	return result, nil
}

func (s *Service) event(tenantID, id, action string, info AuditInfo, payload map[string]any) domain.AuditEvent {
	return domain.AuditEvent{
		OccurredAt:   s.now().UTC(),
		TenantID:     tenantID,
		Actor:        strings.TrimSpace(info.Actor),
		Action:       action,
		ResourceType: "dataset",
		ResourceID:   id,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload:      payload,
	}
}
