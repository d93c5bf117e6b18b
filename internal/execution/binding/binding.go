// Package binding resolves a control's dataset reference to the physical
// table holding that dataset's rows, within the caller's tenant.
package binding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/platform/env"
	"github.com/atharvv04/CompliancePilot/internal/repo"
	"github.com/jackc/pgx/v5"
)

type Config struct {
	Schema string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{Schema: strings.TrimSpace(env.String("CONTROLS_DATASET_SCHEMA", "datasets"))}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Schema == "" {
		return errors.New("CONTROLS_DATASET_SCHEMA is required")
	}
	return nil
}

type Binding struct {
	TenantID    string
	DatasetID   string
	DatasetType domain.DatasetType
	Schema      string
	Table       string
}

// Identifier is the quoted, schema-qualified table reference.
func (b Binding) Identifier() string {
	return pgx.Identifier{b.Schema, b.Table}.Sanitize()
}

type DatasetReader interface {
	GetDataset(ctx context.Context, tenantID, id string) (domain.Dataset, error)
}

type Resolver struct {
	datasets DatasetReader
	schema   string
}

func NewResolver(datasets DatasetReader, cfg Config) (*Resolver, error) {
	if datasets == nil {
		return nil, errors.New("dataset reader is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{datasets: datasets, schema: cfg.Schema}, nil
}

func (r *Resolver) Resolve(ctx context.Context, tenantID, datasetID string) (Binding, error) {
	if r == nil || r.datasets == nil {
		return Binding{}, errors.New("resolver not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	datasetID = strings.TrimSpace(datasetID)
	if tenantID == "" || datasetID == "" {
		return Binding{}, domain.NewError(domain.KindDatasetNotFound, "dataset not found", nil)
	}

	ds, err := r.datasets.GetDataset(ctx, tenantID, datasetID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Binding{}, domain.NewError(domain.KindDatasetNotFound, fmt.Sprintf("dataset not found: %s", datasetID), err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Binding{}, domain.NewError(domain.KindCancelled, "cancelled while resolving dataset", ctxErr)
		}
		return Binding{}, fmt.Errorf("resolve dataset: %w", err)
	}
	// A row from another tenant is indistinguishable from a missing one.
	if ds.TenantID != tenantID {
		return Binding{}, domain.NewError(domain.KindDatasetNotFound, fmt.Sprintf("dataset not found: %s", datasetID), nil)
	}

	return Binding{
		TenantID:    tenantID,
		DatasetID:   ds.ID,
		DatasetType: ds.Type,
		Schema:      r.schema,
		Table:       ds.PhysicalTable(),
	}, nil
}
