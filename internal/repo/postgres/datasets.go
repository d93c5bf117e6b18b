package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/platform/auditlog"
	"github.com/atharvv04/CompliancePilot/internal/repo"
	"github.com/jackc/pgx/v5"
)

const datasetColumns = `dataset_id, tenant_id, name, type, file_path, file_hash, schema, row_count, uploaded_at, uploaded_by`

type DatasetStore struct {
	db         DB
	dataSchema string
}

// NewDatasetStore returns a store over db. When dataSchema is set, deleting
// a dataset also drops its physical table in that schema.
func NewDatasetStore(db DB, dataSchema string) *DatasetStore {
	if db == nil {
		return nil
	}
	return &DatasetStore{db: db, dataSchema: strings.TrimSpace(dataSchema)}
}

func scanDataset(row rowScanner) (domain.Dataset, error) {
	var d domain.Dataset
	var datasetType string
	var schemaJSON []byte
	if err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.Name,
		&datasetType,
		&d.FilePath,
		&d.FileHash,
		&schemaJSON,
		&d.RowCount,
		&d.UploadedAt,
		&d.UploadedBy,
	); err != nil {
		return domain.Dataset{}, err
	}
	d.Type = domain.DatasetType(datasetType)
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &d.Schema); err != nil {
			return domain.Dataset{}, fmt.Errorf("decode schema: %w", err)
		}
	}
	return d, nil
}

func (s *DatasetStore) CreateDataset(ctx context.Context, dataset domain.Dataset) error {
	if s == nil || s.db == nil {
		return errors.New("dataset store not initialized")
	}
	if err := dataset.Validate(); err != nil {
		return err
	}
	schema := dataset.Schema
	if schema == nil {
		schema = []string{}
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO datasets (`+datasetColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(dataset.ID),
		strings.TrimSpace(dataset.TenantID),
		strings.TrimSpace(dataset.Name),
		string(dataset.Type),
		strings.TrimSpace(dataset.FilePath),
		strings.TrimSpace(dataset.FileHash),
		schemaJSON,
		dataset.RowCount,
		normalizeTime(dataset.UploadedAt),
		strings.TrimSpace(dataset.UploadedBy),
	)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", handleUniqueViolation(err))
	}
	return nil
}

// GetDataset only ever matches rows of tenantID.
func (s *DatasetStore) GetDataset(ctx context.Context, tenantID, id string) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, errors.New("dataset store not initialized")
	}
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return domain.Dataset{}, err
	}
	id, err = requireID("dataset", id)
	if err != nil {
		return domain.Dataset{}, err
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE tenant_id = $1 AND dataset_id = $2`,
		tenantID,
		id,
	)
	dataset, err := scanDataset(row)
	if err != nil {
		return domain.Dataset{}, handleNotFound(err)
	}
	return dataset, nil
}

func buildDatasetListQuery(filter repo.DatasetFilter) (string, []any, error) {
	tenantID, err := requireTenant(filter.TenantID)
	if err != nil {
		return "", nil, err
	}
	var w whereBuilder
	w.add("tenant_id", tenantID)
	if filter.Type != "" {
		w.add("type", string(filter.Type))
	}
	query, args := w.build(`SELECT `+datasetColumns+` FROM datasets`, "uploaded_at DESC", filter.Limit)
	return query, args, nil
}

func (s *DatasetStore) ListDatasets(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dataset store not initialized")
	}
	query, args, err := buildDatasetListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	datasets := make([]domain.Dataset, 0)
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return datasets, nil
}

// DeleteDataset removes the metadata row, drops the physical table and
// appends event in a single transaction. The deleted row is returned so the
// caller can remove the blob afterwards.
func (s *DatasetStore) DeleteDataset(ctx context.Context, tenantID, id string, event domain.AuditEvent) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, errors.New("dataset store not initialized")
	}
	txdb, ok := s.db.(TxDB)
	if !ok {
		return domain.Dataset{}, errors.New("dataset store requires a transactional db for delete")
	}
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return domain.Dataset{}, err
	}
	id, err = requireID("dataset", id)
	if err != nil {
		return domain.Dataset{}, err
	}
	event.TenantID = tenantID
	if err := event.Validate(); err != nil {
		return domain.Dataset{}, fmt.Errorf("audit event: %w", err)
	}

	tx, err := txdb.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`DELETE FROM datasets WHERE tenant_id = $1 AND dataset_id = $2 RETURNING `+datasetColumns,
		tenantID,
		id,
	)
	dataset, err := scanDataset(row)
	if err != nil {
		return domain.Dataset{}, handleNotFound(err)
	}

	if s.dataSchema != "" {
		table := pgx.Identifier{s.dataSchema, dataset.PhysicalTable()}.Sanitize()
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return domain.Dataset{}, fmt.Errorf("drop dataset table: %w", err)
		}
	}

	if _, err := auditlog.Insert(ctx, tx, toAuditlogEvent(event)); err != nil {
		return domain.Dataset{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dataset{}, fmt.Errorf("commit: %w", err)
	}
	return dataset, nil
}
