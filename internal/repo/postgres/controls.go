package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/repo"
)

const controlColumns = `control_id, tenant_id, title, description, category, dataset, frequency, severity, yaml_config, version, is_active, created_at, updated_at, created_by`

type ControlStore struct {
	db DB
}

func NewControlStore(db DB) *ControlStore {
	if db == nil {
		return nil
	}
	return &ControlStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanControl(row rowScanner) (domain.Control, error) {
	var c domain.Control
	var category, frequency, severity string
	if err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Title,
		&c.Description,
		&category,
		&c.Dataset,
		&frequency,
		&severity,
		&c.YAMLConfig,
		&c.Version,
		&c.IsActive,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.CreatedBy,
	); err != nil {
		return domain.Control{}, err
	}
	c.Category = domain.ControlCategory(category)
	c.Frequency = domain.Frequency(frequency)
	c.Severity = domain.Severity(severity)
	return c, nil
}

func (s *ControlStore) CreateControl(ctx context.Context, control domain.Control) error {
	if s == nil || s.db == nil {
		return errors.New("control store not initialized")
	}
	if err := control.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(control.CreatedAt)
	updatedAt := control.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO controls (`+controlColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		strings.TrimSpace(control.ID),
		strings.TrimSpace(control.TenantID),
		strings.TrimSpace(control.Title),
		strings.TrimSpace(control.Description),
		string(control.Category),
		strings.TrimSpace(control.Dataset),
		string(orDefaultFrequency(control.Frequency)),
		string(orDefaultSeverity(control.Severity)),
		control.YAMLConfig,
		control.Version,
		control.IsActive,
		createdAt,
		updatedAt.UTC(),
		strings.TrimSpace(control.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert control: %w", handleUniqueViolation(err))
	}
	return nil
}

func (s *ControlStore) GetControl(ctx context.Context, tenantID, id string) (domain.Control, error) {
	if s == nil || s.db == nil {
		return domain.Control{}, errors.New("control store not initialized")
	}
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return domain.Control{}, err
	}
	id, err = requireID("control", id)
	if err != nil {
		return domain.Control{}, err
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+controlColumns+` FROM controls WHERE tenant_id = $1 AND control_id = $2`,
		tenantID,
		id,
	)
	control, err := scanControl(row)
	if err != nil {
		return domain.Control{}, handleNotFound(err)
	}
	return control, nil
}

func buildControlListQuery(filter repo.ControlFilter) (string, []any, error) {
	tenantID, err := requireTenant(filter.TenantID)
	if err != nil {
		return "", nil, err
	}
	var w whereBuilder
	w.add("tenant_id", tenantID)
	if filter.Category != "" {
		w.add("category", string(filter.Category))
	}
	if filter.ActiveOnly {
		w.add("is_active", true)
	}
	query, args := w.build(`SELECT `+controlColumns+` FROM controls`, "control_id ASC", filter.Limit)
	return query, args, nil
}

func (s *ControlStore) ListControls(ctx context.Context, filter repo.ControlFilter) ([]domain.Control, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("control store not initialized")
	}
	query, args, err := buildControlListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list controls: %w", err)
	}
	defer rows.Close()

	controls := make([]domain.Control, 0)
	for rows.Next() {
		control, err := scanControl(rows)
		if err != nil {
			return nil, fmt.Errorf("scan control: %w", err)
		}
		controls = append(controls, control)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list controls: %w", err)
	}
	return controls, nil
}

// UpdateControlDefinition writes the new definition and increments version
// by one, provided the stored version still matches update.ExpectedVersion.
func (s *ControlStore) UpdateControlDefinition(ctx context.Context, tenantID, id string, update repo.ControlDefinitionUpdate) (domain.Control, error) {
	if s == nil || s.db == nil {
		return domain.Control{}, errors.New("control store not initialized")
	}
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return domain.Control{}, err
	}
	id, err = requireID("control", id)
	if err != nil {
		return domain.Control{}, err
	}
	if strings.TrimSpace(update.YAMLConfig) == "" {
		return domain.Control{}, errors.New("yaml_config is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE controls
		 SET title = $3,
		     description = $4,
		     category = $5,
		     dataset = $6,
		     frequency = $7,
		     severity = $8,
		     yaml_config = $9,
		     version = version + 1,
		     updated_at = $10
		 WHERE tenant_id = $1 AND control_id = $2 AND version = $11
		 RETURNING `+controlColumns,
		tenantID,
		id,
		strings.TrimSpace(update.Title),
		strings.TrimSpace(update.Description),
		string(update.Category),
		strings.TrimSpace(update.Dataset),
		string(orDefaultFrequency(update.Frequency)),
		string(orDefaultSeverity(update.Severity)),
		update.YAMLConfig,
		normalizeTime(update.UpdatedAt),
		update.ExpectedVersion,
	)
	control, err := scanControl(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetControl(ctx, tenantID, id); getErr != nil {
				return domain.Control{}, getErr
			}
			return domain.Control{}, repo.ErrConflict
		}
		return domain.Control{}, fmt.Errorf("update control: %w", err)
	}
	return control, nil
}

func (s *ControlStore) SetControlActive(ctx context.Context, tenantID, id string, active bool, updatedAt time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("control store not initialized")
	}
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return err
	}
	id, err = requireID("control", id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE controls SET is_active = $3, updated_at = $4 WHERE tenant_id = $1 AND control_id = $2`,
		tenantID,
		id,
		active,
		normalizeTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("set control active: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return repo.ErrNotFound
		}
		return err
	}
	return nil
}

func orDefaultFrequency(f domain.Frequency) domain.Frequency {
	if f == "" {
		return domain.FrequencyOnDemand
	}
	return f
}

func orDefaultSeverity(s domain.Severity) domain.Severity {
	if s == "" {
		return domain.SeverityMedium
	}
	return s
}
