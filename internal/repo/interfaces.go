package repo

import (
	"context"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
)

type ControlFilter struct {
	TenantID   string
	Category   domain.ControlCategory
	ActiveOnly bool
	Limit      int
}

type DatasetFilter struct {
	TenantID string
	Type     domain.DatasetType
	Limit    int
}

type RunFilter struct {
	TenantID  string
	ControlID string
	DatasetID string
	Status    domain.RunStatus
	Limit     int
}

// ControlDefinitionUpdate replaces the definition of a control. The store
// bumps the version only when the stored version still equals
// ExpectedVersion.
type ControlDefinitionUpdate struct {
	ExpectedVersion int
	Title           string
	Description     string
	Category        domain.ControlCategory
	Dataset         string
	Frequency       domain.Frequency
	Severity        domain.Severity
	YAMLConfig      string
	UpdatedAt       time.Time
}

// ControlRepository manages persisted controls. Every read is tenant scoped.
type ControlRepository interface {
	CreateControl(ctx context.Context, control domain.Control) error
	GetControl(ctx context.Context, tenantID, id string) (domain.Control, error)
	ListControls(ctx context.Context, filter ControlFilter) ([]domain.Control, error)
	UpdateControlDefinition(ctx context.Context, tenantID, id string, update ControlDefinitionUpdate) (domain.Control, error)
	SetControlActive(ctx context.Context, tenantID, id string, active bool, updatedAt time.Time) error
}

// DatasetRepository reads dataset metadata. DeleteDataset removes the row
// and appends the audit event in one transaction.
type DatasetRepository interface {
	CreateDataset(ctx context.Context, dataset domain.Dataset) error
	GetDataset(ctx context.Context, tenantID, id string) (domain.Dataset, error)
	ListDatasets(ctx context.Context, filter DatasetFilter) ([]domain.Dataset, error)
	DeleteDataset(ctx context.Context, tenantID, id string, event domain.AuditEvent) (domain.Dataset, error)
}

// ControlRunRepository persists the run lifecycle. Terminal writes are
// guarded on the current status and return ErrConflict when the run has
// already left it.
type ControlRunRepository interface {
	CreateRun(ctx context.Context, run domain.ControlRun) error
	MarkRunning(ctx context.Context, tenantID, id string) error
	CompleteRun(ctx context.Context, tenantID, id string, completedAt time.Time, results domain.RunResults, evidenceHash string) error
	FailRun(ctx context.Context, tenantID, id string, completedAt time.Time, runErr domain.RunError) error
	GetRun(ctx context.Context, tenantID, id string) (domain.ControlRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.ControlRun, error)
}

type AuditAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}
