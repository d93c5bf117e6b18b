// Package controls manages control definitions: validation, creation,
// versioned updates and activation.
package controls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/definition"
	"github.com/atharvv04/CompliancePilot/internal/repo"
)

var ErrInvalidRequest = errors.New("invalid control request")

type Service struct {
	controls repo.ControlRepository
	audit    repo.AuditAppender
	opts     []definition.Option
	logger   *slog.Logger
	now      func() time.Time
}

// New wires the service. audit may be nil.
func New(controls repo.ControlRepository, audit repo.AuditAppender, logger *slog.Logger, opts ...definition.Option) (*Service, error) {
	if controls == nil {
		return nil, errors.New("control repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{controls: controls, audit: audit, opts: opts, logger: logger, now: time.Now}, nil
}

type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
}

// ValidationResult is the caller-facing verdict on definition text.
type ValidationResult struct {
	Valid      bool                   `json:"valid"`
	Issues     []string               `json:"issues"`
	Warnings   []string               `json:"warnings"`
	ControlID  string                 `json:"control_id,omitempty"`
	Definition *definition.Definition `json:"-"`
}

// Validate parses raw without touching storage.
func (s *Service) Validate(raw string) ValidationResult {
	def, err := definition.Parse([]byte(raw), s.opts...)
	if err != nil {
		return ValidationResult{Issues: issuesOf(err), Warnings: []string{}}
	}
	return ValidationResult{
		Valid:      true,
		Issues:     []string{},
		Warnings:   def.Warnings(),
		ControlID:  def.ID,
		Definition: &def,
	}
}

func issuesOf(err error) []string {
	var verr *definition.ValidationError
	if errors.As(err, &verr) && len(verr.Issues) > 0 {
		return verr.Messages()
	}
	return []string{err.Error()}
}

func (s *Service) parse(raw string) (definition.Definition, error) {
	def, err := definition.Parse([]byte(raw), s.opts...)
	if err != nil {
		return definition.Definition{}, err
	}
	if !def.Category.Valid() {
		return definition.Definition{}, domain.NewError(domain.KindInvalidDefinition, "category is required to store a control", nil)
	}
	return def, nil
}

type CreateRequest struct {
	TenantID string
	YAML     string
	Audit    AuditInfo
}

// Create stores a new control at version 1. The control id comes from the
// definition.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Control, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" || strings.TrimSpace(req.Audit.Actor) == "" {
		return domain.Control{}, fmt.Errorf("%w: tenant id and actor are required", ErrInvalidRequest)
	}
	def, err := s.parse(req.YAML)
	if err != nil {
		return domain.Control{}, err
	}
	now := s.now().UTC()
	control := domain.Control{
		ID:          def.ID,
		TenantID:    tenantID,
		Title:       def.Title,
		Description: def.Description,
		Category:    def.Category,
		Dataset:     def.Dataset,
		Frequency:   def.Frequency,
		Severity:    def.Severity,
		YAMLConfig:  req.YAML,
		Version:     1,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   strings.TrimSpace(req.Audit.Actor),
	}
	if err := s.controls.CreateControl(ctx, control); err != nil {
		return domain.Control{}, err
	}
	stored, err := s.controls.GetControl(ctx, tenantID, control.ID)
	if err != nil {
		stored = control
	}
	s.appendAudit(ctx, tenantID, domain.AuditControlCreated, stored.ID, req.Audit, map[string]any{
		"version":  stored.Version,
		"category": string(stored.Category),
		"dataset":  stored.Dataset,
	})
	return stored, nil
}

type UpdateRequest struct {
	TenantID  string
	ControlID string
	YAML      string
	// ExpectedVersion guards against lost updates; zero means the current
	// stored version.
	ExpectedVersion int
	Audit           AuditInfo
}

// UpdateDefinition replaces the definition text and bumps the version. The
// definition id must keep naming the same control.
func (s *Service) UpdateDefinition(ctx context.Context, req UpdateRequest) (domain.Control, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	controlID := strings.TrimSpace(req.ControlID)
	if tenantID == "" || controlID == "" || strings.TrimSpace(req.Audit.Actor) == "" {
		return domain.Control{}, fmt.Errorf("%w: tenant id, control id and actor are required", ErrInvalidRequest)
	}
	def, err := s.parse(req.YAML)
	if err != nil {
		return domain.Control{}, err
	}
	if def.ID != controlID {
		return domain.Control{}, domain.NewError(domain.KindInvalidDefinition,
			fmt.Sprintf("definition id %q cannot replace control %q", def.ID, controlID), nil)
	}

	expected := req.ExpectedVersion
	if expected <= 0 {
		current, err := s.controls.GetControl(ctx, tenantID, controlID)
		if err != nil {
			return domain.Control{}, err
		}
		expected = current.Version
	}

	updated, err := s.controls.UpdateControlDefinition(ctx, tenantID, controlID, repo.ControlDefinitionUpdate{
		ExpectedVersion: expected,
		Title:           def.Title,
		Description:     def.Description,
		Category:        def.Category,
		Dataset:         def.Dataset,
		Frequency:       def.Frequency,
		Severity:        def.Severity,
		YAMLConfig:      req.YAML,
		UpdatedAt:       s.now().UTC(),
	})
	if err != nil {
		return domain.Control{}, err
	}
	s.appendAudit(ctx, tenantID, domain.AuditControlUpdated, controlID, req.Audit, map[string]any{
		"from_version": expected,
		"to_version":   updated.Version,
	})
	return updated, nil
}

func (s *Service) SetActive(ctx context.Context, tenantID, controlID string, active bool, info AuditInfo) error {
	tenantID = strings.TrimSpace(tenantID)
	controlID = strings.TrimSpace(controlID)
	if tenantID == "" || controlID == "" || strings.TrimSpace(info.Actor) == "" {
		return fmt.Errorf("%w: tenant id, control id and actor are required", ErrInvalidRequest)
	}
	if err := s.controls.SetControlActive(ctx, tenantID, controlID, active, s.now().UTC()); err != nil {
		return err
	}
	action := domain.AuditControlDeactivated
	if active {
		action = domain.AuditControlActivated
	}
	s.appendAudit(ctx, tenantID, action, controlID, info, nil)
	return nil
}

func (s *Service) Get(ctx context.Context, tenantID, controlID string) (domain.Control, error) {
	return s.controls.GetControl(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(controlID))
}

func (s *Service) List(ctx context.Context, filter repo.ControlFilter) ([]domain.Control, error) {
	filter.TenantID = strings.TrimSpace(filter.TenantID)
	if filter.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, fmt.Errorf("%w: category %q is invalid", ErrInvalidRequest, filter.Category)
	}
	return s.controls.ListControls(ctx, filter)
}

func (s *Service) appendAudit(ctx context.Context, tenantID, action, controlID string, info AuditInfo, payload map[string]any) {
	if s.audit == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["control_id"] = controlID
	_, err := s.audit.Append(ctx, domain.AuditEvent{
		OccurredAt:   s.now().UTC(),
		TenantID:     tenantID,
		Actor:        strings.TrimSpace(info.Actor),
		Action:       action,
		ResourceType: "control",
		ResourceID:   controlID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload:      payload,
	})
	if err != nil {
		s.logger.Error("audit append failed", "tenant_id", tenantID, "control_id", controlID, "action", action, "error", err)
	}
}
