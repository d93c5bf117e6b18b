package controls

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/repo"
)

const definitionV1 = `
id: ucc-mismatch
title: UCC mismatch
dataset: ucc
category: ucc
logic:
  query: SELECT * FROM ucc WHERE pan IS NULL
pass_condition: result_count = 0
`

type fakeControlRepo struct {
	controls map[string]domain.Control
}

func newFakeControlRepo() *fakeControlRepo {
	return &fakeControlRepo{controls: map[string]domain.Control{}}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func (f *fakeControlRepo) CreateControl(ctx context.Context, c domain.Control) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, ok := f.controls[key(c.TenantID, c.ID)]; ok {
		return repo.ErrConflict
	}
	f.controls[key(c.TenantID, c.ID)] = c
	return nil
}

func (f *fakeControlRepo) GetControl(ctx context.Context, tenantID, id string) (domain.Control, error) {
	c, ok := f.controls[key(tenantID, id)]
	if !ok {
		return domain.Control{}, repo.ErrNotFound
	}
	return c, nil
}

func (f *fakeControlRepo) ListControls(ctx context.Context, filter repo.ControlFilter) ([]domain.Control, error) {
	out := make([]domain.Control, 0)
	for _, c := range f.controls {
		if c.TenantID != filter.TenantID || (filter.ActiveOnly && !c.IsActive) {
			continue
		}
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeControlRepo) UpdateControlDefinition(ctx context.Context, tenantID, id string, u repo.ControlDefinitionUpdate) (domain.Control, error) {
	c, ok := f.controls[key(tenantID, id)]
	if !ok {
		return domain.Control{}, repo.ErrNotFound
	}
	if c.Version != u.ExpectedVersion {
		return domain.Control{}, repo.ErrConflict
	}
	c.Title, c.Description, c.Category, c.Dataset = u.Title, u.Description, u.Category, u.Dataset
	c.YAMLConfig = u.YAMLConfig
	c.Version++
	c.UpdatedAt = u.UpdatedAt
	f.controls[key(tenantID, id)] = c
	return c, nil
}

func (f *fakeControlRepo) SetControlActive(ctx context.Context, tenantID, id string, active bool, updatedAt time.Time) error {
	c, ok := f.controls[key(tenantID, id)]
	if !ok {
		return repo.ErrNotFound
	}
	c.IsActive = active
	f.controls[key(tenantID, id)] = c
	return nil
}

type fakeAudit struct {
	events []domain.AuditEvent
}

func (f *fakeAudit) Append(ctx context.Context, e domain.AuditEvent) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

var officer = AuditInfo{Actor: "officer@example.com", RequestID: "req-1"}

func newService(t *testing.T) (*Service, *fakeControlRepo, *fakeAudit) {
	t.Helper()
	store := newFakeControlRepo()
	audit := &fakeAudit{}
	svc, err := New(store, audit, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return svc, store, audit
}

func TestValidateReportsIssuesAndWarnings(t *testing.T) {
	svc, _, _ := newService(t)
	ok := svc.Validate(definitionV1)
	if !ok.Valid || ok.ControlID != "ucc-mismatch" || len(ok.Issues) != 0 {
		t.Fatalf("Validate(valid)=%+v", ok)
	}
	if len(ok.Warnings) == 0 {
		t.Fatalf("expected a warning for missing exports")
	}

	bad := svc.Validate("title: x\ncategory: nope\n")
	if bad.Valid || len(bad.Issues) < 3 {
		t.Fatalf("Validate(invalid)=%+v, want several issues", bad)
	}
}

func TestCreateStoresVersionOneAndAudits(t *testing.T) {
	svc, store, audit := newService(t)
	control, err := svc.Create(context.Background(), CreateRequest{TenantID: "tenant-a", YAML: definitionV1, Audit: officer})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if control.ID != "ucc-mismatch" || control.Version != 1 || !control.IsActive || control.CreatedBy != officer.Actor {
		t.Fatalf("control=%+v", control)
	}
	if _, ok := store.controls["tenant-a/ucc-mismatch"]; !ok {
		t.Fatalf("control not stored")
	}
	if len(audit.events) != 1 || audit.events[0].Action != domain.AuditControlCreated || audit.events[0].TenantID != "tenant-a" {
		t.Fatalf("audit=%+v", audit.events)
	}

	if _, err := svc.Create(context.Background(), CreateRequest{TenantID: "tenant-a", YAML: definitionV1, Audit: officer}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("duplicate Create() err=%v, want ErrConflict", err)
	}
}

func TestCreateRejectsInvalidDefinition(t *testing.T) {
	svc, store, audit := newService(t)
	_, err := svc.Create(context.Background(), CreateRequest{TenantID: "tenant-a", YAML: "id: x", Audit: officer})
	if !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("Create() err=%v, want invalid_definition", err)
	}
	noCategory := strings.Replace(definitionV1, "category: ucc\n", "", 1)
	if _, err := svc.Create(context.Background(), CreateRequest{TenantID: "tenant-a", YAML: noCategory, Audit: officer}); !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("Create() without category err=%v", err)
	}
	if len(store.controls) != 0 || len(audit.events) != 0 {
		t.Fatalf("invalid definitions must not be stored or audited")
	}
}

func TestUpdateDefinitionBumpsVersion(t *testing.T) {
	svc, _, audit := newService(t)
	if _, err := svc.Create(context.Background(), CreateRequest{TenantID: "tenant-a", YAML: definitionV1, Audit: officer}); err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	v2 := strings.Replace(definitionV1, "title: UCC mismatch", "title: UCC mismatch v2", 1)
	updated, err := svc.UpdateDefinition(context.Background(), UpdateRequest{TenantID: "tenant-a", ControlID: "ucc-mismatch", YAML: v2, Audit: officer})
	if err != nil {
		t.Fatalf("UpdateDefinition() err=%v", err)
	}
	if updated.Version != 2 || updated.Title != "UCC mismatch v2" || updated.YAMLConfig != v2 {
		t.Fatalf("updated=%+v", updated)
	}
	last := audit.events[len(audit.events)-1]
	if last.Action != domain.AuditControlUpdated || last.Payload["to_version"] != 2 {
		t.Fatalf("audit=%+v", last)
	}

	_, err = svc.UpdateDefinition(context.Background(), UpdateRequest{TenantID: "tenant-a", ControlID: "ucc-mismatch", YAML: v2, ExpectedVersion: 1, Audit: officer})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("stale UpdateDefinition() err=%v, want ErrConflict", err)
	}
}

func TestUpdateDefinitionRejectsIDChange(t *testing.T) {
	svc, store, _ := newService(t)
	if _, err := svc.Create(context.Background(), CreateRequest{TenantID: "tenant-a", YAML: definitionV1, Audit: officer}); err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	renamed := strings.Replace(definitionV1, "id: ucc-mismatch", "id: other", 1)
	_, err := svc.UpdateDefinition(context.Background(), UpdateRequest{TenantID: "tenant-a", ControlID: "ucc-mismatch", YAML: renamed, Audit: officer})
	if !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("UpdateDefinition() err=%v, want invalid_definition", err)
	}
	if store.controls["tenant-a/ucc-mismatch"].Version != 1 {
		t.Fatalf("version changed on rejected update")
	}
}

func TestSetActiveAudits(t *testing.T) {
	svc, store, audit := newService(t)
	if _, err := svc.Create(context.Background(), CreateRequest{TenantID: "tenant-a", YAML: definitionV1, Audit: officer}); err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if err := svc.SetActive(context.Background(), "tenant-a", "ucc-mismatch", false, officer); err != nil {
		t.Fatalf("SetActive() err=%v", err)
	}
	if store.controls["tenant-a/ucc-mismatch"].IsActive {
		t.Fatalf("control still active")
	}
	if audit.events[len(audit.events)-1].Action != domain.AuditControlDeactivated {
		t.Fatalf("audit=%+v", audit.events)
	}
	if err := svc.SetActive(context.Background(), "tenant-b", "ucc-mismatch", true, officer); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("SetActive() other tenant err=%v", err)
	}
}

func TestListScopedToTenant(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Create(context.Background(), CreateRequest{TenantID: "tenant-a", YAML: definitionV1, Audit: officer}); err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	got, err := svc.List(context.Background(), repo.ControlFilter{TenantID: "tenant-b"})
	if err != nil || len(got) != 0 {
		t.Fatalf("List(tenant-b)=%v err=%v", got, err)
	}
	got, err = svc.List(context.Background(), repo.ControlFilter{TenantID: "tenant-a", Category: domain.CategoryUCC})
	if err != nil || len(got) != 1 {
		t.Fatalf("List(tenant-a)=%v err=%v", got, err)
	}
	if _, err := svc.List(context.Background(), repo.ControlFilter{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("List() without tenant err=%v", err)
	}
}
