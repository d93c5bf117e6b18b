package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/definition"
	"github.com/atharvv04/CompliancePilot/internal/platform/auth"
	"github.com/atharvv04/CompliancePilot/internal/repo"
	"github.com/atharvv04/CompliancePilot/internal/service/controlruns"
	"github.com/atharvv04/CompliancePilot/internal/service/controls"
	"github.com/atharvv04/CompliancePilot/internal/service/datasets"
)

type fakeControlService struct {
	created []controls.CreateRequest
	err     error
}

func (f *fakeControlService) Validate(raw string) controls.ValidationResult {
	if strings.Contains(raw, "id:") {
		return controls.ValidationResult{Valid: true, Issues: []string{}, Warnings: []string{}, ControlID: "c1"}
	}
	return controls.ValidationResult{Issues: []string{"id is required"}, Warnings: []string{}}
}

func (f *fakeControlService) Create(ctx context.Context, req controls.CreateRequest) (domain.Control, error) {
	if f.err != nil {
		return domain.Control{}, f.err
	}
	f.created = append(f.created, req)
	return domain.Control{ID: "c1", TenantID: req.TenantID, Title: "T", Version: 1, IsActive: true, CreatedBy: req.Audit.Actor}, nil
}

func (f *fakeControlService) UpdateDefinition(ctx context.Context, req controls.UpdateRequest) (domain.Control, error) {
	return domain.Control{ID: req.ControlID, Version: 2}, f.err
}

func (f *fakeControlService) SetActive(ctx context.Context, tenantID, controlID string, active bool, info controls.AuditInfo) error {
	return f.err
}

func (f *fakeControlService) Get(ctx context.Context, tenantID, controlID string) (domain.Control, error) {
	if controlID != "c1" || tenantID != "tenant-a" {
		return domain.Control{}, repo.ErrNotFound
	}
	return domain.Control{ID: "c1", TenantID: tenantID, Title: "T", Version: 1}, nil
}

func (f *fakeControlService) List(ctx context.Context, filter repo.ControlFilter) ([]domain.Control, error) {
	return []domain.Control{{ID: "c1", TenantID: filter.TenantID}}, nil
}

type fakeRunService struct {
	executed []controlruns.ExecuteRequest
	filters  []repo.RunFilter
	err      error
}

func (f *fakeRunService) Execute(ctx context.Context, req controlruns.ExecuteRequest) (domain.ControlRun, error) {
	if f.err != nil {
		return domain.ControlRun{}, f.err
	}
	f.executed = append(f.executed, req)
	done := time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC)
	return domain.ControlRun{
		ID: "run-1", ControlID: req.ControlID, DatasetID: req.DatasetID, TenantID: req.TenantID,
		TriggeredBy: req.TriggeredBy, Status: domain.RunStatusCompleted,
		StartedAt: done.Add(-time.Second), CompletedAt: &done,
		Results:      &domain.RunResults{Passed: false, ResultCount: 3, Summary: "T: FAILED - Found 3 violations"},
		EvidenceHash: "abc",
	}, nil
}

func (f *fakeRunService) GetRun(ctx context.Context, tenantID, runID string) (domain.ControlRun, error) {
	return domain.ControlRun{}, repo.ErrNotFound
}

func (f *fakeRunService) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ControlRun, error) {
	f.filters = append(f.filters, filter)
	return []domain.ControlRun{}, nil
}

type fakeDatasetService struct {
	deleted []string
}

func (f *fakeDatasetService) Get(ctx context.Context, tenantID, id string) (domain.Dataset, error) {
	return domain.Dataset{}, repo.ErrNotFound
}

func (f *fakeDatasetService) List(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	return []domain.Dataset{}, nil
}

func (f *fakeDatasetService) Delete(ctx context.Context, tenantID, id string, info datasets.AuditInfo) (datasets.DeleteResult, error) {
	f.deleted = append(f.deleted, tenantID+"/"+id)
	return datasets.DeleteResult{Dataset: domain.Dataset{ID: id}, BlobRemoved: true}, nil
}

type testAPI struct {
	mux      *http.ServeMux
	controls *fakeControlService
	runs     *fakeRunService
	datasets *fakeDatasetService
}

func newTestAPI() *testAPI {
	ta := &testAPI{
		mux:      http.NewServeMux(),
		controls: &fakeControlService{},
		runs:     &fakeRunService{},
		datasets: &fakeDatasetService{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	newControlsAPI(logger, ta.controls, ta.runs, ta.datasets, 1<<16).register(ta.mux)
	return ta
}

func identityWith(role string) *auth.Identity {
	return &auth.Identity{Subject: "user-1", Email: "user@example.com", TenantID: "tenant-a", Roles: []string{role}}
}

func (ta *testAPI) do(t *testing.T, method, path, body string, identity *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://controls.test"+path, reader)
	req.RemoteAddr = "10.0.0.7:4242"
	if identity != nil {
		req = req.WithContext(auth.ContextWithIdentity(req.Context(), *identity))
	}
	rec := httptest.NewRecorder()
	ta.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestExecuteRunUsesCallerTenantAndSubject(t *testing.T) {
	ta := newTestAPI()
	rec := ta.do(t, http.MethodPost, "/controls/c1/runs", `{"dataset_id":"ds1"}`, identityWith(auth.RoleSurveillanceAnalyst))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(ta.runs.executed) != 1 {
		t.Fatalf("executed=%d, want 1", len(ta.runs.executed))
	}
	got := ta.runs.executed[0]
	if got.TenantID != "tenant-a" || got.ControlID != "c1" || got.DatasetID != "ds1" || got.TriggeredBy != "user-1" {
		t.Fatalf("execute request=%+v", got)
	}
	if got.Audit.IP.String() != "10.0.0.7" {
		t.Fatalf("audit ip=%v", got.Audit.IP)
	}
	body := decodeBody(t, rec)
	if body["status"] != "completed" || body["evidence_hash"] != "abc" {
		t.Fatalf("body=%v", body)
	}
	results := body["results"].(map[string]any)
	if results["summary"] != "T: FAILED - Found 3 violations" {
		t.Fatalf("results=%v", results)
	}
	if rec.Header().Get("Location") != "/runs/run-1" {
		t.Fatalf("Location=%q", rec.Header().Get("Location"))
	}
}

func TestExecuteRunForbiddenForAuditor(t *testing.T) {
	ta := newTestAPI()
	rec := ta.do(t, http.MethodPost, "/controls/c1/runs", `{"dataset_id":"ds1"}`, identityWith(auth.RoleAuditor))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
	if len(ta.runs.executed) != 0 {
		t.Fatalf("run executed for auditor")
	}
}

func TestExecuteRunErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{repo.ErrNotFound, http.StatusNotFound, "not_found"},
		{controlruns.ErrControlInactive, http.StatusConflict, "control_inactive"},
		{domain.NewError(domain.KindInvalidDefinition, "bad", &definition.ValidationError{Issues: []definition.Issue{{Field: "title", Message: "is required"}}}), http.StatusUnprocessableEntity, "invalid_definition"},
		{controlruns.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{controlruns.ErrNotFinalized, http.StatusInternalServerError, "run_not_finalized"},
	}
	for _, tc := range cases {
		ta := newTestAPI()
		ta.runs.err = tc.err
		rec := ta.do(t, http.MethodPost, "/controls/c1/runs", `{"dataset_id":"ds1"}`, identityWith(auth.RoleAdmin))
		if rec.Code != tc.want {
			t.Fatalf("err=%v status=%d, want %d", tc.err, rec.Code, tc.want)
		}
		if body := decodeBody(t, rec); body["error"] != tc.code {
			t.Fatalf("err=%v body=%v, want code %s", tc.err, body, tc.code)
		}
	}
}

func TestInvalidDefinitionListsIssues(t *testing.T) {
	ta := newTestAPI()
	ta.controls.err = domain.NewError(domain.KindInvalidDefinition, "invalid", &definition.ValidationError{Issues: []definition.Issue{
		{Field: "id", Message: "is required"},
		{Field: "title", Message: "is required"},
	}})
	rec := ta.do(t, http.MethodPost, "/controls", `{"yaml_config":"title: x"}`, identityWith(auth.RoleComplianceOfficer))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	details := decodeBody(t, rec)["details"].(map[string]any)
	if issues := details["issues"].([]any); len(issues) != 2 || issues[1] != "title is required" {
		t.Fatalf("issues=%v", issues)
	}
}

func TestCreateControlRequiresManagePermission(t *testing.T) {
	ta := newTestAPI()
	rec := ta.do(t, http.MethodPost, "/controls", `{"yaml_config":"id: c1"}`, identityWith(auth.RoleSurveillanceAnalyst))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("analyst status=%d, want 403", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/controls", `{"yaml_config":"id: c1"}`, identityWith(auth.RoleComplianceOfficer))
	if rec.Code != http.StatusCreated {
		t.Fatalf("officer status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(ta.controls.created) != 1 || ta.controls.created[0].TenantID != "tenant-a" || ta.controls.created[0].Audit.Actor != "user-1" {
		t.Fatalf("created=%+v", ta.controls.created)
	}
}

func TestValidateReturnsIssues(t *testing.T) {
	ta := newTestAPI()
	rec := ta.do(t, http.MethodPost, "/controls/validate", `{"yaml_config":"title: x"}`, identityWith(auth.RoleAuditor))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["valid"] != false || len(body["issues"].([]any)) != 1 {
		t.Fatalf("body=%v", body)
	}
}

func TestRejectsUnknownFieldsAndMissingIdentity(t *testing.T) {
	ta := newTestAPI()
	rec := ta.do(t, http.MethodPost, "/controls/c1/runs", `{"dataset_id":"ds1","sql":"DROP"}`, identityWith(auth.RoleAdmin))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d, want 400", rec.Code)
	}
	rec = ta.do(t, http.MethodGet, "/controls", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no identity status=%d, want 401", rec.Code)
	}
}

func TestGetControlNotFoundAcrossTenants(t *testing.T) {
	ta := newTestAPI()
	other := identityWith(auth.RoleAdmin)
	other.TenantID = "tenant-b"
	if rec := ta.do(t, http.MethodGet, "/controls/c1", "", other); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if rec := ta.do(t, http.MethodGet, "/controls/c1", "", identityWith(auth.RoleAuditor)); rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
}

func TestListRunsForwardsFilters(t *testing.T) {
	ta := newTestAPI()
	rec := ta.do(t, http.MethodGet, "/controls/c1/runs?status=failed&dataset_id=ds1&limit=5", "", identityWith(auth.RoleAuditor))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	f := ta.runs.filters[0]
	if f.TenantID != "tenant-a" || f.ControlID != "c1" || f.DatasetID != "ds1" || f.Status != domain.RunStatusFailed || f.Limit != 5 {
		t.Fatalf("filter=%+v", f)
	}
	if rec := ta.do(t, http.MethodGet, "/runs?limit=many", "", identityWith(auth.RoleAuditor)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d, want 400", rec.Code)
	}
}

func TestDeleteDatasetPermissions(t *testing.T) {
	ta := newTestAPI()
	if rec := ta.do(t, http.MethodDelete, "/datasets/ds1", "", identityWith(auth.RoleSurveillanceAnalyst)); rec.Code != http.StatusForbidden {
		t.Fatalf("analyst status=%d, want 403", rec.Code)
	}
	rec := ta.do(t, http.MethodDelete, "/datasets/ds1", "", identityWith(auth.RoleOperationsHead))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(ta.datasets.deleted) != 1 || ta.datasets.deleted[0] != "tenant-a/ds1" {
		t.Fatalf("deleted=%v", ta.datasets.deleted)
	}
}

func TestMiddlewareAndRoutesWithSignedHeaders(t *testing.T) {
	ta := newTestAPI()
	authn, err := auth.NewGatewayHeadersAuthenticator(auth.Config{InternalSecret: "secret", MaxSkew: time.Minute})
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	handler := auth.Middleware{Authenticator: authn, Authorize: auth.ReadOnlyAuthorizer()}.Wrap(ta.mux)

	ts := time.Now().Unix()
	signed := auth.SignedHeaders{
		Timestamp: strconv.FormatInt(ts, 10),
		Method:    http.MethodGet,
		Path:      "/controls",
		Subject:   "user-1",
		TenantID:  "tenant-a",
		Roles:     auth.RoleAuditor,
	}
	sig, err := auth.ComputeInternalAuthSignature("secret", signed)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "http://controls.test/controls", nil)
	req.Header.Set(auth.HeaderSubject, signed.Subject)
	req.Header.Set(auth.HeaderTenant, signed.TenantID)
	req.Header.Set(auth.HeaderRoles, signed.Roles)
	req.Header.Set(auth.HeaderInternalAuthTimestamp, signed.Timestamp)
	req.Header.Set(auth.HeaderInternalAuthSignature, sig)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
