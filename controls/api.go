package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/definition"
	"github.com/atharvv04/CompliancePilot/internal/platform/auth"
	"github.com/atharvv04/CompliancePilot/internal/platform/httpserver"
	"github.com/atharvv04/CompliancePilot/internal/repo"
	"github.com/atharvv04/CompliancePilot/internal/service/controlruns"
	"github.com/atharvv04/CompliancePilot/internal/service/controls"
	"github.com/atharvv04/CompliancePilot/internal/service/datasets"
)

type controlService interface {
	Validate(raw string) controls.ValidationResult
	Create(ctx context.Context, req controls.CreateRequest) (domain.Control, error)
	UpdateDefinition(ctx context.Context, req controls.UpdateRequest) (domain.Control, error)
	SetActive(ctx context.Context, tenantID, controlID string, active bool, info controls.AuditInfo) error
	Get(ctx context.Context, tenantID, controlID string) (domain.Control, error)
	List(ctx context.Context, filter repo.ControlFilter) ([]domain.Control, error)
}

type runService interface {
	Execute(ctx context.Context, req controlruns.ExecuteRequest) (domain.ControlRun, error)
	GetRun(ctx context.Context, tenantID, runID string) (domain.ControlRun, error)
	ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ControlRun, error)
}

type datasetService interface {
	Get(ctx context.Context, tenantID, id string) (domain.Dataset, error)
	List(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error)
	Delete(ctx context.Context, tenantID, id string, info datasets.AuditInfo) (datasets.DeleteResult, error)
}

type controlsAPI struct {
	logger       *slog.Logger
	controls     controlService
	runs         runService
	datasets     datasetService
	maxBodyBytes int64
}

func newControlsAPI(logger *slog.Logger, controls controlService, runs runService, datasets datasetService, maxBodyBytes int64) *controlsAPI {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &controlsAPI{
		logger:       logger,
		controls:     controls,
		runs:         runs,
		datasets:     datasets,
		maxBodyBytes: maxBodyBytes,
	}
}

func (api *controlsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /controls/validate", api.handleValidate)
	mux.HandleFunc("GET /controls", api.handleListControls)
	mux.HandleFunc("POST /controls", api.handleCreateControl)
	mux.HandleFunc("GET /controls/{control_id}", api.handleGetControl)
	mux.HandleFunc("PUT /controls/{control_id}", api.handleUpdateControl)
	mux.HandleFunc("POST /controls/{control_id}/activate", api.handleSetActive(true))
	mux.HandleFunc("POST /controls/{control_id}/deactivate", api.handleSetActive(false))

	mux.HandleFunc("POST /controls/{control_id}/runs", api.handleExecute)
	mux.HandleFunc("GET /controls/{control_id}/runs", api.handleListControlRuns)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)

	mux.HandleFunc("GET /datasets", api.handleListDatasets)
	mux.HandleFunc("GET /datasets/{dataset_id}", api.handleGetDataset)
	mux.HandleFunc("DELETE /datasets/{dataset_id}", api.handleDeleteDataset)
}

type controlView struct {
	ControlID   string    `json:"control_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Dataset     string    `json:"dataset"`
	Frequency   string    `json:"frequency"`
	Severity    string    `json:"severity"`
	YAMLConfig  string    `json:"yaml_config"`
	Version     int       `json:"version"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by"`
}

func toControlView(c domain.Control) controlView {
	return controlView{
		ControlID:   c.ID,
		Title:       c.Title,
		Description: c.Description,
		Category:    string(c.Category),
		Dataset:     c.Dataset,
		Frequency:   string(c.Frequency),
		Severity:    string(c.Severity),
		YAMLConfig:  c.YAMLConfig,
		Version:     c.Version,
		IsActive:    c.IsActive,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		CreatedBy:   c.CreatedBy,
	}
}

type runView struct {
	RunID          string             `json:"run_id"`
	ControlID      string             `json:"control_id"`
	ControlVersion int                `json:"control_version"`
	DatasetID      string             `json:"dataset_id"`
	TriggeredBy    string             `json:"triggered_by"`
	Status         string             `json:"status"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Results        *domain.RunResults `json:"results,omitempty"`
	EvidenceHash   string             `json:"evidence_hash,omitempty"`
	Error          *domain.RunError   `json:"error,omitempty"`
}

func toRunView(r domain.ControlRun) runView {
	return runView{
		RunID:          r.ID,
		ControlID:      r.ControlID,
		ControlVersion: r.ControlVersion,
		DatasetID:      r.DatasetID,
		TriggeredBy:    r.TriggeredBy,
		Status:         string(r.Status),
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Results:        r.Results,
		EvidenceHash:   r.EvidenceHash,
		Error:          r.Error,
	}
}

type datasetView struct {
	DatasetID  string    `json:"dataset_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	FilePath   string    `json:"file_path"`
	FileHash   string    `json:"file_hash"`
	Schema     []string  `json:"schema"`
	RowCount   int64     `json:"row_count"`
	UploadedAt time.Time `json:"uploaded_at"`
	UploadedBy string    `json:"uploaded_by"`
}

func toDatasetView(d domain.Dataset) datasetView {
	schema := d.Schema
	if schema == nil {
		schema = []string{}
	}
	return datasetView{
		DatasetID:  d.ID,
		Name:       d.Name,
		Type:       string(d.Type),
		FilePath:   d.FilePath,
		FileHash:   d.FileHash,
		Schema:     schema,
		RowCount:   d.RowCount,
		UploadedAt: d.UploadedAt,
		UploadedBy: d.UploadedBy,
	}
}

type definitionRequest struct {
	YAMLConfig      string `json:"yaml_config"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

func (api *controlsAPI) handleValidate(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.identity(w, r, auth.PermissionRead); !ok {
		return
	}
	var req definitionRequest
	if err := api.decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, api.controls.Validate(req.YAMLConfig))
}

func (api *controlsAPI) handleListControls(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionRead)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", nil)
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list, err := api.controls.List(r.Context(), repo.ControlFilter{
		TenantID:   identity.TenantID,
		Category:   domain.ControlCategory(strings.TrimSpace(r.URL.Query().Get("category"))),
		ActiveOnly: activeOnly,
		Limit:      limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]controlView, 0, len(list))
	for _, c := range list {
		out = append(out, toControlView(c))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"controls": out})
}

func (api *controlsAPI) handleCreateControl(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionManageControls)
	if !ok {
		return
	}
	var req definitionRequest
	if err := api.decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	control, err := api.controls.Create(r.Context(), controls.CreateRequest{
		TenantID: identity.TenantID,
		YAML:     req.YAMLConfig,
		Audit:    controls.AuditInfo(api.auditInfo(r, identity)),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/controls/"+control.ID)
	httpserver.WriteJSON(w, http.StatusCreated, toControlView(control))
}

func (api *controlsAPI) handleGetControl(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionRead)
	if !ok {
		return
	}
	control, err := api.controls.Get(r.Context(), identity.TenantID, r.PathValue("control_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toControlView(control))
}

func (api *controlsAPI) handleUpdateControl(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionManageControls)
	if !ok {
		return
	}
	var req definitionRequest
	if err := api.decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	control, err := api.controls.UpdateDefinition(r.Context(), controls.UpdateRequest{
		TenantID:        identity.TenantID,
		ControlID:       r.PathValue("control_id"),
		YAML:            req.YAMLConfig,
		ExpectedVersion: req.ExpectedVersion,
		Audit:           controls.AuditInfo(api.auditInfo(r, identity)),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toControlView(control))
}

func (api *controlsAPI) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := api.identity(w, r, auth.PermissionManageControls)
		if !ok {
			return
		}
		controlID := r.PathValue("control_id")
		if err := api.controls.SetActive(r.Context(), identity.TenantID, controlID, active, controls.AuditInfo(api.auditInfo(r, identity))); err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"control_id": controlID, "is_active": active})
	}
}

type executeRequest struct {
	DatasetID string `json:"dataset_id"`
}

func (api *controlsAPI) handleExecute(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionExecuteControl)
	if !ok {
		return
	}
	var req executeRequest
	if err := api.decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	run, err := api.runs.Execute(r.Context(), controlruns.ExecuteRequest{
		TenantID:    identity.TenantID,
		ControlID:   r.PathValue("control_id"),
		DatasetID:   req.DatasetID,
		TriggeredBy: identity.Subject,
		Audit:       controlruns.AuditInfo{RequestID: requestID(r), UserAgent: r.UserAgent(), IP: requestIP(r.RemoteAddr)},
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/runs/"+run.ID)
	httpserver.WriteJSON(w, http.StatusCreated, toRunView(run))
}

func (api *controlsAPI) handleListControlRuns(w http.ResponseWriter, r *http.Request) {
	api.listRuns(w, r, r.PathValue("control_id"))
}

func (api *controlsAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	api.listRuns(w, r, strings.TrimSpace(r.URL.Query().Get("control_id")))
}

func (api *controlsAPI) listRuns(w http.ResponseWriter, r *http.Request, controlID string) {
	identity, ok := api.identity(w, r, auth.PermissionRead)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", nil)
		return
	}
	list, err := api.runs.ListRuns(r.Context(), repo.RunFilter{
		TenantID:  identity.TenantID,
		ControlID: controlID,
		DatasetID: strings.TrimSpace(r.URL.Query().Get("dataset_id")),
		Status:    domain.RunStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:     limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]runView, 0, len(list))
	for _, run := range list {
		out = append(out, toRunView(run))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *controlsAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionRead)
	if !ok {
		return
	}
	run, err := api.runs.GetRun(r.Context(), identity.TenantID, r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunView(run))
}

func (api *controlsAPI) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionRead)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", nil)
		return
	}
	list, err := api.datasets.List(r.Context(), repo.DatasetFilter{
		TenantID: identity.TenantID,
		Type:     domain.DatasetType(strings.TrimSpace(r.URL.Query().Get("type"))),
		Limit:    limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]datasetView, 0, len(list))
	for _, d := range list {
		out = append(out, toDatasetView(d))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

func (api *controlsAPI) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionRead)
	if !ok {
		return
	}
	ds, err := api.datasets.Get(r.Context(), identity.TenantID, r.PathValue("dataset_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toDatasetView(ds))
}

func (api *controlsAPI) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r, auth.PermissionManageDatasets)
	if !ok {
		return
	}
	res, err := api.datasets.Delete(r.Context(), identity.TenantID, r.PathValue("dataset_id"), datasets.AuditInfo(api.auditInfo(r, identity)))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"dataset_id":    res.Dataset.ID,
		"blob_removed":  res.BlobRemoved,
		"orphaned_blob": res.OrphanedBlob,
	})
}

// identity returns the caller when it holds perm, writing the error
// response otherwise.
func (api *controlsAPI) identity(w http.ResponseWriter, r *http.Request, perm auth.Permission) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" || strings.TrimSpace(identity.TenantID) == "" {
		httpserver.WriteError(w, r, http.StatusUnauthorized, "unauthenticated", nil)
		return auth.Identity{}, false
	}
	if err := auth.Require(identity, perm); err != nil {
		httpserver.WriteError(w, r, http.StatusForbidden, "forbidden", map[string]any{"permission": string(perm)})
		return auth.Identity{}, false
	}
	return identity, true
}

type auditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
}

func (api *controlsAPI) auditInfo(r *http.Request, identity auth.Identity) auditInfo {
	return auditInfo{
		Actor:     identity.Subject,
		RequestID: requestID(r),
		UserAgent: r.UserAgent(),
		IP:        requestIP(r.RemoteAddr),
	}
}

func (api *controlsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *definition.ValidationError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, controlruns.ErrControlInactive):
		httpserver.WriteError(w, r, http.StatusConflict, "control_inactive", nil)
	case errors.Is(err, controlruns.ErrNotFinalized):
		api.logger.Error("run not finalized", "request_id", requestID(r), "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "run_not_finalized", nil)
	case errors.Is(err, repo.ErrConflict):
		httpserver.WriteError(w, r, http.StatusConflict, "conflict", nil)
	case errors.Is(err, domain.ErrInvalidDefinition):
		var issues []string
		if errors.As(err, &verr) {
			issues = verr.Messages()
		} else {
			issues = []string{err.Error()}
		}
		httpserver.WriteError(w, r, http.StatusUnprocessableEntity, "invalid_definition", map[string]any{"issues": issues})
	case errors.Is(err, controls.ErrInvalidRequest),
		errors.Is(err, controlruns.ErrInvalidRequest),
		errors.Is(err, datasets.ErrInvalidRequest):
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_request", map[string]any{"message": err.Error()})
	default:
		api.logger.Error("request failed", "request_id", requestID(r), "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
	}
}

func (api *controlsAPI) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, api.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 || limit > 1000 {
		return 0, errors.New("invalid limit")
	}
	return limit, nil
}

func requestID(r *http.Request) string {
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-Id"))
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(strings.TrimSpace(host))
}
