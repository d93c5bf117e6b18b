package controlruns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/binding"
	"github.com/atharvv04/CompliancePilot/internal/execution/definition"
	"github.com/atharvv04/CompliancePilot/internal/execution/evidence"
	"github.com/atharvv04/CompliancePilot/internal/execution/sandbox"
	"github.com/atharvv04/CompliancePilot/internal/platform/env"
	"github.com/atharvv04/CompliancePilot/internal/repo"
	"github.com/google/uuid"
)

var (
	ErrInvalidRequest  = errors.New("invalid run request")
	ErrControlInactive = errors.New("control is inactive")
	ErrNotFinalized    = errors.New("run could not be finalized")
)

type Config struct {
	FinalizeTimeout     time.Duration
	StrictPassCondition bool
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("CONTROLS_FINALIZE_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	strict, err := env.Bool("CONTROLS_STRICT_PASS_CONDITION", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{FinalizeTimeout: timeout, StrictPassCondition: strict}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.FinalizeTimeout <= 0 {
		return errors.New("CONTROLS_FINALIZE_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) ParseOptions() []definition.Option {
	if c.StrictPassCondition {
		return []definition.Option{definition.WithStrictPassCondition()}
	}
	return nil
}

type ControlReader interface {
	GetControl(ctx context.Context, tenantID, id string) (domain.Control, error)
}

type BindingResolver interface {
	Resolve(ctx context.Context, tenantID, datasetID string) (binding.Binding, error)
}

type QueryExecutor interface {
	Execute(ctx context.Context, stmt sandbox.Statement, b binding.Binding) (sandbox.RowSet, error)
}

type EvidenceGenerator interface {
	Generate(ctx context.Context, req evidence.Request) evidence.Report
}

type Deps struct {
	Controls ControlReader
	Runs     repo.ControlRunRepository
	Resolver BindingResolver
	Executor QueryExecutor
	Evidence EvidenceGenerator
	// Audit is optional.
	Audit repo.AuditAppender
}

type Service struct {
	controls ControlReader
	runs     repo.ControlRunRepository
	resolver BindingResolver
	exec     QueryExecutor
	evidence EvidenceGenerator
	audit    repo.AuditAppender
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func New(deps Deps, cfg Config, logger *slog.Logger) (*Service, error) {
	switch {
	case deps.Controls == nil:
		return nil, errors.New("control reader is required")
	case deps.Runs == nil:
		return nil, errors.New("run repository is required")
	case deps.Resolver == nil:
		return nil, errors.New("binding resolver is required")
	case deps.Executor == nil:
		return nil, errors.New("query executor is required")
	case deps.Evidence == nil:
		return nil, errors.New("evidence generator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		controls: deps.Controls,
		runs:     deps.Runs,
		resolver: deps.Resolver,
		exec:     deps.Executor,
		evidence: deps.Evidence,
		audit:    deps.Audit,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

type AuditInfo struct {
	RequestID string
	UserAgent string
	IP        net.IP
}

type ExecuteRequest struct {
	TenantID    string
	ControlID   string
	DatasetID   string
	TriggeredBy string
	Audit       AuditInfo
}

func (r ExecuteRequest) normalize() (ExecuteRequest, error) {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.ControlID = strings.TrimSpace(r.ControlID)
	r.DatasetID = strings.TrimSpace(r.DatasetID)
	r.TriggeredBy = strings.TrimSpace(r.TriggeredBy)
	switch {
	case r.TenantID == "":
		return r, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	case r.ControlID == "":
		return r, fmt.Errorf("%w: control id is required", ErrInvalidRequest)
	case r.DatasetID == "":
		return r, fmt.Errorf("%w: dataset id is required", ErrInvalidRequest)
	case r.TriggeredBy == "":
		return r, fmt.Errorf("%w: triggered_by is required", ErrInvalidRequest)
	}
	return r, nil
}

// Execute runs one control against one dataset. Once a run record exists
// the returned error is nil and the run is terminal, failed or completed.
// A non-nil error with a run record means the terminal write did not land.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (domain.ControlRun, error) {
	req, err := req.normalize()
	if err != nil {
		return domain.ControlRun{}, err
	}

	control, err := s.controls.GetControl(ctx, req.TenantID, req.ControlID)
	if err != nil {
		return domain.ControlRun{}, fmt.Errorf("load control %s: %w", req.ControlID, err)
	}
	if !control.IsActive {
		return domain.ControlRun{}, fmt.Errorf("%w: %s", ErrControlInactive, control.ID)
	}

	def, err := definition.Parse([]byte(control.YAMLConfig), s.cfg.ParseOptions()...)
	if err != nil {
		return domain.ControlRun{}, err
	}
	if def.ID != control.ID {
		return domain.ControlRun{}, domain.NewError(domain.KindInvalidDefinition,
			fmt.Sprintf("definition id %q does not match control %q", def.ID, control.ID), nil)
	}

	run := domain.ControlRun{
		ID:             s.newID(),
		ControlID:      control.ID,
		ControlVersion: control.Version,
		DatasetID:      req.DatasetID,
		TenantID:       req.TenantID,
		TriggeredBy:    req.TriggeredBy,
		Status:         domain.RunStatusPending,
		StartedAt:      s.now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.ControlRun{}, fmt.Errorf("create run: %w", err)
	}

	logger := s.logger.With("tenant_id", run.TenantID, "run_id", run.ID, "control_id", run.ControlID)

	if err := s.runs.MarkRunning(ctx, run.TenantID, run.ID); err != nil {
		if cerr := checkpoint(ctx, "before start"); cerr != nil {
			return s.fail(ctx, logger, req, run, cerr)
		}
		logger.Error("mark run running failed", "error", err)
		return s.fail(ctx, logger, req, run, domain.NewError(domain.KindInternal, "start run: "+err.Error(), err))
	}
	run.Status = domain.RunStatusRunning
	s.appendAudit(ctx, logger, req, domain.AuditControlRunStarted, run, map[string]any{
		"from": string(domain.RunStatusPending),
		"to":   string(domain.RunStatusRunning),
	})

	results, hash, err := s.runSafely(ctx, logger, run, def)
	if err != nil {
		return s.fail(ctx, logger, req, run, err)
	}
	return s.complete(ctx, logger, req, run, results, hash)
}

func (s *Service) runSafely(ctx context.Context, logger *slog.Logger, run domain.ControlRun, def definition.Definition) (results domain.RunResults, hash string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("control run panicked", "panic", fmt.Sprint(r))
			err = domain.NewError(domain.KindInternal, fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	return s.run(ctx, logger, run, def)
}

func checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return domain.NewError(domain.KindCancelled, "run cancelled "+stage, err)
	}
	return nil
}

func (s *Service) run(ctx context.Context, logger *slog.Logger, run domain.ControlRun, def definition.Definition) (domain.RunResults, string, error) {
	started := s.now()
	if err := checkpoint(ctx, "before dataset resolution"); err != nil {
		return domain.RunResults{}, "", err
	}
	b, err := s.resolver.Resolve(ctx, run.TenantID, run.DatasetID)
	if err != nil {
		return domain.RunResults{}, "", err
	}
	if err := checkpoint(ctx, "before query execution"); err != nil {
		return domain.RunResults{}, "", err
	}

	params := def.Params()
	stmt, err := sandbox.Compile(def.Logic.Query, params)
	if err != nil {
		return domain.RunResults{}, "", err
	}
	rows, err := s.exec.Execute(ctx, stmt, b)
	if err != nil {
		return domain.RunResults{}, "", err
	}
	count := rows.Count()
	passed := def.Passed(logger, count)

	report := s.evidence.Generate(ctx, evidence.Request{
		RunID:   run.ID,
		Binding: b,
		Exports: def.Exports,
		Params:  params,
	})
	if err := checkpoint(ctx, "during evidence export"); err != nil {
		return domain.RunResults{}, "", err
	}

	files := report.Files()
	failures := report.Failures()
	if len(failures) > 0 {
		logger.Warn("evidence exports failed", "failed", len(failures), "declared", len(def.Exports))
	}
	return domain.RunResults{
		Passed:              passed,
		ResultCount:         count,
		EvidenceCount:       len(files),
		DeclaredExportCount: len(def.Exports),
		ExecutionTimeMs:     s.now().Sub(started).Milliseconds(),
		EvidenceFiles:       files,
		EvidenceFailures:    failures,
		Summary:             Summary(def.Title, passed, count),
	}, evidence.AggregateHash(files), nil
}

// Summary is the human readable outcome line stored with the results.
func Summary(title string, passed bool, count int64) string {
	verdict := "FAILED"
	if passed {
		verdict = "PASSED"
	}
	return fmt.Sprintf("%s: %s - Found %d violations", title, verdict, count)
}

// finalizeContext keeps the terminal write alive after the caller has gone.
func (s *Service) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
}

func (s *Service) complete(ctx context.Context, logger *slog.Logger, req ExecuteRequest, run domain.ControlRun, results domain.RunResults, hash string) (domain.ControlRun, error) {
	if !domain.CanTransitionRunStatus(run.Status, domain.RunStatusCompleted) {
		return run, fmt.Errorf("%w: %s -> %s", repo.ErrConflict, run.Status, domain.RunStatusCompleted)
	}
	fctx, cancel := s.finalizeContext(ctx)
	defer cancel()

	completedAt := s.now().UTC()
	if err := s.runs.CompleteRun(fctx, run.TenantID, run.ID, completedAt, results, hash); err != nil {
		logger.Error("complete run failed", "error", err)
		return run, fmt.Errorf("%w: %w", ErrNotFinalized, err)
	}
	run.Status = domain.RunStatusCompleted
	run.CompletedAt = &completedAt
	run.Results = &results
	run.EvidenceHash = hash

	logger.Info("control run completed",
		"passed", results.Passed,
		"result_count", results.ResultCount,
		"evidence_count", results.EvidenceCount,
	)
	s.appendAudit(fctx, logger, req, domain.AuditControlRunCompleted, run, map[string]any{
		"passed":         results.Passed,
		"result_count":   results.ResultCount,
		"evidence_count": results.EvidenceCount,
		"evidence_hash":  hash,
	})
	return run, nil
}

func (s *Service) fail(ctx context.Context, logger *slog.Logger, req ExecuteRequest, run domain.ControlRun, cause error) (domain.ControlRun, error) {
	if !domain.CanTransitionRunStatus(run.Status, domain.RunStatusFailed) {
		return run, fmt.Errorf("%w: %s -> %s", repo.ErrConflict, run.Status, domain.RunStatusFailed)
	}
	fctx, cancel := s.finalizeContext(ctx)
	defer cancel()

	runErr := domain.RunErrorFrom(cause)
	completedAt := s.now().UTC()
	if err := s.runs.FailRun(fctx, run.TenantID, run.ID, completedAt, *runErr); err != nil {
		logger.Error("fail run failed", "error", err, "cause", cause)
		return run, fmt.Errorf("%w: %w", ErrNotFinalized, err)
	}
	run.Status = domain.RunStatusFailed
	run.CompletedAt = &completedAt
	run.Error = runErr

	logger.Warn("control run failed", "kind", string(runErr.Kind), "error", runErr.Message)
	s.appendAudit(fctx, logger, req, domain.AuditControlRunFailed, run, map[string]any{
		"error_kind":    string(runErr.Kind),
		"error_message": runErr.Message,
	})
	return run, nil
}

func (s *Service) appendAudit(ctx context.Context, logger *slog.Logger, req ExecuteRequest, action string, run domain.ControlRun, extra map[string]any) {
	if s.audit == nil {
		return
	}
	payload := map[string]any{
		"control_id":      run.ControlID,
		"control_version": run.ControlVersion,
		"dataset_id":      run.DatasetID,
		"status":          string(run.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	_, err := s.audit.Append(ctx, domain.AuditEvent{
		OccurredAt:   s.now().UTC(),
		TenantID:     run.TenantID,
		Actor:        run.TriggeredBy,
		Action:       action,
		ResourceType: "control_run",
		ResourceID:   run.ID,
		RequestID:    req.Audit.RequestID,
		IP:           req.Audit.IP,
		UserAgent:    req.Audit.UserAgent,
		Payload:      payload,
	})
	if err != nil {
		logger.Error("audit append failed", "action", action, "error", err)
	}
}

func (s *Service) GetRun(ctx context.Context, tenantID, runID string) (domain.ControlRun, error) {
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" || runID == "" {
		return domain.ControlRun{}, fmt.Errorf("%w: tenant id and run id are required", ErrInvalidRequest)
	}
	return s.runs.GetRun(ctx, tenantID, runID)
}

// ListRuns returns run history, newest first, filtered by control, dataset
// or status within one tenant.
func (s *Service) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ControlRun, error) {
	filter.TenantID = strings.TrimSpace(filter.TenantID)
	if filter.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q is invalid", ErrInvalidRequest, filter.Status)
	}
	return s.runs.ListRuns(ctx, filter)
}
