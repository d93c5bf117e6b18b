package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/repo"
)

const runColumns = `run_id, tenant_id, control_id, control_version, dataset_id, triggered_by, status, started_at, completed_at, results, evidence_hash, error`

type ControlRunStore struct {
	db DB
}

func NewControlRunStore(db DB) *ControlRunStore {
	if db == nil {
		return nil
	}
	return &ControlRunStore{db: db}
}

func scanRun(row rowScanner) (domain.ControlRun, error) {
	var run domain.ControlRun
	var status string
	var completedAt sql.NullTime
	var resultsJSON, errorJSON []byte
	var evidenceHash sql.NullString
	if err := row.Scan(
		&run.ID,
		&run.TenantID,
		&run.ControlID,
		&run.ControlVersion,
		&run.DatasetID,
		&run.TriggeredBy,
		&status,
		&run.StartedAt,
		&completedAt,
		&resultsJSON,
		&evidenceHash,
		&errorJSON,
	); err != nil {
		return domain.ControlRun{}, err
	}
	run.Status = domain.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		run.CompletedAt = &t
	}
	if evidenceHash.Valid {
		run.EvidenceHash = evidenceHash.String
	}
	if len(resultsJSON) > 0 {
		var results domain.RunResults
		if err := json.Unmarshal(resultsJSON, &results); err != nil {
			return domain.ControlRun{}, fmt.Errorf("decode results: %w", err)
		}
		run.Results = &results
	}
	if len(errorJSON) > 0 {
		var runErr domain.RunError
		if err := json.Unmarshal(errorJSON, &runErr); err != nil {
			return domain.ControlRun{}, fmt.Errorf("decode error: %w", err)
		}
		run.Error = &runErr
	}
	return run, nil
}

func (s *ControlRunStore) CreateRun(ctx context.Context, run domain.ControlRun) error {
	if s == nil || s.db == nil {
		return errors.New("control run store not initialized")
	}
	if run.Status != domain.RunStatusPending {
		return fmt.Errorf("new run must be %s, got %q", domain.RunStatusPending, run.Status)
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO control_runs (run_id, tenant_id, control_id, control_version, dataset_id, triggered_by, status, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.TenantID),
		strings.TrimSpace(run.ControlID),
		run.ControlVersion,
		strings.TrimSpace(run.DatasetID),
		strings.TrimSpace(run.TriggeredBy),
		string(run.Status),
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert control run: %w", handleUniqueViolation(err))
	}
	return nil
}

func (s *ControlRunStore) MarkRunning(ctx context.Context, tenantID, id string) error {
	if s == nil || s.db == nil {
		return errors.New("control run store not initialized")
	}
	tenantID, id, err := requireRunKey(tenantID, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE control_runs SET status = 'running'
		 WHERE tenant_id = $1 AND run_id = $2 AND status = 'pending'`,
		tenantID,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return expectOneRow(res)
}

// CompleteRun writes results and evidence hash in one statement; it only
// applies while the run is still running.
func (s *ControlRunStore) CompleteRun(ctx context.Context, tenantID, id string, completedAt time.Time, results domain.RunResults, evidenceHash string) error {
	if s == nil || s.db == nil {
		return errors.New("control run store not initialized")
	}
	tenantID, id, err := requireRunKey(tenantID, id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(evidenceHash) == "" {
		return errors.New("evidence hash is required")
	}
	if results.EvidenceFiles == nil {
		results.EvidenceFiles = []domain.EvidenceFile{}
	}
	resultsJSON, err := encodeJSON(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE control_runs
		 SET status = 'completed', completed_at = $3, results = $4, evidence_hash = $5
		 WHERE tenant_id = $1 AND run_id = $2 AND status = 'running'`,
		tenantID,
		id,
		normalizeTime(completedAt),
		resultsJSON,
		evidenceHash,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return expectOneRow(res)
}

// FailRun records the failure; it applies to pending or running runs only.
func (s *ControlRunStore) FailRun(ctx context.Context, tenantID, id string, completedAt time.Time, runErr domain.RunError) error {
	if s == nil || s.db == nil {
		return errors.New("control run store not initialized")
	}
	tenantID, id, err := requireRunKey(tenantID, id)
	if err != nil {
		return err
	}
	if runErr.Kind == "" {
		runErr.Kind = domain.KindInternal
	}
	errorJSON, err := encodeJSON(runErr)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE control_runs
		 SET status = 'failed', completed_at = $3, error = $4, error_message = $5
		 WHERE tenant_id = $1 AND run_id = $2 AND status IN ('pending', 'running')`,
		tenantID,
		id,
		normalizeTime(completedAt),
		errorJSON,
		runErr.Message,
	)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return expectOneRow(res)
}

func (s *ControlRunStore) GetRun(ctx context.Context, tenantID, id string) (domain.ControlRun, error) {
	if s == nil || s.db == nil {
		return domain.ControlRun{}, errors.New("control run store not initialized")
	}
	tenantID, id, err := requireRunKey(tenantID, id)
	if err != nil {
		return domain.ControlRun{}, err
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM control_runs WHERE tenant_id = $1 AND run_id = $2`,
		tenantID,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.ControlRun{}, handleNotFound(err)
	}
	return run, nil
}

func buildRunListQuery(filter repo.RunFilter) (string, []any, error) {
	tenantID, err := requireTenant(filter.TenantID)
	if err != nil {
		return "", nil, err
	}
	var w whereBuilder
	w.add("tenant_id", tenantID)
	if v := strings.TrimSpace(filter.ControlID); v != "" {
		w.add("control_id", v)
	}
	if v := strings.TrimSpace(filter.DatasetID); v != "" {
		w.add("dataset_id", v)
	}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return "", nil, fmt.Errorf("invalid status %q", filter.Status)
		}
		w.add("status", string(filter.Status))
	}
	query, args := w.build(`SELECT `+runColumns+` FROM control_runs`, "started_at DESC", filter.Limit)
	return query, args, nil
}

func (s *ControlRunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ControlRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("control run store not initialized")
	}
	query, args, err := buildRunListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.ControlRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func requireRunKey(tenantID, id string) (string, string, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return "", "", err
	}
	id, err = requireID("run", id)
	if err != nil {
		return "", "", err
	}
	return tenantID, id, nil
}
