package domain

import (
	"errors"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransitionRunStatus allows pending -> running -> {completed, failed}
// and pending -> failed. Terminal states never change.
func CanTransitionRunStatus(current, next RunStatus) bool {
	switch current {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

type RunResults struct {
	Passed              bool              `json:"passed"`
	ResultCount         int64             `json:"result_count"`
	EvidenceCount       int               `json:"evidence_count"`
	DeclaredExportCount int               `json:"declared_export_count"`
	ExecutionTimeMs     int64             `json:"execution_time_ms"`
	EvidenceFiles       []EvidenceFile    `json:"evidence_files"`
	EvidenceFailures    []EvidenceFailure `json:"evidence_failures,omitempty"`
	Summary             string            `json:"summary"`
}

type ControlRun struct {
	ID             string
	ControlID      string
	ControlVersion int
	DatasetID      string
	TenantID       string
	TriggeredBy    string
	Status         RunStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	Results        *RunResults
	EvidenceHash   string
	Error          *RunError
}

// ErrorMessage is the failure message of a failed run, empty otherwise.
func (r ControlRun) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

func (r ControlRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.ControlID) == "" {
		return errors.New("control id is required")
	}
	if !r.Status.Valid() {
		return errors.New("status is invalid")
	}
	if r.StartedAt.IsZero() {
		return errors.New("started_at is required")
	}
	switch r.Status {
	case RunStatusCompleted:
		if r.Results == nil || r.Error != nil {
			return errors.New("completed run must carry results and no error")
		}
		if strings.TrimSpace(r.EvidenceHash) == "" {
			return errors.New("completed run must carry an evidence hash")
		}
	case RunStatusFailed:
		if r.Error == nil || r.Results != nil {
			return errors.New("failed run must carry an error and no results")
		}
	}
	if r.Status.IsTerminal() && r.CompletedAt == nil {
		return errors.New("terminal run must carry completed_at")
	}
	return nil
}
