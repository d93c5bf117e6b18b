package domain

import (
	"errors"
	"net"
	"strings"
	"time"
)

const (
	AuditControlRunStarted   = "control_run.started"
	AuditControlRunCompleted = "control_run.completed"
	AuditControlRunFailed    = "control_run.failed"
	AuditControlCreated      = "control.created"
	AuditControlUpdated      = "control.updated"
	AuditControlActivated    = "control.activated"
	AuditControlDeactivated  = "control.deactivated"
	AuditDatasetDeleted      = "dataset.deleted"
	AuditDatasetBlobOrphaned = "dataset.blob_orphaned"
)

// AuditEvent is an immutable audit record scoped to one tenant.
type AuditEvent struct {
	OccurredAt   time.Time
	TenantID     string
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Payload      map[string]any
}

func (e AuditEvent) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New("tenant_id is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("resource_type is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("resource_id is required")
	}
	return nil
}
