package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/atharvv04/CompliancePilot/internal/platform/auth"
)

const unknownTenant = "unknown"

// InsertAuthDeny records a rejected request. Unauthenticated callers have no
// tenant yet and are filed under the "unknown" tenant.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}
	tenant := strings.TrimSpace(event.TenantID)
	if tenant == "" {
		tenant = unknownTenant
	}

	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	_, err := Insert(ctx, q, Event{
		OccurredAt:   event.Time,
		TenantID:     tenant,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"roles":   event.Roles,
		},
	})
	return err
}
