package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// GatewayHeadersAuthenticator trusts identity headers only when they carry a
// valid gateway HMAC. Requests without a tenant are unauthenticated.
type GatewayHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewGatewayHeadersAuthenticator(cfg Config) (*GatewayHeadersAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &GatewayHeadersAuthenticator{
		Secret:  cfg.InternalSecret,
		MaxSkew: cfg.MaxSkew,
		Now:     time.Now,
	}, nil
}

func (a *GatewayHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if a == nil {
		return Identity{}, errors.New("authenticator not initialized")
	}
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	tenantID := strings.TrimSpace(r.Header.Get(HeaderTenant))
	if subject == "" || tenantID == "" {
		return Identity{}, ErrUnauthenticated
	}

	signed := SignedHeaders{
		Timestamp: strings.TrimSpace(r.Header.Get(HeaderInternalAuthTimestamp)),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get("X-Request-Id"),
		Subject:   subject,
		Email:     strings.TrimSpace(r.Header.Get(HeaderEmail)),
		TenantID:  tenantID,
		Roles:     strings.TrimSpace(r.Header.Get(HeaderRoles)),
	}
	sig := strings.TrimSpace(r.Header.Get(HeaderInternalAuthSignature))
	if signed.Timestamp == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	if err := VerifyInternalAuthTimestamp(signed.Timestamp, now().UTC(), a.MaxSkew); err != nil {
		return Identity{}, err
	}
	if err := VerifyInternalAuthSignature(a.Secret, signed, sig); err != nil {
		return Identity{}, err
	}

	return Identity{
		Subject:  subject,
		Email:    signed.Email,
		TenantID: tenantID,
		Roles:    parseCSV(signed.Roles),
	}, nil
}
