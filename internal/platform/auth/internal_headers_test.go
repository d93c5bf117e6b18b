package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret string, now time.Time, tenant string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://example.test/controls/ctl-1/runs", nil)
	req.Header.Set("X-Request-Id", "rid-2")
	req.Header.Set(HeaderSubject, "alice")
	req.Header.Set(HeaderEmail, "alice@example.test")
	req.Header.Set(HeaderTenant, tenant)
	req.Header.Set(HeaderRoles, "compliance_officer,auditor")

	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := ComputeInternalAuthSignature(secret, SignedHeaders{
		Timestamp: ts,
		Method:    req.Method,
		Path:      req.URL.Path,
		RequestID: "rid-2",
		Subject:   "alice",
		Email:     "alice@example.test",
		TenantID:  tenant,
		Roles:     "compliance_officer,auditor",
	})
	if err != nil {
		t.Fatalf("ComputeInternalAuthSignature() err=%v", err)
	}
	req.Header.Set(HeaderInternalAuthTimestamp, ts)
	req.Header.Set(HeaderInternalAuthSignature, sig)
	return req
}

func TestInternalAuthSignature_Verify(t *testing.T) {
	h := SignedHeaders{
		Timestamp: "1700000000",
		Method:    "GET",
		Path:      "/controls",
		RequestID: "rid-1",
		Subject:   "alice",
		TenantID:  "tenant-a",
		Roles:     "admin",
	}
	sig, err := ComputeInternalAuthSignature("test-secret", h)
	if err != nil {
		t.Fatalf("ComputeInternalAuthSignature() err=%v", err)
	}
	if err := VerifyInternalAuthSignature("test-secret", h, sig); err != nil {
		t.Fatalf("VerifyInternalAuthSignature() err=%v", err)
	}
	h.TenantID = "tenant-b"
	if err := VerifyInternalAuthSignature("test-secret", h, sig); err == nil {
		t.Fatalf("expected verification to fail when tenant changes")
	}
}

func TestInternalAuthTimestamp_Verify(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	if err := VerifyInternalAuthTimestamp("1700000000", now, 5*time.Minute); err != nil {
		t.Fatalf("VerifyInternalAuthTimestamp() err=%v", err)
	}
	if err := VerifyInternalAuthTimestamp("1690000000", now, 5*time.Minute); err == nil {
		t.Fatalf("expected timestamp to be rejected")
	}
	if err := VerifyInternalAuthTimestamp("soon", now, 5*time.Minute); err == nil {
		t.Fatalf("expected non-numeric timestamp to be rejected")
	}
}

func TestGatewayHeadersAuthenticator(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	authn, err := NewGatewayHeadersAuthenticator(Config{InternalSecret: "test-secret", MaxSkew: time.Minute})
	if err != nil {
		t.Fatalf("NewGatewayHeadersAuthenticator() err=%v", err)
	}
	authn.Now = func() time.Time { return now }

	req := signedRequest(t, "test-secret", now, "tenant-a")
	identity, err := authn.Authenticate(req.Context(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != "alice" || identity.TenantID != "tenant-a" {
		t.Fatalf("identity=%+v", identity)
	}
	if len(identity.Roles) != 2 || identity.Roles[0] != RoleComplianceOfficer {
		t.Fatalf("Roles=%v", identity.Roles)
	}

	req.Header.Set(HeaderTenant, "tenant-b")
	if _, err := authn.Authenticate(req.Context(), req); err == nil {
		t.Fatalf("expected tampered tenant to be rejected")
	}

	req.Header.Del(HeaderTenant)
	if _, err := authn.Authenticate(req.Context(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v, want ErrUnauthenticated", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	if err := (Config{InternalSecret: "s", MaxSkew: -time.Second}).Validate(); err == nil {
		t.Fatalf("expected negative skew to fail")
	}
}
