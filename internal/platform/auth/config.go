package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/platform/env"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	InternalSecret string
	MaxSkew        time.Duration
}

func ConfigFromEnv() (Config, error) {
	maxSkew, err := env.Duration("COMPLIANCE_AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		InternalSecret: env.String("COMPLIANCE_INTERNAL_AUTH_SECRET", ""),
		MaxSkew:        maxSkew,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.InternalSecret) == "" {
		return errors.New("COMPLIANCE_INTERNAL_AUTH_SECRET is required")
	}
	if c.MaxSkew < 0 {
		return errors.New("COMPLIANCE_AUTH_MAX_SKEW must be >= 0")
	}
	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
