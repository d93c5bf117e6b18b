package postgres

import (
	"testing"
	"time"
)

func TestConfigFromEnvDefaultsAreValid(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	cfg := Config{
		URL:          "postgres://localhost/db",
		PingTimeout:  time.Second,
		MaxOpenConns: 2,
		MaxIdleConns: 3,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error when idle > open")
	}
}

func TestConfigFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("DATABASE_PING_TIMEOUT", "fast")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() expected error")
	}
}
