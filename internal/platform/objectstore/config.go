package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atharvv04/CompliancePilot/internal/platform/env"
)

// Config locates the S3-compatible store holding uploaded datasets and
// evidence files.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	BucketDatasets string
	BucketEvidence string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("COMPLIANCE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:       env.String("COMPLIANCE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:      env.String("COMPLIANCE_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey:      env.String("COMPLIANCE_MINIO_SECRET_KEY", "minioadmin123"),
		Region:         env.String("COMPLIANCE_MINIO_REGION", "us-east-1"),
		UseSSL:         useSSL,
		BucketDatasets: env.String("COMPLIANCE_MINIO_BUCKET_DATASETS", "compliance-pilot"),
		BucketEvidence: env.String("COMPLIANCE_MINIO_BUCKET_EVIDENCE", "compliance-pilot-evidence"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("access key and secret key are required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketDatasets) == "" {
		return errors.New("datasets bucket is required")
	}
	if strings.TrimSpace(c.BucketEvidence) == "" {
		return errors.New("evidence bucket is required")
	}
	return nil
}
