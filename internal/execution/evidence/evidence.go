// Package evidence runs a control's export queries and stores each result
// as a CSV object whose sha256 is recorded with the run.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/blobstore"
	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/binding"
	"github.com/atharvv04/CompliancePilot/internal/execution/definition"
	"github.com/atharvv04/CompliancePilot/internal/execution/sandbox"
	"github.com/atharvv04/CompliancePilot/internal/platform/env"
	"golang.org/x/sync/errgroup"
)

const (
	Category       = "evidence"
	CSVContentType = "text/csv"
)

type Config struct {
	ExportTimeout time.Duration
	Concurrency   int
	VerifyUploads bool
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("CONTROLS_EXPORT_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	concurrency, err := env.Int("CONTROLS_EXPORT_CONCURRENCY", 4)
	if err != nil {
		return Config{}, err
	}
	verify, err := env.Bool("CONTROLS_VERIFY_EVIDENCE_UPLOADS", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{ExportTimeout: timeout, Concurrency: concurrency, VerifyUploads: verify}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ExportTimeout <= 0 {
		return errors.New("CONTROLS_EXPORT_TIMEOUT must be positive")
	}
	if c.Concurrency < 1 {
		return errors.New("CONTROLS_EXPORT_CONCURRENCY must be >= 1")
	}
	return nil
}

type QueryExecutor interface {
	Execute(ctx context.Context, stmt sandbox.Statement, b binding.Binding) (sandbox.RowSet, error)
}

type BlobWriter interface {
	Put(ctx context.Context, req blobstore.PutRequest) (blobstore.Blob, error)
	Verify(ctx context.Context, key, want string) error
}

type Request struct {
	RunID   string
	Binding binding.Binding
	Exports []definition.Export
	Params  map[string]any
}

// Outcome is the result of one declared export: exactly one of File and Err
// is set.
type Outcome struct {
	Name string
	File *domain.EvidenceFile
	Err  error
}

type Report struct {
	Outcomes []Outcome
}

func (r Report) Files() []domain.EvidenceFile {
	out := make([]domain.EvidenceFile, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.File != nil {
			out = append(out, *o.File)
		}
	}
	return out
}

func (r Report) Failures() []domain.EvidenceFailure {
	out := make([]domain.EvidenceFailure, 0)
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, domain.EvidenceFailure{Name: o.Name, Kind: domain.KindOf(o.Err), Message: o.Err.Error()})
		}
	}
	return out
}

// AggregateHash is the sha256 over each file hash, in order. With no files
// it is the digest of empty input.
func AggregateHash(files []domain.EvidenceFile) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type Generator struct {
	exec   QueryExecutor
	blobs  BlobWriter
	cfg    Config
	logger *slog.Logger
}

func NewGenerator(exec QueryExecutor, blobs BlobWriter, cfg Config, logger *slog.Logger) (*Generator, error) {
	if exec == nil {
		return nil, errors.New("query executor is required")
	}
	if blobs == nil {
		return nil, errors.New("blob writer is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{exec: exec, blobs: blobs, cfg: cfg, logger: logger}, nil
}

// Generate runs every export. A failing export is recorded in its outcome
// and never stops the others.
func (g *Generator) Generate(ctx context.Context, req Request) Report {
	report := Report{Outcomes: make([]Outcome, len(req.Exports))}
	if len(req.Exports) == 0 {
		return report
	}

	var grp errgroup.Group
	grp.SetLimit(g.cfg.Concurrency)
	for i, exp := range req.Exports {
		grp.Go(func() error {
			file, err := g.export(ctx, req, exp)
			report.Outcomes[i] = Outcome{Name: exp.Name, File: file, Err: err}
			if err != nil {
				g.logger.Warn("evidence export failed",
					"run_id", req.RunID,
					"tenant_id", req.Binding.TenantID,
					"export", exp.Name,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = grp.Wait()
	return report
}

func (g *Generator) export(ctx context.Context, req Request, exp definition.Export) (*domain.EvidenceFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, exportError(exp.Name, "cancelled before start", err)
	}
	ectx, cancel := context.WithTimeout(ctx, g.cfg.ExportTimeout)
	defer cancel()

	stmt, err := sandbox.Compile(exp.Query, req.Params)
	if err != nil {
		return nil, exportError(exp.Name, "compile", err)
	}
	rows, err := g.exec.Execute(ectx, stmt, req.Binding)
	if err != nil {
		return nil, exportError(exp.Name, "query", err)
	}
	data, err := EncodeCSV(rows)
	if err != nil {
		return nil, exportError(exp.Name, "encode", err)
	}

	blob, err := g.blobs.Put(ectx, blobstore.PutRequest{
		TenantID:    req.Binding.TenantID,
		Category:    Category,
		Subcategory: string(req.Binding.DatasetType),
		Name:        exp.Name + ".csv",
		ContentType: CSVContentType,
		Data:        data,
	})
	if err != nil {
		return nil, exportError(exp.Name, "upload", err)
	}
	if g.cfg.VerifyUploads {
		if err := g.blobs.Verify(ectx, blob.Key, blob.SHA256); err != nil {
			return nil, exportError(exp.Name, "verify upload", err)
		}
	}

	return &domain.EvidenceFile{
		Name:        exp.Name,
		Path:        blob.Key,
		Hash:        blob.SHA256,
		RowCount:    len(rows.Rows),
		SizeBytes:   blob.Size,
		Description: exp.Description,
	}, nil
}

func exportError(name, stage string, err error) error {
	return domain.NewError(domain.KindEvidenceExportFailed, fmt.Sprintf("export %s: %s: %v", name, stage, err), err)
}

// EncodeCSV writes the header followed by one record per row. A result with
// no rows still carries its header.
func EncodeCSV(rows sandbox.RowSet) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(rows.Columns); err != nil {
		return nil, err
	}
	record := make([]string, len(rows.Columns))
	for _, row := range rows.Rows {
		if len(row) != len(rows.Columns) {
			return nil, fmt.Errorf("row has %d values, want %d", len(row), len(rows.Columns))
		}
		for i, v := range row {
			record[i] = formatValue(v)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}
