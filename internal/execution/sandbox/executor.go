package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/binding"
	"github.com/atharvv04/CompliancePilot/internal/platform/env"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgQueryCanceled = "57014"

// sessionSQL scopes the transaction: the statement timeout, the tenant for
// row policies and a search_path that resolves nothing outside pg_catalog.
const sessionSQL = "SELECT set_config('statement_timeout', $1, true), set_config('app.tenant_id', $2, true), set_config('search_path', 'pg_catalog', true)"

const DefaultRole = "compliance_sandbox"

// Config bounds sandboxed queries. Role, when set, is assumed with SET LOCAL
// ROLE for the query; migrations grant it SELECT on the datasets schema only.
type Config struct {
	QueryTimeout  time.Duration
	MaxResultRows int
	Role          string
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("CONTROLS_QUERY_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxRows, err := env.Int("CONTROLS_MAX_RESULT_ROWS", 10000)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		QueryTimeout:  timeout,
		MaxResultRows: maxRows,
		Role:          strings.TrimSpace(env.String("CONTROLS_SANDBOX_ROLE", DefaultRole)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.QueryTimeout <= 0 {
		return errors.New("CONTROLS_QUERY_TIMEOUT must be positive")
	}
	if c.MaxResultRows < 1 {
		return errors.New("CONTROLS_MAX_RESULT_ROWS must be >= 1")
	}
	return nil
}

type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RowSet holds a bounded query result. Columns keep the result set order.
type RowSet struct {
	Columns []string
	Rows    [][]any
}

func (r RowSet) Count() int64 {
	return int64(len(r.Rows))
}

type Executor struct {
	db     TxBeginner
	cfg    Config
	logger *slog.Logger
}

func NewExecutor(db TxBeginner, cfg Config, logger *slog.Logger) (*Executor, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, cfg: cfg, logger: logger}, nil
}

// Execute runs stmt against the bound dataset in a read-only transaction
// that is always rolled back.
func (e *Executor) Execute(ctx context.Context, stmt Statement, b binding.Binding) (RowSet, error) {
	if err := ctx.Err(); err != nil {
		return RowSet{}, domain.NewError(domain.KindCancelled, "execution cancelled before start", err)
	}
	if len(stmt.tokens) == 0 {
		return RowSet{}, domain.NewError(domain.KindLogicExecutionFailed, "statement is not compiled", nil)
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(qctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return RowSet{}, e.mapError(ctx, qctx, err)
	}
	defer func() { _ = tx.Rollback() }()

	timeout := strconv.FormatInt(e.cfg.QueryTimeout.Milliseconds(), 10) + "ms"
	if _, err := tx.ExecContext(qctx, sessionSQL, timeout, b.TenantID); err != nil {
		return RowSet{}, e.mapError(ctx, qctx, err)
	}
	if e.cfg.Role != "" {
		if _, err := tx.ExecContext(qctx, "SET LOCAL ROLE "+pgx.Identifier{e.cfg.Role}.Sanitize()); err != nil {
			return RowSet{}, e.mapError(ctx, qctx, err)
		}
	}

	query := fmt.Sprintf("SELECT * FROM (%s) AS bounded LIMIT %d", stmt.Render(b), e.cfg.MaxResultRows+1)
	rows, err := tx.QueryContext(qctx, query, stmt.Args()...)
	if err != nil {
		return RowSet{}, e.mapError(ctx, qctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return RowSet{}, e.mapError(ctx, qctx, err)
	}
	out := RowSet{Columns: cols, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(out.Rows) >= e.cfg.MaxResultRows {
			return RowSet{}, domain.NewError(domain.KindResultTooLarge,
				fmt.Sprintf("query returned more than %d rows", e.cfg.MaxResultRows), nil)
		}
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return RowSet{}, e.mapError(ctx, qctx, err)
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return RowSet{}, e.mapError(ctx, qctx, err)
	}

	e.logger.Debug("control query executed",
		"tenant_id", b.TenantID,
		"dataset_id", b.DatasetID,
		"rows", len(out.Rows),
	)
	return out, nil
}

func (e *Executor) mapError(parent, qctx context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return domain.NewError(domain.KindCancelled, "execution cancelled", err)
	}
	if errors.Is(qctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindExecutionTimeout,
			fmt.Sprintf("query exceeded %s", e.cfg.QueryTimeout), err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return domain.NewError(domain.KindExecutionTimeout,
			fmt.Sprintf("query exceeded %s", e.cfg.QueryTimeout), err)
	}
	return domain.NewError(domain.KindLogicExecutionFailed, err.Error(), err)
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
