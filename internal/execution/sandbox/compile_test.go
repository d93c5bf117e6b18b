package sandbox

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/binding"
)

var testBinding = binding.Binding{
	TenantID:    "tenant-a",
	DatasetID:   "ds1",
	DatasetType: domain.DatasetTrades,
	Schema:      "datasets",
	Table:       "dataset_ds1",
}

func TestCompileBindsPlaceholdersAndRewritesTable(t *testing.T) {
	stmt, err := Compile("SELECT * FROM trades WHERE amount > :min AND side = :side;", map[string]any{"min": int64(100), "side": "BUY"})
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}
	got := stmt.Render(testBinding)
	want := `SELECT * FROM "datasets"."dataset_ds1" AS trades WHERE amount > $1 AND side = $2`
	if got != want {
		t.Fatalf("Render()=%q, want %q", got, want)
	}
	if !reflect.DeepEqual(stmt.Args(), []any{int64(100), "BUY"}) {
		t.Fatalf("Args()=%v", stmt.Args())
	}
}

func TestCompileReusesPositionForRepeatedName(t *testing.T) {
	stmt, err := Compile("SELECT * FROM trades WHERE a > :min OR b > :min OR c = :max", map[string]any{"max": 9, "min": 1})
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}
	got := stmt.Render(testBinding)
	if !strings.Contains(got, "a > $1 OR b > $1 OR c = $2") {
		t.Fatalf("Render()=%q", got)
	}
	if !reflect.DeepEqual(stmt.Args(), []any{1, 9}) {
		t.Fatalf("Args()=%v, want [1 9]", stmt.Args())
	}
}

func TestCompileLeavesUnknownPlaceholderVerbatim(t *testing.T) {
	stmt, err := Compile("SELECT * FROM trades WHERE a > :missing", nil)
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}
	if !strings.HasSuffix(stmt.Render(testBinding), "a > :missing") {
		t.Fatalf("Render()=%q", stmt.Render(testBinding))
	}
	if len(stmt.Args()) != 0 {
		t.Fatalf("Args()=%v, want none", stmt.Args())
	}
}

func TestCompileParameterValuesNeverEnterSQL(t *testing.T) {
	stmt, err := Compile("SELECT * FROM trades WHERE trader = :who", map[string]any{"who": "x'; DROP TABLE trades; --"})
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}
	if strings.Contains(stmt.Render(testBinding), "DROP") {
		t.Fatalf("parameter value leaked into SQL: %q", stmt.Render(testBinding))
	}
}

func TestCompileKeepsAliases(t *testing.T) {
	stmt, err := Compile("SELECT t.id FROM trades t JOIN trades AS u ON t.id = u.parent_id", nil)
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}
	want := `SELECT t.id FROM "datasets"."dataset_ds1" t JOIN "datasets"."dataset_ds1" AS u ON t.id = u.parent_id`
	if got := stmt.Render(testBinding); got != want {
		t.Fatalf("Render()=%q, want %q", got, want)
	}
}

func TestCompileAllowsSubqueriesFunctionsAndCTEs(t *testing.T) {
	cases := []string{
		"SELECT * FROM (SELECT trader, count(*) AS n FROM trades GROUP BY trader) s WHERE s.n > 3",
		"SELECT EXTRACT(YEAR FROM executed_at) AS y FROM trades",
		"WITH big AS (SELECT * FROM trades WHERE amount > 10) SELECT count(*) FROM big",
		"SELECT * FROM trades WHERE id IN (SELECT parent_id FROM trades)",
		"SELECT 'FROM accounts' AS label FROM trades -- JOIN accounts\n",
		"SELECT * FROM TRADES WHERE EXISTS (SELECT 1 FROM trades x WHERE x.id = trades.id)",
	}
	for _, tmpl := range cases {
		stmt, err := Compile(tmpl, nil)
		if err != nil {
			t.Fatalf("Compile(%q) err=%v", tmpl, err)
		}
		if !strings.Contains(stmt.Render(testBinding), `"datasets"."dataset_ds1"`) {
			t.Fatalf("Render(%q)=%q, missing binding", tmpl, stmt.Render(testBinding))
		}
	}
}

func TestCompileCTENameIsNotRewritten(t *testing.T) {
	stmt, err := Compile("WITH big AS (SELECT * FROM trades) SELECT * FROM big", nil)
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}
	got := stmt.Render(testBinding)
	if !strings.HasSuffix(got, "SELECT * FROM big") {
		t.Fatalf("Render()=%q", got)
	}
}

func TestCompileDropsComments(t *testing.T) {
	stmt, err := Compile("SELECT * /* everything */ FROM trades -- all rows", nil)
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}
	got := stmt.Render(testBinding)
	if strings.Contains(got, "everything") || strings.Contains(got, "all rows") {
		t.Fatalf("Render()=%q, comments kept", got)
	}
}

func TestCompileRejections(t *testing.T) {
	cases := map[string]string{
		"schema qualified":     "SELECT * FROM public.trades",
		"two tables":           "SELECT * FROM trades JOIN accounts ON accounts.id = trades.account_id",
		"comma tables":         "SELECT * FROM trades, accounts",
		"table function":       "SELECT * FROM generate_series(1, 10)",
		"no table":             "SELECT 1",
		"two statements":       "SELECT * FROM trades; DELETE FROM trades",
		"positional":           "SELECT * FROM trades WHERE id = $1",
		"unterminated":         "SELECT * FROM trades WHERE name = 'x",
		"empty":                "  ;  ",
		"table union":          "SELECT * FROM trades UNION ALL TABLE control_runs",
		"exists table":         "SELECT * FROM trades WHERE EXISTS (TABLE controls)",
		"qualified table":      "SELECT * FROM trades UNION TABLE public.controls",
		"parenthesized join":   "SELECT * FROM (controls CROSS JOIN trades)",
		"nested parenthesized": "SELECT * FROM trades WHERE EXISTS (SELECT 1 FROM ((controls)))",
		"comma after subquery": "SELECT * FROM trades t, (SELECT 1) s, controls",
		"comma after columns":  "SELECT * FROM trades t(a, b), controls",
		"comma after join":     "SELECT * FROM trades JOIN trades u ON true, controls",
		"comma after sample":   "SELECT * FROM trades TABLESAMPLE SYSTEM (10), controls",
		"xml query":            "SELECT query_to_xml('SELECT * FROM controls', true, false, '') FROM trades",
		"qualified xml query":  "SELECT pg_catalog.query_to_xml('TABLE controls', true, false, '') FROM trades",
		"table to xml":         "SELECT table_to_xml('controls', true, false, '') FROM trades",
		"dblink":               "SELECT * FROM trades WHERE dblink_connect('x') = 'OK'",
		"set config":           "SELECT set_config('app.tenant_id', 'tenant-b', true) FROM trades",
		"read file":            "SELECT pg_read_file('/etc/passwd') FROM trades",
		"large object":         "SELECT lo_import('/etc/passwd') FROM trades",
		"closes wrapper":       "SELECT * FROM trades) AS x CROSS JOIN (SELECT 1",
		"unclosed paren":       "SELECT * FROM trades WHERE id IN (1, 2",
	}
	for name, tmpl := range cases {
		_, err := Compile(tmpl, nil)
		if err == nil {
			t.Fatalf("%s: Compile(%q) expected error", name, tmpl)
		}
		if !errors.Is(err, domain.ErrLogicExecutionFailed) {
			t.Fatalf("%s: err=%v, want logic_execution_failed", name, err)
		}
	}
}

func TestCompileQuotedTableIsCaseSensitive(t *testing.T) {
	if _, err := Compile(`SELECT * FROM "Trades" JOIN "trades" ON true`, nil); err == nil {
		t.Fatalf("expected distinct quoted names to be rejected")
	}
	if _, err := Compile(`SELECT * FROM Trades JOIN trades ON true`, nil); err != nil {
		t.Fatalf("bare names differing in case should match: %v", err)
	}
}

func TestCompileTableShorthandAndParenthesizedJoins(t *testing.T) {
	cases := []struct {
		tmpl string
		want string
	}{
		{
			tmpl: "TABLE trades",
			want: `TABLE "datasets"."dataset_ds1"`,
		},
		{
			tmpl: "SELECT * FROM trades WHERE EXISTS (TABLE trades)",
			want: `SELECT * FROM "datasets"."dataset_ds1" AS trades WHERE EXISTS (TABLE "datasets"."dataset_ds1")`,
		},
		{
			tmpl: "SELECT * FROM (trades t JOIN trades u ON t.id = u.id)",
			want: `SELECT * FROM ("datasets"."dataset_ds1" t JOIN "datasets"."dataset_ds1" u ON t.id = u.id)`,
		},
		{
			tmpl: "SELECT x FROM trades t(x, y) WHERE x > 0",
			want: `SELECT x FROM "datasets"."dataset_ds1" t(x, y) WHERE x > 0`,
		},
	}
	for _, tc := range cases {
		stmt, err := Compile(tc.tmpl, nil)
		if err != nil {
			t.Fatalf("Compile(%q) err=%v", tc.tmpl, err)
		}
		if got := stmt.Render(testBinding); got != tc.want {
			t.Fatalf("Render(%q)=%q, want %q", tc.tmpl, got, tc.want)
		}
	}
}

func TestCompileAllowsOrdinaryFunctionCalls(t *testing.T) {
	stmt, err := Compile("SELECT coalesce(max(amount), 0), substring(note FROM 1 FOR 3) FROM trades WHERE pg_sleep(0) IS NOT NULL", nil)
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}
	if !strings.Contains(stmt.Render(testBinding), `FROM "datasets"."dataset_ds1" AS trades`) {
		t.Fatalf("Render()=%q", stmt.Render(testBinding))
	}
}
