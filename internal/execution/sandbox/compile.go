package sandbox

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/binding"
	mapset "github.com/deckarep/golang-set/v2"
)

// Words that can follow a table reference without being its alias.
var clauseKeywords = mapset.NewSet(
	"where", "join", "inner", "left", "right", "full", "cross", "natural", "outer",
	"on", "using", "group", "order", "limit", "offset", "having", "union", "intersect",
	"except", "window", "fetch", "for", "lateral", "tablesample", "and", "or",
	"returning", "select", "from", "into", "with",
)

// Words that close the FROM list of the query level they appear in.
var fromListEnd = mapset.NewSet(
	"where", "group", "having", "order", "limit", "offset", "window", "union",
	"intersect", "except", "fetch", "for", "returning", "into",
)

// Functions that reach relations or server state by name rather than
// through a FROM item.
var deniedFunctions = mapset.NewSet(
	"set_config", "pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf",
)

func deniedFunction(name string) bool {
	name = strings.ToLower(name)
	return deniedFunctions.Contains(name) ||
		strings.Contains(name, "_to_xml") ||
		strings.HasPrefix(name, "dblink") ||
		strings.HasPrefix(name, "lo_")
}

// Statement is a compiled query template. Parameters referenced as :name
// are bound positionally; the single dataset table reference is substituted
// when the statement is rendered against a binding.
type Statement struct {
	tokens    []token
	args      []any
	tableRefs map[int]bool
	aliased   map[int]bool
}

// Args returns the positional bind arguments in $n order.
func (s Statement) Args() []any {
	out := make([]any, len(s.args))
	copy(out, s.args)
	return out
}

// Render produces the executable SQL with every table reference replaced
// by the binding identifier. Comments are dropped.
func (s Statement) Render(b binding.Binding) string {
	ident := b.Identifier()
	var sb strings.Builder
	for i, tok := range s.tokens {
		switch {
		case s.tableRefs[i]:
			sb.WriteString(ident)
			if !s.aliased[i] {
				sb.WriteString(" AS ")
				sb.WriteString(tok.text)
			}
		case tok.kind == tokComment:
			sb.WriteByte(' ')
		default:
			sb.WriteString(tok.text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func compileError(format string, args ...any) error {
	return domain.NewError(domain.KindLogicExecutionFailed, fmt.Sprintf(format, args...), nil)
}

// Compile prepares template for execution. Only parameters present in
// params are bound; an unknown :name is left in the text and fails when the
// statement runs.
func Compile(template string, params map[string]any) (Statement, error) {
	toks, err := tokenize(template)
	if err != nil {
		return Statement{}, compileError("%v", err)
	}
	toks, err = singleStatement(toks)
	if err != nil {
		return Statement{}, err
	}

	stmt := Statement{tableRefs: map[int]bool{}, aliased: map[int]bool{}}
	positions := map[string]int{}
	for i, tok := range toks {
		switch tok.kind {
		case tokPositional:
			return Statement{}, compileError("positional parameter %s is not supported, use :name", tok.text)
		case tokPlaceholder:
			name := tok.text[1:]
			value, ok := params[name]
			if !ok {
				continue
			}
			n, seen := positions[name]
			if !seen {
				stmt.args = append(stmt.args, value)
				n = len(stmt.args)
				positions[name] = n
			}
			toks[i] = token{tokPlaceholder, "$" + strconv.Itoa(n)}
		}
	}
	stmt.tokens = toks

	refs, err := findTableRefs(toks)
	if err != nil {
		return Statement{}, err
	}
	names := mapset.NewThreadUnsafeSet[string]()
	for _, ref := range refs {
		names.Add(normalizeName(toks[ref.index]))
		stmt.tableRefs[ref.index] = true
		stmt.aliased[ref.index] = ref.aliased
	}
	switch names.Cardinality() {
	case 0:
		return Statement{}, compileError("query does not reference a dataset table")
	case 1:
		return stmt, nil
	default:
		list := names.ToSlice()
		sort.Strings(list)
		return Statement{}, compileError("query references %d tables (%s), only one dataset table is supported", len(list), strings.Join(list, ", "))
	}
}

// singleStatement strips trailing semicolons and rejects anything after a
// statement separator.
func singleStatement(toks []token) ([]token, error) {
	last := -1
	for i, tok := range toks {
		if tok.significant() {
			last = i
		}
	}
	for last >= 0 && toks[last].kind == tokPunct && toks[last].text == ";" {
		toks = toks[:last]
		last = -1
		for i, tok := range toks {
			if tok.significant() {
				last = i
			}
		}
	}
	if last < 0 {
		return nil, compileError("query is empty")
	}
	for _, tok := range toks {
		if tok.kind == tokPunct && tok.text == ";" {
			return nil, compileError("query must be a single statement")
		}
	}
	return toks, nil
}

type tableRef struct {
	index   int
	aliased bool
}

type frame struct {
	call      bool
	sawSelect bool
	fromList  bool
}

func isPunct(tok token, text string) bool {
	return tok.kind == tokPunct && tok.text == text
}

func startsQuery(tok token) bool {
	return tok.keyword("select") || tok.keyword("with") || tok.keyword("values") || tok.keyword("table")
}

// findTableRefs walks the statement one query level per parenthesis and
// collects every relation named by a FROM item, a JOIN or the TABLE
// shorthand. itemAt marks the token where the next FROM item starts.
func findTableRefs(toks []token) ([]tableRef, error) {
	ctes := cteNames(toks)
	stack := []frame{{}}
	var refs []tableRef
	prev, itemAt := -1, -1

	for i, tok := range toks {
		if !tok.significant() {
			continue
		}
		if tok.kind == tokIdent || tok.kind == tokQuotedIdent {
			if next := nextSignificant(toks, i); next >= 0 && isPunct(toks[next], "(") && deniedFunction(tok.text) {
				return nil, compileError("function %s() is not allowed", tok.text)
			}
		}
		top := &stack[len(stack)-1]
		switch {
		case i == itemAt:
			itemAt = -1
			switch {
			case tok.keyword("only") || tok.keyword("lateral"):
				itemAt = nextSignificant(toks, i)
			case isPunct(tok, "("):
				// A parenthesized join opens a nested FROM list; a subquery
				// opens an ordinary query level.
				inner := nextSignificant(toks, i)
				nested := inner >= 0 && !startsQuery(toks[inner])
				stack = append(stack, frame{fromList: nested})
				if nested {
					itemAt = inner
				}
			case tok.kind == tokIdent || tok.kind == tokQuotedIdent:
				ref, err := fromItem(toks, i)
				if err != nil {
					return nil, err
				}
				if !ctes.Contains(normalizeName(tok)) {
					refs = append(refs, ref)
				}
			default:
				return nil, compileError("unsupported table reference %q", tok.text)
			}
		case isPunct(tok, "("):
			call := prev >= 0 && toks[prev].kind == tokIdent
			stack = append(stack, frame{call: call})
		case isPunct(tok, ")"):
			if len(stack) == 1 {
				return nil, compileError("unbalanced parentheses")
			}
			stack = stack[:len(stack)-1]
		case isPunct(tok, ","):
			if top.fromList {
				itemAt = nextSignificant(toks, i)
			}
		case tok.keyword("select"):
			top.sawSelect = true
			top.fromList = false
		case tok.keyword("table"):
			ref, err := tableShorthand(toks, i)
			if err != nil {
				return nil, err
			}
			if !ctes.Contains(normalizeName(toks[ref.index])) {
				refs = append(refs, ref)
			}
		case tok.keyword("from"):
			// FROM inside a call such as EXTRACT, or after IS DISTINCT, takes
			// an expression.
			if top.call && !top.sawSelect {
				break
			}
			if prev >= 0 && toks[prev].keyword("distinct") {
				break
			}
			top.fromList = true
			itemAt = nextSignificant(toks, i)
		case tok.keyword("join"):
			top.fromList = true
			itemAt = nextSignificant(toks, i)
		case tok.kind == tokIdent && fromListEnd.Contains(strings.ToLower(tok.text)):
			top.fromList = false
		}
		prev = i
	}
	if len(stack) != 1 {
		return nil, compileError("unbalanced parentheses")
	}
	return refs, nil
}

// fromItem reads the relation name at i and its optional alias.
func fromItem(toks []token, i int) (tableRef, error) {
	tok := toks[i]
	after := nextSignificant(toks, i)
	if after >= 0 && toks[after].kind == tokPunct {
		switch toks[after].text {
		case ".":
			return tableRef{}, compileError("schema-qualified reference %s.%s is not allowed", tok.text, tokenText(toks, nextSignificant(toks, after)))
		case "(":
			return tableRef{}, compileError("table function %s() is not allowed", tok.text)
		}
	}
	aliased := after >= 0 && (toks[after].keyword("as") ||
		toks[after].kind == tokQuotedIdent ||
		(toks[after].kind == tokIdent && !clauseKeywords.Contains(strings.ToLower(toks[after].text))))
	return tableRef{index: i, aliased: aliased}, nil
}

// tableShorthand reads the relation named by TABLE at kw. The shorthand
// takes no alias, so the reference renders bare.
func tableShorthand(toks []token, kw int) (tableRef, error) {
	i := nextSignificant(toks, kw)
	if i >= 0 && toks[i].keyword("only") {
		i = nextSignificant(toks, i)
	}
	if i < 0 || (toks[i].kind != tokIdent && toks[i].kind != tokQuotedIdent) {
		return tableRef{}, compileError("unsupported table reference %q", tokenText(toks, i))
	}
	if after := nextSignificant(toks, i); after >= 0 && isPunct(toks[after], ".") {
		return tableRef{}, compileError("schema-qualified reference %s.%s is not allowed", toks[i].text, tokenText(toks, nextSignificant(toks, after)))
	}
	return tableRef{index: i, aliased: true}, nil
}

// cteNames collects names introduced as "name AS (" by a WITH clause.
func cteNames(toks []token) mapset.Set[string] {
	names := mapset.NewThreadUnsafeSet[string]()
	for i, tok := range toks {
		if tok.kind != tokIdent && tok.kind != tokQuotedIdent {
			continue
		}
		as := nextSignificant(toks, i)
		if as < 0 || !toks[as].keyword("as") {
			continue
		}
		open := nextSignificant(toks, as)
		if open >= 0 && (toks[open].keyword("materialized") || toks[open].keyword("not")) {
			for open >= 0 && !(toks[open].kind == tokPunct && toks[open].text == "(") {
				open = nextSignificant(toks, open)
			}
		}
		if open >= 0 && toks[open].kind == tokPunct && toks[open].text == "(" {
			names.Add(normalizeName(tok))
		}
	}
	return names
}

func nextSignificant(toks []token, i int) int {
	if i < 0 {
		return -1
	}
	for j := i + 1; j < len(toks); j++ {
		if toks[j].significant() {
			return j
		}
	}
	return -1
}

func tokenText(toks []token, i int) string {
	if i < 0 || i >= len(toks) {
		return ""
	}
	return toks[i].text
}

func normalizeName(tok token) string {
	if tok.kind == tokQuotedIdent {
		return tok.text
	}
	return strings.ToLower(tok.text)
}
