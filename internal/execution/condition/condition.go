// Package condition parses and evaluates pass conditions. The grammar is
// closed: a comparison of result_count against an integer literal with one
// of "=", ">" or "<". Nothing else is accepted.
package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

const CountVariable = "result_count"

type Op int

const (
	Eq Op = iota + 1
	Gt
	Lt
)

func (o Op) String() string {
	switch o {
	case Eq:
		return "="
	case Gt:
		return ">"
	case Lt:
		return "<"
	default:
		return "?"
	}
}

// Condition is a normalized comparison "result_count <Op> Threshold".
type Condition struct {
	Op        Op
	Threshold int64
}

func (c Condition) Evaluate(count int64) bool {
	switch c.Op {
	case Eq:
		return count == c.Threshold
	case Gt:
		return count > c.Threshold
	case Lt:
		return count < c.Threshold
	default:
		return false
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %d", CountVariable, c.Op, c.Threshold)
}

var ErrOutsideGrammar = errors.New("pass condition outside grammar")

type expression struct {
	Left  *operand `parser:"@@"`
	Op    string   `parser:"@Op"`
	Right *operand `parser:"@@"`
}

type operand struct {
	Count bool   `parser:"  @Count"`
	Value *int64 `parser:"| @Int"`
}

var conditionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Count", Pattern: CountVariable},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Op", Pattern: `[=<>]`},
	{Name: "Whitespace", Pattern: `[ \t]+`},
})

var parser = participle.MustBuild[expression](
	participle.Lexer(conditionLexer),
	participle.Elide("Whitespace"),
)

func Parse(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Condition{}, fmt.Errorf("%w: empty expression", ErrOutsideGrammar)
	}
	ast, err := parser.ParseString("", expr)
	if err != nil {
		return Condition{}, fmt.Errorf("%w: %v", ErrOutsideGrammar, err)
	}

	op := opFromToken(ast.Op)
	switch {
	case ast.Left.Count && ast.Right.Value != nil:
		return Condition{Op: op, Threshold: *ast.Right.Value}, nil
	case ast.Right.Count && ast.Left.Value != nil:
		return Condition{Op: mirror(op), Threshold: *ast.Left.Value}, nil
	default:
		return Condition{}, fmt.Errorf("%w: exactly one side must be %s", ErrOutsideGrammar, CountVariable)
	}
}

func opFromToken(tok string) Op {
	switch tok {
	case "=":
		return Eq
	case ">":
		return Gt
	default:
		return Lt
	}
}

func mirror(op Op) Op {
	switch op {
	case Gt:
		return Lt
	case Lt:
		return Gt
	default:
		return op
	}
}
