package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/condition"
	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	exportNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

	knownKeys = mapset.NewSet(
		"id", "title", "description", "dataset", "category", "frequency", "severity",
		"logic", "pass_condition", "evidence",
	)
)

type options struct {
	strictPassCondition bool
}

type Option func(*options)

// WithStrictPassCondition rejects definitions whose pass condition does not
// compile instead of accepting them with a warning.
func WithStrictPassCondition() Option {
	return func(o *options) { o.strictPassCondition = true }
}

type rawDefinition struct {
	ID            string      `yaml:"id"`
	Title         string      `yaml:"title"`
	Description   string      `yaml:"description"`
	Dataset       string      `yaml:"dataset"`
	Category      string      `yaml:"category"`
	Frequency     string      `yaml:"frequency"`
	Severity      string      `yaml:"severity"`
	Logic         rawLogic    `yaml:"logic"`
	PassCondition string      `yaml:"pass_condition"`
	Evidence      rawEvidence `yaml:"evidence"`
}

type rawLogic struct {
	Query  string         `yaml:"query"`
	SQL    string         `yaml:"sql"`
	Params map[string]any `yaml:"params"`
}

type rawEvidence struct {
	Exports []rawExport `yaml:"exports"`
}

type rawExport struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Query       string `yaml:"query"`
	SQL         string `yaml:"sql"`
}

// Parse decodes and validates a control definition. It is pure: the same
// input always yields the same result. Every failure is a
// domain.KindInvalidDefinition error wrapping a *ValidationError.
func Parse(raw []byte, opts ...Option) (Definition, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	issues := &ValidationError{}
	root, err := decodeDocument(raw)
	if err != nil {
		issues.document(err.Error())
		return Definition{}, issues.err()
	}

	var warnings []string
	for _, key := range unknownKeys(root) {
		warnings = append(warnings, fmt.Sprintf("unknown field %q ignored", key))
	}

	var rd rawDefinition
	if err := root.Decode(&rd); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			for _, msg := range typeErr.Errors {
				issues.document(msg)
			}
		} else {
			issues.document(err.Error())
		}
		return Definition{}, issues.err()
	}

	def := Definition{
		ID:            strings.TrimSpace(rd.ID),
		Title:         strings.TrimSpace(rd.Title),
		Description:   strings.TrimSpace(rd.Description),
		Dataset:       strings.TrimSpace(rd.Dataset),
		Category:      domain.ControlCategory(strings.TrimSpace(rd.Category)),
		Frequency:     domain.Frequency(strings.TrimSpace(rd.Frequency)),
		Severity:      domain.Severity(strings.TrimSpace(rd.Severity)),
		PassCondition: strings.TrimSpace(rd.PassCondition),
	}

	issues.require("id", def.ID)
	issues.require("title", def.Title)
	issues.require("dataset", def.Dataset)
	if def.Category != "" && !def.Category.Valid() {
		issues.fieldf("category", "%q is not one of segregation, ucc, margin, networth, reconciliation, dormant", def.Category)
	}
	if def.Frequency != "" && !def.Frequency.Valid() {
		issues.fieldf("frequency", "%q is not one of daily, weekly, monthly, on_demand", def.Frequency)
	}
	if def.Severity != "" && !def.Severity.Valid() {
		issues.fieldf("severity", "%q is not one of high, medium, low", def.Severity)
	}

	def.Logic = validateLogic(rd.Logic, issues)
	def.Exports = validateExports(rd.Evidence.Exports, issues)
	if len(def.Exports) == 0 {
		warnings = append(warnings, "no evidence exports declared")
	}

	if def.PassCondition == "" {
		def.conditionErr = fmt.Errorf("%w: pass_condition is empty", condition.ErrOutsideGrammar)
	} else {
		def.condition, def.conditionErr = condition.Parse(def.PassCondition)
	}
	if def.conditionErr != nil {
		if o.strictPassCondition {
			issues.fieldf("pass_condition", "rejected: %v", def.conditionErr)
		} else {
			warnings = append(warnings, "pass_condition will always fail: "+def.conditionErr.Error())
		}
	}

	if err := issues.err(); err != nil {
		return Definition{}, err
	}
	def.warnings = warnings
	return def, nil
}


func decodeDocument(raw []byte) (*yaml.Node, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("definition text is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("definition text is empty")
		}
		return nil, fmt.Errorf("syntax: %v", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err == nil {
		return nil, errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("syntax: %v", err)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, errors.New("definition must be a single YAML document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: definition must be a mapping", root.Line)
	}
	if err := checkNodes(root); err != nil {
		return nil, err
	}
	return root, nil
}

// checkNodes rejects aliases and application-specific tags anywhere in the
// tree so decoding stays purely structural.
func checkNodes(n *yaml.Node) error {
	if n.Kind == yaml.AliasNode {
		return fmt.Errorf("line %d: aliases are not allowed", n.Line)
	}
	if strings.HasPrefix(n.Tag, "!") && !strings.HasPrefix(n.Tag, "!!") {
		return fmt.Errorf("line %d: custom tag %s is not allowed", n.Line, n.Tag)
	}
	for _, child := range n.Content {
		if err := checkNodes(child); err != nil {
			return err
		}
	}
	return nil
}

func unknownKeys(root *yaml.Node) []string {
	var out []string
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if !knownKeys.Contains(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func validateLogic(rl rawLogic, issues *ValidationError) Logic {
	query := strings.TrimSpace(rl.Query)
	alias := strings.TrimSpace(rl.SQL)
	switch {
	case query != "" && alias != "" && query != alias:
		issues.fieldf("logic.sql", "differs from logic.query")
	case query == "":
		query = alias
	}
	issues.require("logic.query", query)

	params := make(map[string]any, len(rl.Params))
	names := make([]string, 0, len(rl.Params))
	for name := range rl.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := rl.Params[name]
		if !identifierPattern.MatchString(name) {
			issues.fieldf("logic.params", "key %q is not a valid parameter name", name)
			continue
		}
		switch value.(type) {
		case string, int, int64, uint64, float64, bool:
			params[name] = value
		default:
			issues.fieldf("logic.params."+name, "must be a string, number or boolean")
		}
	}
	return Logic{Query: query, Params: params}
}

func validateExports(raw []rawExport, issues *ValidationError) []Export {
	seen := mapset.NewThreadUnsafeSet[string]()
	exports := make([]Export, 0, len(raw))
	for i, re := range raw {
		name := strings.TrimSpace(re.Name)
		query := strings.TrimSpace(re.Query)
		if query == "" {
			query = strings.TrimSpace(re.SQL)
		}
		field := fmt.Sprintf("evidence.exports[%d]", i)
		switch {
		case name == "":
			issues.require(field+".name", name)
		case !exportNamePattern.MatchString(name):
			issues.fieldf(field+".name", "%q may only contain letters, digits, '_', '-' and '.'", name)
		case seen.Contains(name):
			issues.fieldf(field+".name", "%q is duplicated", name)
		}
		seen.Add(name)
		issues.require(field+".query", query)
		exports = append(exports, Export{
			Name:        name,
			Description: strings.TrimSpace(re.Description),
			Query:       query,
		})
	}
	return exports
}
