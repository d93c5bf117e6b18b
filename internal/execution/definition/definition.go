package definition

import (
	"log/slog"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/execution/condition"
)

// Definition is a validated control definition. It is immutable once
// returned by Parse.
type Definition struct {
	ID            string
	Title         string
	Description   string
	Dataset       string
	Category      domain.ControlCategory
	Frequency     domain.Frequency
	Severity      domain.Severity
	Logic         Logic
	PassCondition string
	Exports       []Export

	condition    condition.Condition
	conditionErr error
	warnings     []string
}

type Logic struct {
	Query  string
	Params map[string]any
}

type Export struct {
	Name        string
	Description string
	Query       string
}

func (d Definition) Warnings() []string {
	out := make([]string, len(d.warnings))
	copy(out, d.warnings)
	return out
}

// Condition returns the compiled pass condition, or the reason it could not
// be compiled.
func (d Definition) Condition() (condition.Condition, error) {
	return d.condition, d.conditionErr
}

// Passed applies the compiled pass condition to count. A condition that did
// not compile evaluates to false and is logged.
func (d Definition) Passed(logger *slog.Logger, count int64) bool {
	if d.conditionErr != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("pass condition rejected, evaluating as failed",
			"control_id", d.ID,
			"expression", d.PassCondition,
			"error", d.conditionErr,
		)
		return false
	}
	return d.condition.Evaluate(count)
}

// Params returns a copy of the logic parameters.
func (d Definition) Params() map[string]any {
	out := make(map[string]any, len(d.Logic.Params))
	for k, v := range d.Logic.Params {
		out[k] = v
	}
	return out
}
