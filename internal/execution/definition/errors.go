package definition

import (
	"fmt"
	"strings"

	"github.com/atharvv04/CompliancePilot/internal/domain"
)

// Issue is one problem found in a control definition. Field is the YAML path
// it concerns, such as "logic.params.min" or "evidence.exports[1].name", and
// is empty for problems with the document as a whole.
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + " " + i.Message
}

// ValidationError holds every issue found in one definition, in the order
// the document was checked.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	switch len(e.Issues) {
	case 0:
		return "control definition invalid"
	case 1:
		return "control definition invalid: " + e.Issues[0].String()
	}
	return fmt.Sprintf("control definition invalid (%d issues): %s", len(e.Issues), strings.Join(e.Messages(), "; "))
}

// Messages renders each issue as its field path followed by the message.
func (e *ValidationError) Messages() []string {
	out := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		out[i] = issue.String()
	}
	return out
}

func (e *ValidationError) document(msg string) {
	if msg = strings.TrimSpace(msg); msg != "" {
		e.Issues = append(e.Issues, Issue{Message: msg})
	}
}

func (e *ValidationError) fieldf(field, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) require(field, value string) {
	if value == "" {
		e.fieldf(field, "is required")
	}
}

// err wraps e as an invalid definition, or returns nil when nothing was found.
func (e *ValidationError) err() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return domain.NewError(domain.KindInvalidDefinition, e.Error(), e)
}
