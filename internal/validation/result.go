package validation

import (
	"strings"

	"github.com/forkline/automation/pkg/schema"
)

// Issue is one validation finding, addressed by a JSON-pointer-ish path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result aggregates validation issues across the pipeline stages.
type Result struct {
	Issues []Issue `json:"issues,omitempty"`
}

// AddError appends an issue.
func (r *Result) AddError(path, message string) {
	r.Issues = append(r.Issues, Issue{Path: path, Message: message})
}

// Merge appends another result's issues.
func (r *Result) Merge(other *Result) {
	if other != nil {
		r.Issues = append(r.Issues, other.Issues...)
	}
}

// Valid reports whether no issues were found.
func (r *Result) Valid() bool {
	return len(r.Issues) == 0
}

// ToError converts the result to a single AutomationError, or nil when valid.
func (r *Result) ToError() error {
	if r.Valid() {
		return nil
	}

	var b strings.Builder
	for i, issue := range r.Issues {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(issue.Path)
		b.WriteString(": ")
		b.WriteString(issue.Message)
	}

	details := make(map[string]any, 1)
	details["issues"] = r.Issues
	return schema.NewError(schema.ErrCodeValidation, b.String()).WithDetails(details)
}
