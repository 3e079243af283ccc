// Package assist produces and repairs plan definitions with a language
// model. Its output is never trusted: every candidate plan goes through
// validation before the kernel will activate it, and validation failures
// feed back into the model for another attempt.
package assist

import (
	"context"
	"strings"

	"github.com/casualjim/loom/dispatch"
	"github.com/casualjim/loom/plan"
)

// Generator synthesizes and repairs plan definitions.
type Generator interface {
	// Generate synthesizes a plan for a natural-language instruction. The
	// catalog lists the actions the plan may use; referencing anything
	// else is a validation failure.
	Generate(ctx context.Context, instruction string, catalog []dispatch.Action) (*plan.Plan, error)

	// Repair rewrites a plan that failed, using the failure context to
	// explain what went wrong.
	Repair(ctx context.Context, p *plan.Plan, failure FailureContext) (*plan.Plan, error)
}

// FailureContext describes why a plan needs repair: validation errors
// from plan loading, or the terminal reason of a failed instance.
type FailureContext struct {
	ValidationErrors []string
	Warnings         []string
	InstanceReason   string
}

func (f FailureContext) render() string {
	var b strings.Builder
	if len(f.ValidationErrors) > 0 {
		b.WriteString("Validation errors:\n")
		for _, e := range f.ValidationErrors {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
	}
	if len(f.Warnings) > 0 {
		b.WriteString("Warnings:\n")
		for _, w := range f.Warnings {
			b.WriteString("- ")
			b.WriteString(w)
			b.WriteString("\n")
		}
	}
	if f.InstanceReason != "" {
		b.WriteString("Runtime failure: ")
		b.WriteString(f.InstanceReason)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "No further detail available.\n"
	}
	return b.String()
}

// FromResult builds a FailureContext from a validation result.
func FromResult(res plan.Result) FailureContext {
	var f FailureContext
	for _, err := range res.Errors {
		f.ValidationErrors = append(f.ValidationErrors, err.Error())
	}
	for _, w := range res.Warnings {
		f.Warnings = append(f.Warnings, w.String())
	}
	return f
}
