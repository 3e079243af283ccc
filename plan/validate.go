package plan

import (
	"fmt"
	"sort"
	"strings"
)

// SchemaError reports a reference in a plan that does not resolve:
// an undeclared event, an empty trigger list, a malformed guard, or an
// argument reference outside the step's inputs.
type SchemaError struct {
	Step   string
	Event  string
	Reason string
}

func (e SchemaError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("step %s: event %s: %s", e.Step, e.Event, e.Reason)
	}
	return fmt.Sprintf("step %s: %s", e.Step, e.Reason)
}

// CycleError reports a cycle in the step dependency graph of an acyclic
// plan. Chain lists the event names along the cycle.
type CycleError struct {
	Chain []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("cycle through events: %s", strings.Join(e.Chain, " -> "))
}

// Warning flags a structural oddity that does not block activation.
type Warning struct {
	Event  string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("event %s: %s", w.Event, w.Reason)
}

// Result is the outcome of validating a plan. A plan is either accepted
// whole or rejected whole; warnings accompany either outcome.
type Result struct {
	Errors   []error
	Warnings []Warning
}

// Valid reports whether the plan may be activated.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns the first error, or nil for a valid plan.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Validate checks a plan against the structural rules.
//
// The schema pass verifies that every on/emits entry and every guard or
// argument reference resolves to a declared event. The structural pass
// builds the step dependency graph (an edge from step A to step B when
// some event emitted by A is consumed by B) and, for acyclic plans,
// rejects any cycle found by depth-first search. Places that no step ever
// consumes yield dead-event warnings, never rejections.
func Validate(p *Plan) Result {
	var res Result
	if p == nil {
		res.Errors = append(res.Errors, fmt.Errorf("plan is nil"))
		return res
	}
	if p.Name == "" {
		res.Errors = append(res.Errors, fmt.Errorf("plan name is required"))
	}
	if p.GraphType != Acyclic && p.GraphType != Reactive {
		res.Errors = append(res.Errors, fmt.Errorf("unknown graph_type %q", p.GraphType))
	}

	stepNames := sortedKeys(p.Steps)
	for _, name := range stepNames {
		step := p.Steps[name]
		res.Errors = append(res.Errors, checkStep(p, name, step)...)
	}

	if p.GraphType == Acyclic && len(res.Errors) == 0 {
		if cycle := findCycle(p, stepNames); cycle != nil {
			res.Errors = append(res.Errors, CycleError{Chain: cycle})
		}
	}

	res.Warnings = deadEvents(p)
	return res
}

func checkStep(p *Plan, name string, step StepSpec) []error {
	var errs []error
	if len(step.On) == 0 {
		errs = append(errs, SchemaError{Step: name, Reason: "on requires at least one event"})
	}
	if step.Action == "" {
		errs = append(errs, SchemaError{Step: name, Reason: "action is required"})
	}
	onSet := make(map[string]bool, len(step.On))
	for _, ev := range step.On {
		onSet[ev] = true
		if _, ok := p.Events[ev]; !ok {
			errs = append(errs, SchemaError{Step: name, Event: ev, Reason: "consumed event is not declared"})
		}
	}
	for _, ev := range step.Emits {
		if _, ok := p.Events[ev]; !ok {
			errs = append(errs, SchemaError{Step: name, Event: ev, Reason: "emitted event is not declared"})
		}
	}

	// guard references resolve only against on, so a compile error also
	// covers references to events outside the step's inputs
	if _, err := ParseGuard(step.Guard, step.On); err != nil {
		errs = append(errs, SchemaError{Step: name, Reason: err.Error()})
	}

	for argName, raw := range step.Args {
		if ev, _, ok := ArgRef(raw, step.On); ok && !onSet[ev] {
			errs = append(errs, SchemaError{
				Step:   name,
				Event:  ev,
				Reason: fmt.Sprintf("arg %s references an event outside on", argName),
			})
		}
	}
	return errs
}

// findCycle runs a depth-first search over the step dependency graph with
// an explicit recursion stack. It returns the event names along the first
// back edge found, or nil when the graph is acyclic.
func findCycle(p *Plan, stepNames []string) []string {
	consumers := make(map[string][]string) // event -> steps consuming it
	for _, name := range stepNames {
		for _, ev := range p.Steps[name].On {
			consumers[ev] = append(consumers[ev], name)
		}
	}

	type edge struct {
		step  string
		event string
	}
	adjacency := make(map[string][]edge, len(stepNames))
	for _, name := range stepNames {
		for _, ev := range p.Steps[name].Emits {
			for _, consumer := range consumers[ev] {
				adjacency[name] = append(adjacency[name], edge{step: consumer, event: ev})
			}
		}
	}

	const (
		white = iota // unvisited
		grey         // on the recursion stack
		black        // fully explored
	)
	color := make(map[string]int, len(stepNames))
	onStack := make(map[string]int, len(stepNames)) // step -> index into stack
	var stack []edge

	var visit func(step string) []string
	visit = func(step string) []string {
		color[step] = grey
		onStack[step] = len(stack)
		for _, next := range adjacency[step] {
			switch color[next.step] {
			case grey:
				// Back edge: slice the stack from the first occurrence of
				// next.step and close the loop with this edge's event.
				start := onStack[next.step]
				chain := make([]string, 0, len(stack)-start+1)
				for _, e := range stack[start:] {
					chain = append(chain, e.event)
				}
				chain = append(chain, next.event)
				return chain
			case white:
				stack = append(stack, next)
				if chain := visit(next.step); chain != nil {
					return chain
				}
				stack = stack[:len(stack)-1]
			}
		}
		delete(onStack, step)
		color[step] = black
		return nil
	}

	for _, name := range stepNames {
		if color[name] == white {
			if chain := visit(name); chain != nil {
				return chain
			}
		}
	}
	return nil
}

// deadEvents flags events that are produced (or externally deliverable)
// but never consumed by any step. A token landing there has nowhere to go,
// which is usually a plan authoring mistake, so it warrants a warning.
// Terminal output events are an accepted use of the same shape, hence
// warn rather than reject.
func deadEvents(p *Plan) []Warning {
	consumed := make(map[string]bool)
	for _, step := range p.Steps {
		for _, ev := range step.On {
			consumed[ev] = true
		}
	}
	var warnings []Warning
	for _, ev := range sortedKeys(p.Events) {
		if !consumed[ev] {
			warnings = append(warnings, Warning{Event: ev, Reason: "no step consumes this event"})
		}
	}
	return warnings
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
