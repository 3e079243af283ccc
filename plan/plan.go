// Package plan defines workflow plan definitions and their validation.
//
// A plan is a Petri net over named events (places) and steps (transitions).
// Steps consume tokens from the events listed in On, optionally gated by a
// guard expression, invoke an action, and emit result tokens onto the
// events listed in Emits. Plans are immutable once validated; a running
// execution only ever mutates its own marking.
//
// Two graph disciplines exist. Acyclic plans must have a cycle-free step
// dependency graph and run to completion. Reactive plans may contain
// cycles and stay alive indefinitely, reacting to repeated events.
package plan

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// GraphType selects the structural discipline of a plan.
type GraphType string

const (
	// Acyclic plans reject cycles at validation and complete once quiescent.
	Acyclic GraphType = "acyclic"
	// Reactive plans permit cycles and remain registered after quiescence.
	Reactive GraphType = "reactive"
)

// Plan is a named, versioned workflow definition.
type Plan struct {
	Name      string               `json:"plan_name"`
	Version   int                  `json:"version,omitempty"`
	GraphType GraphType            `json:"graph_type"`
	Events    map[string]EventSpec `json:"events"`
	Steps     map[string]StepSpec  `json:"steps"`
}

// EventSpec declares an event (a place). The declaration may be empty; the
// optional schema documents the payload shape for tooling and the
// generation assistant, it is not enforced at runtime.
type EventSpec struct {
	Schema json.RawMessage `json:"schema,omitempty"`
}

// StepSpec declares a step (a transition).
//
// Argument values are JSON literals, except strings starting with "$",
// which reference a bound token: "$start.user.email" resolves the
// user.email path inside the payload of the token bound for the start
// event, and "$start.$correlation" resolves that token's correlation id.
// A leading "$$" escapes a literal dollar sign.
type StepSpec struct {
	On     []string                   `json:"on"`
	Action string                     `json:"action"`
	Args   map[string]json.RawMessage `json:"args,omitempty"`
	Emits  []string                   `json:"emits,omitempty"`
	Guard  string                     `json:"guard,omitempty"`
}

// Parse decodes a plan definition, rejecting unknown fields.
func Parse(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &p, nil
}

// FailureEvent returns the distinguished event name that carries dispatch
// failures for the given action.
func FailureEvent(action string) string {
	return action + ".failed"
}

// ArgRef splits an argument reference of the form "$event.path" into the
// event name and the payload path. It reports false for non-reference
// values, including the "$$" literal escape.
//
// Event names may themselves contain dots (failure events always do), so
// the event part is resolved against the step's input events, longest
// name first. A reference that matches none of them keeps its first
// segment as the event name so the caller can report it.
func ArgRef(raw json.RawMessage, on []string) (event, path string, ok bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", "", false
	}
	if !strings.HasPrefix(s, "$") || strings.HasPrefix(s, "$$") {
		return "", "", false
	}
	ref := s[1:]
	if ref == "" {
		return "", "", false
	}
	if event, path, ok = resolveEventRef(ref, on); ok {
		return event, path, true
	}
	event, path, _ = strings.Cut(ref, ".")
	return event, path, true
}

// resolveEventRef matches ref against the declared input events, longest
// name first, and splits off the remaining payload path.
func resolveEventRef(ref string, on []string) (event, path string, ok bool) {
	for _, ev := range on {
		if len(ev) <= len(event) {
			continue
		}
		if ref == ev {
			event, path, ok = ev, "", true
		} else if strings.HasPrefix(ref, ev+".") {
			event, path, ok = ev, ref[len(ev)+1:], true
		}
	}
	return event, path, ok
}
