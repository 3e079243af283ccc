// Package dispatch translates fired steps into tool invocations and turns
// tool results into completion events.
//
// Actions are capabilities registered at startup under string identifiers.
// A step names an action; the dispatcher looks the capability up and
// invokes it without ever blocking the calling plan instance. Synchronous
// tools run on their own goroutine; asynchronous tools register a
// pending-completion record keyed by a generated correlation id, and the
// completion arrives later through the event router like any other event.
package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/loom/pkg/stdx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Invocation carries everything a tool needs for one call.
type Invocation struct {
	// CorrelationID identifies this dispatch. Asynchronous tools must
	// arrange for their completion event to echo it.
	CorrelationID string

	// Args is the resolved argument object for the call.
	Args json.RawMessage

	// Deadline is when the dispatcher will give up and synthesize a
	// timeout failure.
	Deadline time.Time
}

// Tool is a capability that an action invokes.
//
// Synchronous tools return their result directly. Asynchronous tools
// start the remote work and return a nil result; the eventual outcome
// travels back through the event router as an event carrying the
// invocation's correlation id.
type Tool interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

// Invoke calls the function.
func (f ToolFunc) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

var inputReflector = jsonschema.Reflector{
	AllowAdditionalProperties: true,
	DoNotReference:            true,
}

// Action is a registered capability: the unit a step's action identifier
// resolves to.
type Action struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Outputs     []string
	Async       bool
	Timeout     time.Duration
	tool        Tool
}

// Option configures an Action under construction.
type Option = opts.Option[Action]

// Name sets the action identifier steps refer to.
var Name = opts.ForName[Action, string]("Name")

// Description sets the human-readable description, surfaced to the plan
// generation assistant through the catalog.
var Description = opts.ForName[Action, string]("Description")

// Timeout sets the per-dispatch deadline for this action, overriding the
// dispatcher default.
var Timeout = opts.ForName[Action, time.Duration]("Timeout")

// Async marks the action as completing through the event router rather
// than returning a result from Invoke.
func Async() Option {
	return opts.Type[Action](func(a *Action) error {
		a.Async = true
		return nil
	})
}

// Outputs documents the event names this action's results normally land
// on. The engine emits onto the firing step's emits list; Outputs exists
// for the catalog.
func Outputs(events ...string) Option {
	return opts.Type[Action](func(a *Action) error {
		a.Outputs = append(a.Outputs, events...)
		return nil
	})
}

// Input declares the argument struct for the action and reflects its JSON
// schema into the catalog entry.
func Input[T any]() Option {
	return opts.Type[Action](func(a *Action) error {
		schema := inputReflector.ReflectFromType(reflect.TypeFor[T]())
		schema.Version = ""
		a.InputSchema = schema
		return nil
	})
}

// NewAction builds an Action around the given tool. Name is required.
func NewAction(tool Tool, options ...Option) (Action, error) {
	if tool == nil {
		return Action{}, fmt.Errorf("tool cannot be nil")
	}
	var a Action
	if err := opts.Apply(&a, options); err != nil {
		return Action{}, err
	}
	if a.Name == "" {
		return Action{}, fmt.Errorf("action name is required")
	}
	if a.InputSchema == nil {
		a.InputSchema = &jsonschema.Schema{
			Type:       "object",
			Properties: orderedmap.New[string, *jsonschema.Schema](),
		}
	}
	a.tool = tool
	return a, nil
}

// Must builds an Action and panics on error. Intended for startup
// registration where a bad definition is a programming mistake.
func Must(tool Tool, options ...Option) Action {
	return stdx.Must1(NewAction(tool, options...))
}

// Registry maps action identifiers to capabilities. It is populated at
// startup and read-mostly afterwards.
type Registry struct {
	actions *haxmap.Map[string, Action]
}

// NewRegistry returns an empty action registry.
func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: haxmap.New[string, Action]()}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an action. Duplicate names are rejected.
func (r *Registry) Register(a Action) error {
	if _, exists := r.actions.Get(a.Name); exists {
		return fmt.Errorf("action %s already registered", a.Name)
	}
	r.actions.Set(a.Name, a)
	return nil
}

// Get looks an action up by identifier.
func (r *Registry) Get(name string) (Action, bool) {
	return r.actions.Get(name)
}

// Catalog returns the registered actions sorted by name. The plan
// generation assistant renders this as the tool list the model may use.
func (r *Registry) Catalog() []Action {
	var actions []Action
	r.actions.ForEach(func(_ string, a Action) bool {
		actions = append(actions, a)
		return true
	})
	sort.Slice(actions, func(i, j int) bool { return actions[i].Name < actions[j].Name })
	return actions
}
