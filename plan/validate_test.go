package plan

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelinePlan(graphType GraphType) *Plan {
	return &Plan{
		Name:      "pipeline",
		GraphType: graphType,
		Events: map[string]EventSpec{
			"start": {}, "middle": {}, "end": {},
		},
		Steps: map[string]StepSpec{
			"first":  {On: []string{"start"}, Action: "echo", Emits: []string{"middle"}},
			"second": {On: []string{"middle"}, Action: "echo", Emits: []string{"end"}},
		},
	}
}

func TestValidateAcceptsPipeline(t *testing.T) {
	t.Parallel()

	res := Validate(pipelinePlan(Acyclic))
	assert.True(t, res.Valid())
	require.NoError(t, res.Err())
	// "end" is a terminal output event
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "end", res.Warnings[0].Event)
}

func TestValidateSchemaErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		plan *Plan
		want string
	}{
		{
			"nil plan", nil, "plan is nil",
		},
		{
			"missing name",
			&Plan{GraphType: Acyclic, Events: map[string]EventSpec{}, Steps: map[string]StepSpec{}},
			"name is required",
		},
		{
			"unknown graph type",
			&Plan{Name: "x", GraphType: "spiral", Events: map[string]EventSpec{}, Steps: map[string]StepSpec{}},
			"graph_type",
		},
		{
			"empty on",
			&Plan{Name: "x", GraphType: Acyclic, Events: map[string]EventSpec{"a": {}}, Steps: map[string]StepSpec{
				"s": {Action: "echo"},
			}},
			"on requires at least one event",
		},
		{
			"missing action",
			&Plan{Name: "x", GraphType: Acyclic, Events: map[string]EventSpec{"a": {}}, Steps: map[string]StepSpec{
				"s": {On: []string{"a"}},
			}},
			"action is required",
		},
		{
			"undeclared consumed event",
			&Plan{Name: "x", GraphType: Acyclic, Events: map[string]EventSpec{"a": {}}, Steps: map[string]StepSpec{
				"s": {On: []string{"ghost"}, Action: "echo"},
			}},
			"consumed event is not declared",
		},
		{
			"undeclared emitted event",
			&Plan{Name: "x", GraphType: Acyclic, Events: map[string]EventSpec{"a": {}}, Steps: map[string]StepSpec{
				"s": {On: []string{"a"}, Action: "echo", Emits: []string{"ghost"}},
			}},
			"emitted event is not declared",
		},
		{
			"guard outside on",
			&Plan{Name: "x", GraphType: Acyclic, Events: map[string]EventSpec{"a": {}, "b": {}}, Steps: map[string]StepSpec{
				"s": {On: []string{"a"}, Action: "echo", Guard: "b.field == 1"},
			}},
			"does not reference an input event",
		},
		{
			"arg ref outside on",
			&Plan{Name: "x", GraphType: Acyclic, Events: map[string]EventSpec{"a": {}, "b": {}}, Steps: map[string]StepSpec{
				"s": {On: []string{"a"}, Action: "echo", Args: map[string]json.RawMessage{
					"v": json.RawMessage(`"$b.field"`),
				}},
			}},
			"references an event outside on",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.plan)
			require.False(t, res.Valid())
			assert.ErrorContains(t, res.Err(), tt.want)
		})
	}
}

func TestValidateCycleDetection(t *testing.T) {
	t.Parallel()

	cyclic := &Plan{
		Name:      "round",
		GraphType: Acyclic,
		Events: map[string]EventSpec{
			"a": {}, "b": {}, "c": {},
		},
		Steps: map[string]StepSpec{
			"one":   {On: []string{"a"}, Action: "echo", Emits: []string{"b"}},
			"two":   {On: []string{"b"}, Action: "echo", Emits: []string{"c"}},
			"three": {On: []string{"c"}, Action: "echo", Emits: []string{"a"}},
		},
	}

	res := Validate(cyclic)
	require.False(t, res.Valid())

	var cycle CycleError
	require.ErrorAs(t, res.Err(), &cycle)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycle.Chain)

	// the same graph is legal when declared reactive
	cyclic.GraphType = Reactive
	res = Validate(cyclic)
	assert.True(t, res.Valid())
}

func TestValidateSelfLoopCycle(t *testing.T) {
	t.Parallel()

	p := &Plan{
		Name:      "tight",
		GraphType: Acyclic,
		Events:    map[string]EventSpec{"a": {}},
		Steps: map[string]StepSpec{
			"spin": {On: []string{"a"}, Action: "echo", Emits: []string{"a"}},
		},
	}

	res := Validate(p)
	require.False(t, res.Valid())
	var cycle CycleError
	require.ErrorAs(t, res.Err(), &cycle)
	assert.Equal(t, []string{"a"}, cycle.Chain)
}

func TestValidateDeadEventWarnings(t *testing.T) {
	t.Parallel()

	p := &Plan{
		Name:      "leaky",
		GraphType: Reactive,
		Events: map[string]EventSpec{
			"in": {}, "out": {}, "orphan": {},
		},
		Steps: map[string]StepSpec{
			"work": {On: []string{"in"}, Action: "echo", Emits: []string{"out"}},
		},
	}

	res := Validate(p)
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, "orphan", res.Warnings[0].Event)
	assert.Equal(t, "out", res.Warnings[1].Event)
}

func TestValidateDottedGuardAndArgs(t *testing.T) {
	t.Parallel()

	p := &Plan{
		Name:      "recovery",
		GraphType: Acyclic,
		Events: map[string]EventSpec{
			"start": {}, "send.failed": {}, "alerted": {},
		},
		Steps: map[string]StepSpec{
			"try": {On: []string{"start"}, Action: "send"},
			"alert": {
				On:     []string{"send.failed"},
				Action: "page",
				Args: map[string]json.RawMessage{
					"why": json.RawMessage(`"$send.failed.error"`),
				},
				Guard: "send.failed.timed_out == false",
				Emits: []string{"alerted"},
			},
		},
	}

	res := Validate(p)
	assert.True(t, res.Valid(), "errors: %v", res.Errors)
}
