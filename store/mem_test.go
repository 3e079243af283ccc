package store

import (
	"context"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, status string) InstanceRecord {
	return InstanceRecord{
		InstanceID:  id,
		PlanName:    "p",
		PlanVersion: 1,
		Marking:     json.RawMessage(`{}`),
		Status:      status,
		LastUpdated: strfmt.DateTime(time.Now()),
	}
}

func TestMemPlanRoundtrip(t *testing.T) {
	t.Parallel()

	m := NewMem()
	ctx := context.Background()

	_, err := m.LoadPlan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SavePlan(ctx, "p", 1, json.RawMessage(`{"plan_name":"p"}`)))
	require.NoError(t, m.SavePlan(ctx, "p", 2, json.RawMessage(`{"plan_name":"p","version":2}`)))

	got, err := m.LoadPlan(ctx, "p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan_name":"p","version":2}`, string(got))
}

func TestMemInstanceLifecycle(t *testing.T) {
	t.Parallel()

	m := NewMem()
	ctx := context.Background()

	_, err := m.LoadInstance(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveInstance(ctx, record("i1", "active")))
	require.NoError(t, m.SaveInstance(ctx, record("i2", "suspended")))
	require.NoError(t, m.SaveInstance(ctx, record("i3", "completed")))
	require.NoError(t, m.SaveInstance(ctx, record("i4", "failed")))

	active, err := m.ActiveInstances(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, rec := range active {
		ids = append(ids, rec.InstanceID)
	}
	assert.ElementsMatch(t, []string{"i1", "i2"}, ids)

	// archiving removes from the active set but keeps the record readable
	require.NoError(t, m.ArchiveInstance(ctx, "i3"))
	got, err := m.LoadInstance(ctx, "i3")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)

	assert.ErrorIs(t, m.ArchiveInstance(ctx, "ghost"), ErrNotFound)
}

func TestInstanceRecordTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, record("i", "active").Terminal())
	assert.False(t, record("i", "suspended").Terminal())
	assert.True(t, record("i", "completed").Terminal())
	assert.True(t, record("i", "failed").Terminal())
}
