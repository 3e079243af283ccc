package token

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkingPutTakeOrdering(t *testing.T) {
	t.Parallel()

	m := NewMarking()
	first := New("queue", json.RawMessage(`{"n":1}`), "")
	second := New("queue", json.RawMessage(`{"n":2}`), "")
	m.Put(first)
	m.Put(second)

	assert.Equal(t, 2, m.Len("queue"))
	assert.Equal(t, 2, m.Total())

	// oldest first
	tokens := m.Tokens("queue")
	require.Len(t, tokens, 2)
	assert.Equal(t, first.ID, tokens[0].ID)
	assert.Equal(t, second.ID, tokens[1].ID)

	got, ok := m.Take("queue", first.ID)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 1, m.Len("queue"))

	// taking the same token again fails
	_, ok = m.Take("queue", first.ID)
	assert.False(t, ok)

	_, ok = m.Take("queue", uuid.New())
	assert.False(t, ok)

	_, ok = m.Take("elsewhere", second.ID)
	assert.False(t, ok)
}

func TestMarkingTokensReturnsCopy(t *testing.T) {
	t.Parallel()

	m := NewMarking()
	tok := New("place", nil, "")
	m.Put(tok)

	tokens := m.Tokens("place")
	tokens[0] = nil
	require.Len(t, m.Tokens("place"), 1)
	assert.Equal(t, tok.ID, m.Tokens("place")[0].ID)

	assert.Nil(t, m.Tokens("empty"))
}

func TestMarkingPlaces(t *testing.T) {
	t.Parallel()

	m := NewMarking()
	assert.Empty(t, m.Places())

	m.Put(New("zebra", nil, ""))
	m.Put(New("apple", nil, ""))
	m.Put(New("apple", nil, ""))
	assert.Equal(t, []string{"apple", "zebra"}, m.Places())

	tok := m.Tokens("zebra")[0]
	_, ok := m.Take("zebra", tok.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"apple"}, m.Places())
}

func TestMarkingSnapshotRoundtrip(t *testing.T) {
	t.Parallel()

	m := NewMarking()
	tok := New("orders", json.RawMessage(`{"id": "o-1"}`), "chan-1")
	tok.Producer = "ingest"
	m.Put(tok)
	m.Put(New("alerts", nil, ""))

	snap, err := m.Snapshot()
	require.NoError(t, err)

	restored, err := RestoreSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Total())
	assert.Equal(t, []string{"alerts", "orders"}, restored.Places())

	orders := restored.Tokens("orders")
	require.Len(t, orders, 1)
	assert.Equal(t, tok.ID, orders[0].ID)
	assert.Equal(t, "orders", orders[0].Place)
	assert.Equal(t, "chan-1", orders[0].CorrelationID)
	assert.Equal(t, "ingest", orders[0].Producer)
	assert.JSONEq(t, `{"id": "o-1"}`, string(orders[0].Payload))
}

func TestRestoreSnapshotEmpty(t *testing.T) {
	t.Parallel()

	m, err := RestoreSnapshot(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Total())

	_, err = RestoreSnapshot([]byte(`{"broken"`))
	require.Error(t, err)
}
