package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/casualjim/loom/router"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect() (CompletionFunc, <-chan Completion) {
	ch := make(chan Completion, 1)
	return func(c Completion) { ch <- c }, ch
}

func await(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion arrived")
		return Completion{}
	}
}

func TestDispatchSyncSuccess(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(Must(
		ToolFunc(func(_ context.Context, inv Invocation) (json.RawMessage, error) {
			return inv.Args, nil
		}),
		Name("echo"),
	))
	require.NoError(t, err)
	d := New(registry, router.New())

	done, ch := collect()
	req := Request{InstanceID: "inst", Step: "run", Action: "echo", Args: json.RawMessage(`{"n":1}`)}
	require.NoError(t, d.Dispatch(context.Background(), req, done))

	c := await(t, ch)
	assert.False(t, c.Failed)
	assert.False(t, c.TimedOut)
	assert.JSONEq(t, `{"n":1}`, string(c.Result))
	assert.Equal(t, "run", c.Request.Step)
	assert.NotEmpty(t, c.CorrelationID)
}

func TestDispatchSyncFailure(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(Must(
		ToolFunc(func(context.Context, Invocation) (json.RawMessage, error) {
			return nil, fmt.Errorf("downstream unavailable")
		}),
		Name("flaky"),
	))
	require.NoError(t, err)
	d := New(registry, router.New())

	done, ch := collect()
	require.NoError(t, d.Dispatch(context.Background(), Request{Action: "flaky"}, done))

	c := await(t, ch)
	assert.True(t, c.Failed)
	assert.False(t, c.TimedOut)
	assert.ErrorContains(t, c.Err, "downstream unavailable")
}

func TestDispatchSyncTimeout(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(Must(
		ToolFunc(func(ctx context.Context, _ Invocation) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Name("sleepy"),
		Timeout(20*time.Millisecond),
	))
	require.NoError(t, err)
	d := New(registry, router.New())

	done, ch := collect()
	require.NoError(t, d.Dispatch(context.Background(), Request{Action: "sleepy"}, done))

	c := await(t, ch)
	assert.True(t, c.Failed)
	assert.True(t, c.TimedOut)
}

func TestDispatchUnknownAction(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry()
	require.NoError(t, err)
	d := New(registry, router.New())

	done, _ := collect()
	err = d.Dispatch(context.Background(), Request{Action: "ghost"}, done)
	assert.ErrorIs(t, err, ErrUnknownAction)

	assert.Error(t, d.Dispatch(context.Background(), Request{Action: "ghost"}, nil))
}

func TestDispatchAsyncCompletesThroughRouter(t *testing.T) {
	t.Parallel()

	r := router.New()
	started := make(chan string, 1)
	registry, err := NewRegistry(Must(
		ToolFunc(func(_ context.Context, inv Invocation) (json.RawMessage, error) {
			started <- inv.CorrelationID
			return nil, nil
		}),
		Name("remote"),
		Async(),
	))
	require.NoError(t, err)
	d := New(registry, r)

	done, ch := collect()
	require.NoError(t, d.Dispatch(context.Background(), Request{Step: "call", Action: "remote"}, done))

	var corrID string
	select {
	case corrID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	assert.Equal(t, 1, d.Outstanding())

	r.Deliver(context.Background(), router.NewEvent("remote.done", json.RawMessage(`{"ok":true}`), corrID))

	c := await(t, ch)
	assert.False(t, c.Failed)
	assert.JSONEq(t, `{"ok":true}`, string(c.Result))
	assert.Equal(t, corrID, c.CorrelationID)
	assert.Equal(t, 0, d.Outstanding())
}

func TestDispatchAsyncFailureEvent(t *testing.T) {
	t.Parallel()

	r := router.New()
	started := make(chan string, 1)
	registry, err := NewRegistry(Must(
		ToolFunc(func(_ context.Context, inv Invocation) (json.RawMessage, error) {
			started <- inv.CorrelationID
			return nil, nil
		}),
		Name("remote"),
		Async(),
	))
	require.NoError(t, err)
	d := New(registry, r)

	done, ch := collect()
	require.NoError(t, d.Dispatch(context.Background(), Request{Action: "remote"}, done))
	corrID := <-started

	// an event typed as the action's failure event marks the dispatch failed
	r.Deliver(context.Background(), router.NewEvent("remote.failed", json.RawMessage(`{"error":"nope"}`), corrID))

	c := await(t, ch)
	assert.True(t, c.Failed)
	assert.ErrorContains(t, c.Err, "remote")
}

func TestDispatchAsyncTimeout(t *testing.T) {
	t.Parallel()

	r := router.New()
	registry, err := NewRegistry(Must(
		ToolFunc(func(context.Context, Invocation) (json.RawMessage, error) {
			return nil, nil // started fine, never completes
		}),
		Name("remote"),
		Async(),
		Timeout(20*time.Millisecond),
	))
	require.NoError(t, err)
	d := New(registry, r)

	done, ch := collect()
	require.NoError(t, d.Dispatch(context.Background(), Request{Action: "remote"}, done))

	c := await(t, ch)
	assert.True(t, c.Failed)
	assert.True(t, c.TimedOut)
	assert.Equal(t, 0, d.Outstanding())

	// a completion after expiry resolves nothing and must not panic
	r.Deliver(context.Background(), router.NewEvent("remote.done", nil, c.CorrelationID))
}

func TestDispatchAsyncStartFailure(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(Must(
		ToolFunc(func(context.Context, Invocation) (json.RawMessage, error) {
			return nil, fmt.Errorf("queue full")
		}),
		Name("remote"),
		Async(),
	))
	require.NoError(t, err)
	d := New(registry, router.New())

	done, ch := collect()
	require.NoError(t, d.Dispatch(context.Background(), Request{Action: "remote"}, done))

	c := await(t, ch)
	assert.True(t, c.Failed)
	assert.ErrorContains(t, c.Err, "queue full")
	assert.Equal(t, 0, d.Outstanding())
}
