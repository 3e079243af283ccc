package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/loom/router"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu     sync.Mutex
	events []router.Event
}

func (s *sink) deliver(_ context.Context, evt router.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *sink) all() []router.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]router.Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestOnceFiresAndDelivers(t *testing.T) {
	t.Parallel()

	r := router.New()
	s := &sink{}
	r.Register("inst", []string{"reminder"}, s.deliver)

	scheduler := New(r)
	defer scheduler.Stop()

	scheduler.Once(time.Now().Add(20*time.Millisecond), "reminder", json.RawMessage(`{"what":"stand up"}`))

	require.Eventually(t, func() bool {
		return s.count() == 1
	}, 5*time.Second, 5*time.Millisecond)

	evt := s.all()[0]
	assert.Equal(t, "reminder", evt.Type)
	assert.JSONEq(t, `{"what":"stand up"}`, string(evt.Payload))

	// one-shot entries do not fire again
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.count())
}

func TestOncePastDueFiresImmediately(t *testing.T) {
	t.Parallel()

	r := router.New()
	s := &sink{}
	r.Register("inst", []string{"late"}, s.deliver)

	scheduler := New(r)
	defer scheduler.Stop()

	scheduler.Once(time.Now().Add(-time.Minute), "late", nil)
	require.Eventually(t, func() bool {
		return s.count() == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRecurringFiresWithFreshEventIDs(t *testing.T) {
	t.Parallel()

	r := router.New()
	s := &sink{}
	r.Register("inst", []string{"tick"}, s.deliver)

	scheduler := New(r)
	defer scheduler.Stop()

	id, err := scheduler.Recurring("@every 1s", "tick", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.count() >= 2
	}, 10*time.Second, 10*time.Millisecond)
	scheduler.Cancel(id)

	// the router deduplicates by event id, so every tick must carry a
	// fresh one to land
	seen := make(map[string]bool)
	for _, evt := range s.all() {
		assert.False(t, seen[evt.ID.String()])
		seen[evt.ID.String()] = true
	}
}

func TestRecurringRejectsBadExpression(t *testing.T) {
	t.Parallel()

	scheduler := New(router.New())
	defer scheduler.Stop()

	_, err := scheduler.Recurring("not a cron line", "tick", nil)
	assert.Error(t, err)
}

func TestCancelStopsFutureFirings(t *testing.T) {
	t.Parallel()

	r := router.New()
	s := &sink{}
	r.Register("inst", []string{"tick"}, s.deliver)

	scheduler := New(r)
	defer scheduler.Stop()

	id := scheduler.Once(time.Now().Add(time.Hour), "tick", nil)
	scheduler.Cancel(id)
	scheduler.Cancel(id) // unknown ids are a no-op

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, s.count())
}

func TestStopTerminatesLoop(t *testing.T) {
	t.Parallel()

	scheduler := New(router.New())
	scheduler.Once(time.Now().Add(time.Hour), "never", nil)

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
