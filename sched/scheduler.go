// Package sched converts time into events.
//
// One-shot and cron-recurring triggers are held in a time-ordered heap; on
// expiry the scheduler synthesizes an event and hands it to the router
// exactly as if it had arrived externally. The execution engine has no
// special-case code path for time.
package sched

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/loom/pkg/uuidx"
	"github.com/casualjim/loom/router"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/robfig/cron/v3"
)

type entry struct {
	id            string
	at            time.Time
	eventType     string
	payload       json.RawMessage
	correlationID string
	schedule      cron.Schedule // nil for one-shot entries
	index         int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler turns deadlines and cron expressions into router events.
type Scheduler struct {
	router *router.Router
	now    func() time.Time
	log    *slog.Logger

	mu      sync.Mutex
	entries entryHeap
	byID    map[string]*entry

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) opts.Option[Scheduler] {
	return opts.Type[Scheduler](func(s *Scheduler) error {
		s.now = now
		return nil
	})
}

// WithLogger sets the scheduler's logger.
func WithLogger(log *slog.Logger) opts.Option[Scheduler] {
	return opts.Type[Scheduler](func(s *Scheduler) error {
		s.log = log
		return nil
	})
}

// New creates a scheduler feeding the given router and starts its timer
// loop. Call Stop to shut it down.
func New(r *router.Router, options ...opts.Option[Scheduler]) *Scheduler {
	s := &Scheduler{
		router: r,
		now:    time.Now,
		log:    slog.Default(),
		byID:   make(map[string]*entry),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := opts.Apply(s, options); err != nil {
		panic(err)
	}
	go s.run()
	return s
}

// Once schedules a single event at the given time. It returns the entry
// id, usable with Cancel.
func (s *Scheduler) Once(at time.Time, eventType string, payload json.RawMessage) string {
	return s.add(&entry{
		id:        uuidx.NewString(),
		at:        at,
		eventType: eventType,
		payload:   payload,
	})
}

// Recurring schedules an event on a cron expression (standard five-field
// syntax). Every occurrence gets a fresh event id, so duplicate
// suppression at the router never swallows a tick.
func (s *Scheduler) Recurring(cronExpr, eventType string, payload json.RawMessage) (string, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return "", err
	}
	return s.add(&entry{
		id:        uuidx.NewString(),
		at:        schedule.Next(s.now()),
		eventType: eventType,
		payload:   payload,
		schedule:  schedule,
	}), nil
}

// Cancel removes a scheduled entry. Canceling an already-fired one-shot
// entry is a no-op.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	heap.Remove(&s.entries, e.index)
	s.kick()
}

// Stop shuts the timer loop down and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) add(e *entry) string {
	s.mu.Lock()
	s.byID[e.id] = e
	heap.Push(&s.entries, e)
	s.mu.Unlock()
	s.kick()
	return e.id
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.fireDue()

		s.mu.Lock()
		var wait time.Duration = time.Hour
		if len(s.entries) > 0 {
			wait = time.Until(s.entries[0].at)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

// fireDue pops every entry whose time has come and synthesizes its event.
// Recurring entries are pushed back with their next occurrence.
func (s *Scheduler) fireDue() {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for len(s.entries) > 0 && !s.entries[0].at.After(now) {
		e := heap.Pop(&s.entries).(*entry)
		due = append(due, e)
		if e.schedule != nil {
			next := &entry{
				id:        e.id,
				at:        e.schedule.Next(now),
				eventType: e.eventType,
				payload:   e.payload,
				schedule:  e.schedule,
			}
			s.byID[e.id] = next
			heap.Push(&s.entries, next)
		} else {
			delete(s.byID, e.id)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		evt := router.NewEvent(e.eventType, e.payload, e.correlationID)
		s.log.Debug("timer fired",
			slog.String("event_type", e.eventType),
			slog.String("event_id", evt.ID.String()),
		)
		s.router.Deliver(context.Background(), evt)
	}
}
