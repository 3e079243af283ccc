package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"
)

const defaultRetention = 5 * time.Minute

// DeliverFunc receives an event routed to one plan instance. The router
// calls it once per delivery; implementations enqueue onto the instance's
// mailbox and must not block for long.
type DeliverFunc func(ctx context.Context, evt Event)

// CompletionFunc receives the completion event for an async dispatch. The
// registration is one-shot: the router removes it before invoking.
type CompletionFunc func(ctx context.Context, evt Event)

// Router indexes which plan instances await which event names and fans
// deliveries out to them. Delivery is idempotent: each event carries a
// unique id, and redelivery within the retention window is dropped.
type Router struct {
	interests   *haxmap.Map[string, *haxmap.Map[string, DeliverFunc]] // event type -> instance id -> sink
	registered  *haxmap.Map[string, []string]                        // instance id -> event types
	completions *haxmap.Map[string, CompletionFunc]                  // correlation id -> one-shot sink

	seen      *haxmap.Map[string, time.Time] // event id -> first seen
	retention time.Duration
	sweepMu   sync.Mutex
	lastSweep time.Time

	log *slog.Logger
}

// WithRetention sets how long delivered event ids are remembered for
// duplicate suppression.
func WithRetention(d time.Duration) opts.Option[Router] {
	return opts.Type[Router](func(r *Router) error {
		r.retention = d
		return nil
	})
}

// WithLogger sets the router's logger.
func WithLogger(log *slog.Logger) opts.Option[Router] {
	return opts.Type[Router](func(r *Router) error {
		r.log = log
		return nil
	})
}

// New creates an event router.
func New(options ...opts.Option[Router]) *Router {
	r := &Router{
		interests:   haxmap.New[string, *haxmap.Map[string, DeliverFunc]](),
		registered:  haxmap.New[string, []string](),
		completions: haxmap.New[string, CompletionFunc](),
		seen:        haxmap.New[string, time.Time](),
		retention:   defaultRetention,
		log:         slog.Default(),
	}
	if err := opts.Apply(r, options); err != nil {
		panic(err)
	}
	return r
}

// Register subscribes a plan instance to the given event names. Calling
// Register again for the same instance replaces its interest set.
func (r *Router) Register(instanceID string, eventTypes []string, deliver DeliverFunc) {
	r.Deregister(instanceID)
	for _, typ := range eventTypes {
		sinks, _ := r.interests.GetOrCompute(typ, func() *haxmap.Map[string, DeliverFunc] {
			return haxmap.New[string, DeliverFunc]()
		})
		sinks.Set(instanceID, deliver)
	}
	r.registered.Set(instanceID, eventTypes)
}

// Deregister removes every interest held by the instance. Events routed
// after deregistration no longer reach it, including late async
// completions targeted at its dispatches.
func (r *Router) Deregister(instanceID string) {
	types, ok := r.registered.Get(instanceID)
	if !ok {
		return
	}
	for _, typ := range types {
		if sinks, ok := r.interests.Get(typ); ok {
			sinks.Del(instanceID)
		}
	}
	r.registered.Del(instanceID)
}

// AwaitCompletion registers a one-shot sink for the event whose
// correlation id matches. The dispatcher uses this to close the async
// dispatch loop. Cancel the registration with ResolveCompletion.
func (r *Router) AwaitCompletion(correlationID string, fn CompletionFunc) {
	r.completions.Set(correlationID, fn)
}

// ResolveCompletion removes a pending completion registration. It reports
// whether the registration was still present, which makes completion and
// timeout races safe to resolve exactly once.
func (r *Router) ResolveCompletion(correlationID string) (CompletionFunc, bool) {
	return r.completions.GetAndDel(correlationID)
}

// Deliver routes one event. Duplicate ids within the retention window are
// dropped silently. Completion registrations take precedence over the
// interest index; an event resolving a pending dispatch is not also
// routed by type.
func (r *Router) Deliver(ctx context.Context, evt Event) {
	if _, dup := r.seen.GetOrCompute(evt.ID.String(), func() time.Time { return time.Now() }); dup {
		r.log.Debug("dropping duplicate event",
			slog.String("event_id", evt.ID.String()),
			slog.String("event_type", evt.Type),
		)
		return
	}
	r.sweep()

	if evt.CorrelationID != "" {
		if fn, ok := r.ResolveCompletion(evt.CorrelationID); ok {
			fn(ctx, evt)
			return
		}
	}

	sinks, ok := r.interests.Get(evt.Type)
	if !ok {
		r.log.Debug("no instance awaits event", slog.String("event_type", evt.Type))
		return
	}
	delivered := 0
	sinks.ForEach(func(_ string, deliver DeliverFunc) bool {
		deliver(ctx, evt)
		delivered++
		return true
	})
	if delivered == 0 {
		r.log.Debug("no instance awaits event", slog.String("event_type", evt.Type))
	}
}

// sweep evicts event ids older than the retention window. It runs at most
// once per window to keep Deliver cheap.
func (r *Router) sweep() {
	r.sweepMu.Lock()
	if time.Since(r.lastSweep) < r.retention {
		r.sweepMu.Unlock()
		return
	}
	r.lastSweep = time.Now()
	r.sweepMu.Unlock()

	cutoff := time.Now().Add(-r.retention)
	var expired []string
	r.seen.ForEach(func(id string, at time.Time) bool {
		if at.Before(cutoff) {
			expired = append(expired, id)
		}
		return true
	})
	for _, id := range expired {
		r.seen.Del(id)
	}
}
