package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/pkg/uuidx"
	"github.com/casualjim/loom/plan"
	"github.com/casualjim/loom/router"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

const defaultTimeout = 30 * time.Second

// ErrUnknownAction is returned when a step names an action that is not in
// the registry. Plan validation cannot catch this for plans whose actions
// are registered after the fact, so the dispatcher checks again.
var ErrUnknownAction = errors.New("unknown action")

// Request asks the dispatcher to carry out one fired step.
type Request struct {
	InstanceID string
	Step       string
	Action     string
	Args       json.RawMessage

	// CorrelationID is the pairing id carried over from the consumed
	// tokens, propagated onto result tokens. It is distinct from the
	// dispatch correlation id the dispatcher generates for async calls.
	CorrelationID string
}

// Completion reports the outcome of a dispatch.
type Completion struct {
	Request       Request
	CorrelationID string // dispatch correlation id
	Result        json.RawMessage
	Failed        bool
	TimedOut      bool
	Err           error
}

// CompletionFunc receives the outcome of a dispatch, exactly once.
type CompletionFunc func(c Completion)

type pendingDispatch struct {
	req   Request
	timer *time.Timer
	done  CompletionFunc
}

// Dispatcher owns the action registry lookup and the pending-completion
// table for asynchronous calls. It never blocks the caller: synchronous
// tools run on their own goroutine, asynchronous tools return immediately
// after the pending record is registered.
type Dispatcher struct {
	registry *Registry
	router   *router.Router
	timeout  time.Duration
	pending  *haxmap.Map[string, *pendingDispatch]
	log      *slog.Logger
}

// WithTimeout sets the default per-dispatch deadline. Individual actions
// override it with their own Timeout.
func WithTimeout(d time.Duration) opts.Option[Dispatcher] {
	return opts.Type[Dispatcher](func(dd *Dispatcher) error {
		dd.timeout = d
		return nil
	})
}

// WithLogger sets the dispatcher's logger.
func WithLogger(log *slog.Logger) opts.Option[Dispatcher] {
	return opts.Type[Dispatcher](func(dd *Dispatcher) error {
		dd.log = log
		return nil
	})
}

// New creates a dispatcher over the given registry and router.
func New(registry *Registry, r *router.Router, options ...opts.Option[Dispatcher]) *Dispatcher {
	if registry == nil {
		panic("registry cannot be nil")
	}
	if r == nil {
		panic("router cannot be nil")
	}
	d := &Dispatcher{
		registry: registry,
		router:   r,
		timeout:  defaultTimeout,
		pending:  haxmap.New[string, *pendingDispatch](),
		log:      slog.Default(),
	}
	if err := opts.Apply(d, options); err != nil {
		panic(err)
	}
	return d
}

// Registry returns the action registry backing this dispatcher.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Outstanding reports how many asynchronous dispatches have not completed.
func (d *Dispatcher) Outstanding() int {
	return int(d.pending.Len())
}

// Dispatch carries out the request and reports the outcome through done.
// Every dispatch, including failures and timeouts, produces exactly one
// completion; the dispatcher never retries on its own.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, done CompletionFunc) error {
	if done == nil {
		return fmt.Errorf("completion callback cannot be nil")
	}
	action, ok := d.registry.Get(req.Action)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}

	timeout := d.timeout
	if action.Timeout > 0 {
		timeout = action.Timeout
	}
	corrID := uuidx.NewString()
	inv := Invocation{
		CorrelationID: corrID,
		Args:          req.Args,
		Deadline:      time.Now().Add(timeout),
	}

	if !action.Async {
		go d.invokeSync(ctx, action, req, inv, timeout, done)
		return nil
	}

	p := &pendingDispatch{req: req, done: done}
	d.pending.Set(corrID, p)
	d.router.AwaitCompletion(corrID, func(_ context.Context, evt router.Event) {
		d.complete(corrID, evt)
	})
	p.timer = time.AfterFunc(timeout, func() {
		d.expire(corrID)
	})

	go func() {
		if _, err := action.tool.Invoke(ctx, inv); err != nil {
			d.abort(corrID, err)
		}
	}()
	return nil
}

func (d *Dispatcher) invokeSync(ctx context.Context, action Action, req Request, inv Invocation, timeout time.Duration, done CompletionFunc) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := action.tool.Invoke(cctx, inv)
	c := Completion{Request: req, CorrelationID: inv.CorrelationID, Result: result}
	if err != nil {
		c.Failed = true
		c.Err = err
		c.TimedOut = errors.Is(err, context.DeadlineExceeded)
		d.log.Warn("dispatch failed",
			slog.String("action", req.Action),
			slog.String("step", req.Step),
			slogx.Error(err),
		)
	}
	done(c)
}

// complete resolves an async dispatch when its completion event arrives.
// An event typed as the action's failure event marks the dispatch failed.
func (d *Dispatcher) complete(corrID string, evt router.Event) {
	p, ok := d.take(corrID)
	if !ok {
		return
	}
	c := Completion{
		Request:       p.req,
		CorrelationID: corrID,
		Result:        evt.Payload,
	}
	if evt.Type == plan.FailureEvent(p.req.Action) {
		c.Failed = true
		c.Err = fmt.Errorf("action %s reported failure", p.req.Action)
	}
	p.done(c)
}

// expire fires when the deadline passes before the completion event. The
// timeout travels the normal failure path; the dispatch never silently
// hangs.
func (d *Dispatcher) expire(corrID string) {
	p, ok := d.take(corrID)
	if !ok {
		return
	}
	d.router.ResolveCompletion(corrID)
	err := fmt.Errorf("action %s exceeded its deadline", p.req.Action)
	d.log.Warn("dispatch timed out",
		slog.String("action", p.req.Action),
		slog.String("step", p.req.Step),
	)
	p.done(Completion{
		Request:       p.req,
		CorrelationID: corrID,
		Failed:        true,
		TimedOut:      true,
		Err:           err,
	})
}

// abort resolves an async dispatch whose start call failed outright.
func (d *Dispatcher) abort(corrID string, err error) {
	p, ok := d.take(corrID)
	if !ok {
		return
	}
	d.router.ResolveCompletion(corrID)
	d.log.Warn("dispatch failed to start",
		slog.String("action", p.req.Action),
		slog.String("step", p.req.Step),
		slogx.Error(err),
	)
	p.done(Completion{
		Request:       p.req,
		CorrelationID: corrID,
		Failed:        true,
		Err:           err,
	})
}

// take removes the pending record, stopping its timer. The haxmap acts as
// the once-guard between completion, timeout and abort.
func (d *Dispatcher) take(corrID string) (*pendingDispatch, bool) {
	p, ok := d.pending.GetAndDel(corrID)
	if !ok {
		return nil, false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}
