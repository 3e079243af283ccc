package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/loom/dispatch"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/plan"
	"github.com/casualjim/loom/router"
	"github.com/casualjim/loom/store"
	"github.com/casualjim/loom/token"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const mailboxDepth = 256

// instanceMsg is one unit of work for an instance worker. Exactly one
// field is set.
type instanceMsg struct {
	evt        *router.Event
	completion *dispatch.Completion
	cancel     bool
	reason     string
	nudge      bool
}

// Instance is one running execution of a plan. All marking mutations
// happen on the worker goroutine draining the mailbox, so the instance
// needs no locking around its Petri net state.
type Instance struct {
	id     string
	plan   *plan.Plan
	kernel *Kernel
	log    *slog.Logger

	guards    map[string]*plan.Guard
	stepNames []string
	awaited   []string
	consumed  map[string]bool

	// worker-owned, never touched outside the run goroutine
	marking     *token.Marking
	outstanding int
	worked      bool

	mailbox chan instanceMsg
	done    chan struct{}

	status atomic.Int32

	reasonMu sync.Mutex
	reason   string
}

func newInstance(k *Kernel, p *plan.Plan, id string, marking *token.Marking) (*Instance, error) {
	in := &Instance{
		id:       id,
		plan:     p,
		kernel:   k,
		log:      k.log.With(slog.String("instance_id", id), slog.String("plan", p.Name)),
		guards:   make(map[string]*plan.Guard, len(p.Steps)),
		consumed: make(map[string]bool),
		marking:  marking,
		mailbox:  make(chan instanceMsg, mailboxDepth),
		done:     make(chan struct{}),
		worked:   marking.Total() > 0,
	}
	for name, step := range p.Steps {
		g, err := plan.ParseGuard(step.Guard, step.On)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", name, err)
		}
		in.guards[name] = g
		in.stepNames = append(in.stepNames, name)
		for _, ev := range step.On {
			if !in.consumed[ev] {
				in.consumed[ev] = true
				in.awaited = append(in.awaited, ev)
			}
		}
	}
	// deterministic step order makes confluent plans replayable
	sort.Strings(in.stepNames)
	sort.Strings(in.awaited)
	return in, nil
}

// ID returns the instance id.
func (in *Instance) ID() string { return in.id }

// Plan returns the plan this instance executes.
func (in *Instance) Plan() *plan.Plan { return in.plan }

// Status returns the current lifecycle state.
func (in *Instance) Status() Status {
	return Status(in.status.Load())
}

// Reason returns the failure or cancellation reason, if any.
func (in *Instance) Reason() string {
	in.reasonMu.Lock()
	defer in.reasonMu.Unlock()
	return in.reason
}

// Done is closed when the instance reaches a terminal status.
func (in *Instance) Done() <-chan struct{} { return in.done }

// post enqueues a message for the worker. Messages posted after the
// instance terminates are discarded.
func (in *Instance) post(msg instanceMsg) {
	select {
	case <-in.done:
	case in.mailbox <- msg:
	}
}

func (in *Instance) run() {
	ctx := context.Background()
	for {
		select {
		case <-in.done:
			return
		case msg := <-in.mailbox:
			in.handle(ctx, msg)
			if !in.Status().Terminal() {
				in.fireEnabled(ctx)
				in.settle(ctx)
			}
		}
	}
}

func (in *Instance) handle(ctx context.Context, msg instanceMsg) {
	if in.Status().Terminal() {
		return
	}
	switch {
	case msg.cancel:
		in.finish(ctx, StatusFailed, msg.reason)
	case msg.evt != nil:
		if !in.consumed[msg.evt.Type] {
			return
		}
		in.status.Store(int32(StatusActive))
		in.place(ctx, token.New(msg.evt.Type, msg.evt.Payload, msg.evt.CorrelationID))
		in.checkpoint(ctx)
	case msg.completion != nil:
		in.handleCompletion(ctx, *msg.completion)
	}
}

func (in *Instance) handleCompletion(ctx context.Context, c dispatch.Completion) {
	in.outstanding--
	step, ok := in.plan.Steps[c.Request.Step]
	if !ok {
		in.log.Error("completion for unknown step", slog.String("step", c.Request.Step))
		return
	}

	if c.Failed {
		failEvt := plan.FailureEvent(c.Request.Action)
		if !in.consumed[failEvt] {
			reason := fmt.Sprintf("step %s: action %s failed", c.Request.Step, c.Request.Action)
			if c.Err != nil {
				reason = fmt.Sprintf("%s: %v", reason, c.Err)
			}
			in.finish(ctx, StatusFailed, reason)
			return
		}
		payload, _ := sjson.SetBytes([]byte(`{}`), "step", c.Request.Step)
		if c.Err != nil {
			payload, _ = sjson.SetBytes(payload, "error", c.Err.Error())
		}
		if c.TimedOut {
			payload, _ = sjson.SetBytes(payload, "timed_out", true)
		}
		in.place(ctx, in.emit(c.Request.Step, failEvt, payload, c.Request.CorrelationID))
		in.checkpoint(ctx)
		return
	}

	for _, ev := range step.Emits {
		in.place(ctx, in.emit(c.Request.Step, ev, c.Result, c.Request.CorrelationID))
	}
	in.checkpoint(ctx)
}

// place puts a token on its place and notifies the hook.
func (in *Instance) place(ctx context.Context, tok *token.Token) {
	in.worked = true
	in.marking.Put(tok)
	in.kernel.hook.OnTokenPlaced(ctx, in.id, tok)
}

// emit creates a token produced by a step firing. The producer is
// recorded so the step cannot rebind its own output.
func (in *Instance) emit(step, place string, payload json.RawMessage, correlationID string) *token.Token {
	tok := token.New(place, payload, correlationID)
	tok.Producer = step
	return tok
}

// fireEnabled fires steps until no step has a satisfying binding left.
// Steps are scanned in name order; a firing consumes its tokens before
// the next step is considered, so two steps competing for one token
// resolve deterministically.
func (in *Instance) fireEnabled(ctx context.Context) {
	for {
		fired := false
		for _, name := range in.stepNames {
			if in.Status().Terminal() {
				return
			}
			step := in.plan.Steps[name]
			binding, ok := in.findBinding(name, step, in.guards[name])
			if !ok {
				continue
			}
			if in.fire(ctx, name, step, binding) {
				fired = true
			}
		}
		if !fired {
			return
		}
	}
}

// findBinding searches for one token per input event, oldest tokens
// first, such that the bound tokens are pairwise distinct, none was
// produced by this step, and the guard passes. The search stops after
// the kernel's binding cap.
func (in *Instance) findBinding(name string, step plan.StepSpec, guard *plan.Guard) ([]*token.Token, bool) {
	candidates := make([][]*token.Token, len(step.On))
	for i, ev := range step.On {
		for _, t := range in.marking.Tokens(ev) {
			if t.Producer != name {
				candidates[i] = append(candidates[i], t)
			}
		}
		if len(candidates[i]) == 0 {
			return nil, false
		}
	}

	chosen := make([]*token.Token, len(step.On))
	tried := 0
	var pick func(i int) bool
	pick = func(i int) bool {
		if i == len(step.On) {
			tried++
			bound := make(map[string]*token.Token, len(step.On))
			for j, ev := range step.On {
				bound[ev] = chosen[j]
			}
			ok, err := guard.Eval(bound)
			if err != nil {
				in.log.Debug("guard evaluation failed",
					slog.String("guard", guard.Source()),
					slogx.Error(err),
				)
				return false
			}
			return ok
		}
		for _, cand := range candidates[i] {
			if containsToken(chosen[:i], cand) {
				continue
			}
			chosen[i] = cand
			if pick(i + 1) {
				return true
			}
			if tried >= in.kernel.maxBindings {
				return false
			}
		}
		return false
	}
	if !pick(0) {
		return nil, false
	}
	return chosen, true
}

func containsToken(ts []*token.Token, t *token.Token) bool {
	for _, other := range ts {
		if other.ID == t.ID {
			return true
		}
	}
	return false
}

// fire consumes the binding's tokens and dispatches the step's action.
func (in *Instance) fire(ctx context.Context, name string, step plan.StepSpec, binding []*token.Token) bool {
	taken := make([]*token.Token, 0, len(binding))
	for _, tok := range binding {
		t, ok := in.marking.Take(tok.Place, tok.ID)
		if !ok {
			for _, back := range taken {
				in.marking.Put(back)
			}
			return false
		}
		taken = append(taken, t)
	}

	bound := make(map[string]*token.Token, len(step.On))
	correlation := ""
	for i, ev := range step.On {
		if _, dup := bound[ev]; !dup {
			bound[ev] = taken[i]
		}
		if correlation == "" {
			correlation = taken[i].CorrelationID
		}
	}

	args, err := resolveArgs(step, bound)
	if err != nil {
		in.finish(ctx, StatusFailed, fmt.Sprintf("step %s: %v", name, err))
		return false
	}

	in.outstanding++
	in.kernel.hook.OnStepFired(ctx, in.id, name)
	in.log.Debug("step fired",
		slog.String("step", name),
		slog.String("action", step.Action),
	)
	in.checkpoint(ctx)

	req := dispatch.Request{
		InstanceID:    in.id,
		Step:          name,
		Action:        step.Action,
		Args:          args,
		CorrelationID: correlation,
	}
	if err := in.kernel.dispatcher.Dispatch(ctx, req, func(c dispatch.Completion) {
		in.post(instanceMsg{completion: &c})
	}); err != nil {
		in.outstanding--
		in.finish(ctx, StatusFailed, fmt.Sprintf("step %s: %v", name, err))
		return false
	}
	return true
}

// resolveArgs materializes a step's argument object. Literal values pass
// through unchanged; "$event.path" references resolve against the bound
// token's payload and "$event.$correlation" against its correlation id.
// A referenced field that is absent resolves to JSON null.
func resolveArgs(step plan.StepSpec, bound map[string]*token.Token) (json.RawMessage, error) {
	args := []byte(`{}`)
	keys := make([]string, 0, len(step.Args))
	for key := range step.Args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var err error
	for _, key := range keys {
		raw := step.Args[key]
		if event, path, ok := plan.ArgRef(raw, step.On); ok {
			tok := bound[event]
			if tok == nil {
				return nil, fmt.Errorf("argument %s references unbound event %s", key, event)
			}
			switch {
			case path == "$correlation":
				args, err = sjson.SetBytes(args, key, tok.CorrelationID)
			case path == "":
				args, err = sjson.SetRawBytes(args, key, payloadOrNull(tok.Payload))
			default:
				if res := gjson.GetBytes(tok.Payload, path); res.Exists() {
					args, err = sjson.SetRawBytes(args, key, []byte(res.Raw))
				} else {
					args, err = sjson.SetRawBytes(args, key, []byte("null"))
				}
			}
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", key, err)
			}
			continue
		}

		var s string
		if json.Unmarshal(raw, &s) == nil && strings.HasPrefix(s, "$$") {
			if args, err = sjson.SetBytes(args, key, s[1:]); err != nil {
				return nil, fmt.Errorf("argument %s: %w", key, err)
			}
			continue
		}
		if args, err = sjson.SetRawBytes(args, key, raw); err != nil {
			return nil, fmt.Errorf("argument %s: %w", key, err)
		}
	}
	return args, nil
}

func payloadOrNull(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return []byte("null")
	}
	return payload
}

// settle decides what quiescence means for this instance. With dispatches
// in flight the instance stays active. An acyclic plan that has processed
// work and holds no token any step still consumes has run its course;
// anything else suspends and waits for the router. A freshly activated
// instance has processed nothing, so it waits for its first event.
func (in *Instance) settle(ctx context.Context) {
	if in.Status().Terminal() || in.outstanding > 0 {
		return
	}
	if in.plan.GraphType == plan.Acyclic && in.worked && !in.awaitingTokens() {
		in.finish(ctx, StatusCompleted, "")
		return
	}
	if in.Status() != StatusSuspended {
		in.status.Store(int32(StatusSuspended))
		in.checkpoint(ctx)
		in.log.Debug("instance suspended", slog.Int("tokens", in.marking.Total()))
	}
}

// awaitingTokens reports whether any place consumed by a step still holds
// a token. Tokens left on terminal places do not keep an instance alive.
func (in *Instance) awaitingTokens() bool {
	for _, ev := range in.awaited {
		if len(in.marking.Tokens(ev)) > 0 {
			return true
		}
	}
	return false
}

// finish moves the instance to a terminal status, writes the final
// checkpoint and retires it from the kernel.
func (in *Instance) finish(ctx context.Context, status Status, reason string) {
	if in.Status().Terminal() {
		return
	}
	in.reasonMu.Lock()
	in.reason = reason
	in.reasonMu.Unlock()
	in.status.Store(int32(status))
	in.checkpoint(ctx)

	switch status {
	case StatusCompleted:
		in.kernel.hook.OnInstanceCompleted(ctx, in.id)
		in.log.Info("instance completed")
	case StatusFailed:
		in.kernel.hook.OnInstanceFailed(ctx, in.id, reason)
		in.log.Warn("instance failed", slog.String("reason", reason))
	}

	in.kernel.retire(ctx, in)
	close(in.done)
}

func (in *Instance) checkpoint(ctx context.Context) {
	if in.kernel.store == nil {
		return
	}
	snap, err := in.marking.Snapshot()
	if err != nil {
		in.log.Error("failed to snapshot marking", slogx.Error(err))
		return
	}
	rec := store.InstanceRecord{
		InstanceID:  in.id,
		PlanName:    in.plan.Name,
		PlanVersion: in.plan.Version,
		Marking:     snap,
		Status:      in.Status().String(),
		Reason:      in.Reason(),
		LastUpdated: strfmt.DateTime(time.Now()),
	}
	if err := in.kernel.store.SaveInstance(ctx, rec); err != nil {
		in.log.Error("failed to checkpoint instance", slogx.Error(err))
	}
}
