// Package engine interprets validated plans as colored Petri nets and
// drives their instances to completion.
//
// The kernel owns the instance registry. Each instance serializes its own
// marking mutations on a single worker goroutine fed by a mailbox, so
// instances execute fully in parallel with each other while every firing
// stays atomic with respect to its marking. The router delivers tokens
// into mailboxes, the dispatcher reports completions into mailboxes, and
// nothing else ever touches a marking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/loom/dispatch"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/pkg/uuidx"
	"github.com/casualjim/loom/plan"
	"github.com/casualjim/loom/router"
	"github.com/casualjim/loom/store"
	"github.com/casualjim/loom/token"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

const defaultMaxBindings = 64

// ErrInstanceNotFound is returned for operations on unknown instance ids.
var ErrInstanceNotFound = errors.New("instance not found")

// Kernel wires the plan library, router, dispatcher and durable store
// together and manages the running instances.
type Kernel struct {
	library     *plan.Library
	router      *router.Router
	dispatcher  *dispatch.Dispatcher
	store       store.Store
	hook        Hook
	log         *slog.Logger
	maxBindings int

	instances *haxmap.Map[string, *Instance]
}

// WithStore sets the durable state store. Without one, the kernel runs
// purely in memory and cannot recover from a crash.
func WithStore(s store.Store) opts.Option[Kernel] {
	return opts.Type[Kernel](func(k *Kernel) error {
		k.store = s
		return nil
	})
}

// WithHook sets the observer hook.
func WithHook(h Hook) opts.Option[Kernel] {
	return opts.Type[Kernel](func(k *Kernel) error {
		k.hook = h
		return nil
	})
}

// WithLogger sets the kernel's logger.
func WithLogger(log *slog.Logger) opts.Option[Kernel] {
	return opts.Type[Kernel](func(k *Kernel) error {
		k.log = log
		return nil
	})
}

// WithMaxBindings caps how many token combinations the binding search
// tries per step before giving up on the current pass.
func WithMaxBindings(n int) opts.Option[Kernel] {
	return opts.Type[Kernel](func(k *Kernel) error {
		k.maxBindings = n
		return nil
	})
}

// New creates a kernel.
func New(library *plan.Library, r *router.Router, d *dispatch.Dispatcher, options ...opts.Option[Kernel]) *Kernel {
	if library == nil {
		panic("library cannot be nil")
	}
	if r == nil {
		panic("router cannot be nil")
	}
	if d == nil {
		panic("dispatcher cannot be nil")
	}
	k := &Kernel{
		library:     library,
		router:      r,
		dispatcher:  d,
		hook:        NoopHook{},
		log:         slog.Default(),
		maxBindings: defaultMaxBindings,
		instances:   haxmap.New[string, *Instance](),
	}
	if err := opts.Apply(k, options); err != nil {
		panic(err)
	}
	return k
}

// Router returns the router the kernel delivers through.
func (k *Kernel) Router() *router.Router {
	return k.router
}

// Activate creates a running instance of a registered plan. The plan must
// have passed validation on registration; Activate re-checks as a guard
// against plans constructed by hand.
func (k *Kernel) Activate(ctx context.Context, planName string) (*Instance, error) {
	p, ok := k.library.Get(planName)
	if !ok {
		return nil, fmt.Errorf("plan %s is not registered", planName)
	}
	if res := plan.Validate(p); !res.Valid() {
		return nil, fmt.Errorf("plan %s failed validation: %w", planName, res.Err())
	}
	return k.activate(ctx, p, uuidx.NewString(), token.NewMarking())
}

// Get returns a running instance by id.
func (k *Kernel) Get(instanceID string) (*Instance, bool) {
	return k.instances.Get(instanceID)
}

// Cancel terminates an instance. It is unregistered from the router
// immediately; in-flight dispatches are not aborted, but their eventual
// completion events no longer reach it.
func (k *Kernel) Cancel(ctx context.Context, instanceID, reason string) error {
	in, ok := k.instances.Get(instanceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	k.router.Deregister(instanceID)
	in.post(instanceMsg{cancel: true, reason: reason})
	return nil
}

// Resume reloads every non-terminal instance from the store after a
// restart and re-registers its awaited events with the router. Plans are
// reloaded from the store by name.
func (k *Kernel) Resume(ctx context.Context) error {
	if k.store == nil {
		return fmt.Errorf("resume requires a store")
	}
	records, err := k.store.ActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	for _, rec := range records {
		p, ok := k.library.Get(rec.PlanName)
		if !ok {
			definition, err := k.store.LoadPlan(ctx, rec.PlanName)
			if err != nil {
				k.log.Error("cannot resume instance, plan missing",
					slog.String("instance_id", rec.InstanceID),
					slog.String("plan", rec.PlanName),
					slogx.Error(err),
				)
				continue
			}
			parsed, err := plan.Parse(definition)
			if err != nil {
				return fmt.Errorf("resume plan %s: %w", rec.PlanName, err)
			}
			if p, err = k.library.Register(parsed); err != nil {
				return fmt.Errorf("resume plan %s: %w", rec.PlanName, err)
			}
		}
		marking, err := token.RestoreSnapshot(rec.Marking)
		if err != nil {
			return fmt.Errorf("resume instance %s: %w", rec.InstanceID, err)
		}
		if _, err := k.activate(ctx, p, rec.InstanceID, marking); err != nil {
			return fmt.Errorf("resume instance %s: %w", rec.InstanceID, err)
		}
		k.log.Info("resumed instance",
			slog.String("instance_id", rec.InstanceID),
			slog.String("plan", rec.PlanName),
		)
	}
	return nil
}

func (k *Kernel) activate(ctx context.Context, p *plan.Plan, id string, marking *token.Marking) (*Instance, error) {
	in, err := newInstance(k, p, id, marking)
	if err != nil {
		return nil, err
	}

	if k.store != nil {
		definition, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode plan %s: %w", p.Name, err)
		}
		if err := k.store.SavePlan(ctx, p.Name, p.Version, definition); err != nil {
			k.log.Error("failed to persist plan", slog.String("plan", p.Name), slogx.Error(err))
		}
	}

	k.instances.Set(id, in)
	k.router.Register(id, in.awaited, func(ctx context.Context, evt router.Event) {
		in.post(instanceMsg{evt: &evt})
	})

	go in.run()
	in.post(instanceMsg{nudge: true})

	k.log.Info("activated plan instance",
		slog.String("instance_id", id),
		slog.String("plan", p.Name),
		slog.Int("version", p.Version),
	)
	return in, nil
}

// retire removes a terminal instance from the registry and archives its
// final record.
func (k *Kernel) retire(ctx context.Context, in *Instance) {
	k.router.Deregister(in.id)
	k.instances.Del(in.id)
	if k.store != nil {
		if err := k.store.ArchiveInstance(ctx, in.id); err != nil && !errors.Is(err, store.ErrNotFound) {
			k.log.Error("failed to archive instance",
				slog.String("instance_id", in.id),
				slogx.Error(err),
			)
		}
	}
}
