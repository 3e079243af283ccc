package plan

import (
	"fmt"
	"sort"

	"github.com/alphadose/haxmap"
)

// Library is a registry of validated plan templates. Registered plans are
// immutable; registering a plan under an existing name bumps the version.
//
// The library is safe for concurrent use.
type Library struct {
	plans *haxmap.Map[string, *Plan]
}

// NewLibrary returns an empty plan library.
func NewLibrary() *Library {
	return &Library{plans: haxmap.New[string, *Plan]()}
}

// Register validates the plan and stores it. The stored plan's version is
// one above the previously registered version, or 1 for a new name. The
// caller must not mutate the plan after registration.
func (l *Library) Register(p *Plan) (*Plan, error) {
	res := Validate(p)
	if !res.Valid() {
		return nil, fmt.Errorf("register plan %s: %w", p.Name, res.Err())
	}
	if prev, ok := l.plans.Get(p.Name); ok {
		p.Version = prev.Version + 1
	} else {
		p.Version = 1
	}
	l.plans.Set(p.Name, p)
	return p, nil
}

// Get returns the current version of a registered plan.
func (l *Library) Get(name string) (*Plan, bool) {
	return l.plans.Get(name)
}

// Names returns the registered plan names in sorted order.
func (l *Library) Names() []string {
	var names []string
	l.plans.ForEach(func(name string, _ *Plan) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
