package token

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Marking assigns tokens to places for one running plan instance. Each
// place holds a FIFO queue; tokens are appended in delivery order and the
// oldest token is the first binding candidate.
//
// Marking is not safe for concurrent use. It is owned by a single plan
// instance, which serializes every mutation.
type Marking struct {
	queues map[string][]*Token
}

// NewMarking returns an empty marking.
func NewMarking() *Marking {
	return &Marking{queues: make(map[string][]*Token)}
}

// Put appends the token to its place's queue.
func (m *Marking) Put(t *Token) {
	m.queues[t.Place] = append(m.queues[t.Place], t)
}

// Tokens returns the tokens on a place, oldest first. The returned slice is
// a copy; mutating it does not affect the marking.
func (m *Marking) Tokens(place string) []*Token {
	q := m.queues[place]
	if len(q) == 0 {
		return nil
	}
	out := make([]*Token, len(q))
	copy(out, q)
	return out
}

// Len reports how many tokens rest on a place.
func (m *Marking) Len(place string) int {
	return len(m.queues[place])
}

// Total reports the number of tokens across all places.
func (m *Marking) Total() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// Take removes the identified token from its place. It reports false when
// the token is no longer present, which happens when another binding of the
// same firing pass consumed it first.
func (m *Marking) Take(place string, id uuid.UUID) (*Token, bool) {
	q := m.queues[place]
	for i, t := range q {
		if t.ID == id {
			m.queues[place] = append(q[:i:i], q[i+1:]...)
			if len(m.queues[place]) == 0 {
				delete(m.queues, place)
			}
			return t, true
		}
	}
	return nil, false
}

// Places returns the names of all non-empty places in sorted order.
func (m *Marking) Places() []string {
	names := make([]string, 0, len(m.queues))
	for name, q := range m.queues {
		if len(q) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot serializes the marking for the durable store.
func (m *Marking) Snapshot() ([]byte, error) {
	return json.Marshal(m.queues)
}

// RestoreSnapshot rebuilds a marking from a Snapshot payload.
func RestoreSnapshot(data []byte) (*Marking, error) {
	queues := make(map[string][]*Token)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &queues); err != nil {
			return nil, fmt.Errorf("restore marking: %w", err)
		}
	}
	// Queues deserialize with their place keys; tokens keep their own copy
	// of the place name, so re-align any that drifted.
	for place, q := range queues {
		for _, t := range q {
			t.Place = place
		}
	}
	return &Marking{queues: queues}, nil
}
