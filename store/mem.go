package store

import (
	"context"

	"github.com/alphadose/haxmap"
	json "github.com/goccy/go-json"
)

// Mem is an in-memory Store. It backs tests and single-process setups
// that can afford to lose state on restart.
type Mem struct {
	plans     *haxmap.Map[string, json.RawMessage]
	instances *haxmap.Map[string, InstanceRecord]
	archived  *haxmap.Map[string, InstanceRecord]
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		plans:     haxmap.New[string, json.RawMessage](),
		instances: haxmap.New[string, InstanceRecord](),
		archived:  haxmap.New[string, InstanceRecord](),
	}
}

// SavePlan implements Store.
func (m *Mem) SavePlan(_ context.Context, name string, _ int, definition json.RawMessage) error {
	m.plans.Set(name, definition)
	return nil
}

// LoadPlan implements Store.
func (m *Mem) LoadPlan(_ context.Context, name string) (json.RawMessage, error) {
	def, ok := m.plans.Get(name)
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

// SaveInstance implements Store.
func (m *Mem) SaveInstance(_ context.Context, rec InstanceRecord) error {
	m.instances.Set(rec.InstanceID, rec)
	return nil
}

// LoadInstance implements Store.
func (m *Mem) LoadInstance(_ context.Context, instanceID string) (InstanceRecord, error) {
	if rec, ok := m.instances.Get(instanceID); ok {
		return rec, nil
	}
	if rec, ok := m.archived.Get(instanceID); ok {
		return rec, nil
	}
	return InstanceRecord{}, ErrNotFound
}

// ActiveInstances implements Store.
func (m *Mem) ActiveInstances(_ context.Context) ([]InstanceRecord, error) {
	var records []InstanceRecord
	m.instances.ForEach(func(_ string, rec InstanceRecord) bool {
		if !rec.Terminal() {
			records = append(records, rec)
		}
		return true
	})
	return records, nil
}

// ArchiveInstance implements Store.
func (m *Mem) ArchiveInstance(_ context.Context, instanceID string) error {
	rec, ok := m.instances.GetAndDel(instanceID)
	if !ok {
		return ErrNotFound
	}
	m.archived.Set(instanceID, rec)
	return nil
}
