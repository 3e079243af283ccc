package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

const (
	plansBucket     = "loom-plans"
	instancesBucket = "loom-instances"
	archiveBucket   = "loom-archive"
)

// NATSKV is a Store backed by JetStream key-value buckets. Plans,
// active instance checkpoints and archived records each live in their
// own bucket.
type NATSKV struct {
	plans     nats.KeyValue
	instances nats.KeyValue
	archive   nats.KeyValue
}

// NewNATSKV creates the Store's buckets if they do not exist yet.
func NewNATSKV(conn *nats.Conn) (*NATSKV, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	s := &NATSKV{}
	for _, b := range []struct {
		name string
		kv   *nats.KeyValue
	}{
		{plansBucket, &s.plans},
		{instancesBucket, &s.instances},
		{archiveBucket, &s.archive},
	} {
		kv, err := js.KeyValue(b.name)
		if errors.Is(err, nats.ErrBucketNotFound) {
			kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: b.name})
		}
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b.name, err)
		}
		*b.kv = kv
	}
	return s, nil
}

// SavePlan implements Store.
func (s *NATSKV) SavePlan(_ context.Context, name string, _ int, definition json.RawMessage) error {
	if _, err := s.plans.Put(kvKey(name), definition); err != nil {
		return fmt.Errorf("save plan %s: %w", name, err)
	}
	return nil
}

// LoadPlan implements Store.
func (s *NATSKV) LoadPlan(_ context.Context, name string) (json.RawMessage, error) {
	entry, err := s.plans.Get(kvKey(name))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", name, err)
	}
	return entry.Value(), nil
}

// SaveInstance implements Store.
func (s *NATSKV) SaveInstance(_ context.Context, rec InstanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", rec.InstanceID, err)
	}
	if _, err := s.instances.Put(kvKey(rec.InstanceID), data); err != nil {
		return fmt.Errorf("save instance %s: %w", rec.InstanceID, err)
	}
	return nil
}

// LoadInstance implements Store.
func (s *NATSKV) LoadInstance(_ context.Context, instanceID string) (InstanceRecord, error) {
	for _, kv := range []nats.KeyValue{s.instances, s.archive} {
		entry, err := kv.Get(kvKey(instanceID))
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return InstanceRecord{}, fmt.Errorf("load instance %s: %w", instanceID, err)
		}
		var rec InstanceRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return InstanceRecord{}, fmt.Errorf("decode instance %s: %w", instanceID, err)
		}
		return rec, nil
	}
	return InstanceRecord{}, ErrNotFound
}

// ActiveInstances implements Store.
func (s *NATSKV) ActiveInstances(_ context.Context) ([]InstanceRecord, error) {
	keys, err := s.instances.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	var records []InstanceRecord
	for _, key := range keys {
		entry, err := s.instances.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue // deleted between Keys and Get
		}
		if err != nil {
			return nil, fmt.Errorf("load instance %s: %w", key, err)
		}
		var rec InstanceRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode instance %s: %w", key, err)
		}
		if !rec.Terminal() {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ArchiveInstance implements Store.
func (s *NATSKV) ArchiveInstance(ctx context.Context, instanceID string) error {
	rec, err := s.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", instanceID, err)
	}
	if _, err := s.archive.Put(kvKey(instanceID), data); err != nil {
		return fmt.Errorf("archive instance %s: %w", instanceID, err)
	}
	if err := s.instances.Delete(kvKey(instanceID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("remove active instance %s: %w", instanceID, err)
	}
	return nil
}

// kvKey maps identifiers onto the KV key alphabet.
func kvKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
