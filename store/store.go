// Package store persists plan definitions and instance markings for crash
// recovery and observability.
//
// The kernel checkpoints an instance record after every marking mutation,
// so a restart can reload all non-terminal instances and re-register
// their awaited events with the router without losing tokens.
package store

import (
	"context"
	"errors"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
)

// ErrNotFound is returned when a plan or instance record does not exist.
var ErrNotFound = errors.New("record not found")

// InstanceRecord is the persisted state of one plan instance.
type InstanceRecord struct {
	InstanceID  string          `json:"instance_id"`
	PlanName    string          `json:"plan_name"`
	PlanVersion int             `json:"plan_version"`
	Marking     json.RawMessage `json:"marking"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	LastUpdated strfmt.DateTime `json:"last_updated"`
}

// Terminal reports whether the record describes a finished instance.
func (r InstanceRecord) Terminal() bool {
	return r.Status == "completed" || r.Status == "failed"
}

// Store is the durable state contract the kernel depends on. The backing
// product is pluggable; Mem and NATSKV are the bundled implementations.
type Store interface {
	// SavePlan persists a validated plan definition under its name and
	// version.
	SavePlan(ctx context.Context, name string, version int, definition json.RawMessage) error

	// LoadPlan returns the most recently saved definition for a name.
	LoadPlan(ctx context.Context, name string) (json.RawMessage, error)

	// SaveInstance checkpoints an instance record, replacing any previous
	// checkpoint for the same instance id.
	SaveInstance(ctx context.Context, rec InstanceRecord) error

	// LoadInstance returns the checkpoint for an instance id.
	LoadInstance(ctx context.Context, instanceID string) (InstanceRecord, error)

	// ActiveInstances returns every checkpoint whose status is not
	// terminal, in no particular order.
	ActiveInstances(ctx context.Context) ([]InstanceRecord, error)

	// ArchiveInstance moves a terminal instance record out of the active
	// set. Archived records stay readable through LoadInstance.
	ArchiveInstance(ctx context.Context, instanceID string) error
}
