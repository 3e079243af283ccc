// Package uuidx generates time-ordered UUIDs.
//
// Version 7 UUIDs sort by creation time, which keeps token and event
// identifiers roughly chronological in stores and logs.
package uuidx

import "github.com/google/uuid"

// New returns a new version 7 UUID. It panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a new version 7 UUID in string form.
func NewString() string {
	return New().String()
}
