// Package slogx provides small helpers for building log/slog attributes.
package slogx

import (
	"fmt"
	"log/slog"
	"time"
)

// Error returns an attribute with key "error" and the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Stringer returns an attribute holding the string form of value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// Duration returns an attribute holding the duration in its default
// human-readable form.
func Duration(key string, value time.Duration) slog.Attr {
	return slog.String(key, value.String())
}
