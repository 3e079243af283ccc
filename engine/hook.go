package engine

import (
	"context"

	"github.com/casualjim/loom/token"
)

// Hook observes kernel activity. Implementations must be fast and must
// not call back into the kernel; they run on instance worker goroutines.
type Hook interface {
	OnTokenPlaced(ctx context.Context, instanceID string, tok *token.Token)
	OnStepFired(ctx context.Context, instanceID, step string)
	OnInstanceCompleted(ctx context.Context, instanceID string)
	OnInstanceFailed(ctx context.Context, instanceID, reason string)
}

// NoopHook is a Hook base that ignores everything. Embed it to implement
// only the callbacks you care about.
type NoopHook struct{}

func (NoopHook) OnTokenPlaced(context.Context, string, *token.Token) {}
func (NoopHook) OnStepFired(context.Context, string, string)        {}
func (NoopHook) OnInstanceCompleted(context.Context, string)        {}
func (NoopHook) OnInstanceFailed(context.Context, string, string)   {}
