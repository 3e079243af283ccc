package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/casualjim/loom/pkg/slogx"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// Connect creates a NATS connection using the NATS_URL environment
// variable, with a client name and compression enabled unless other
// options are given.
func Connect(options ...nats.Option) (*nats.Conn, error) {
	if len(options) == 0 {
		options = append(options, nats.Name("loom"), nats.Compression(true))
	}
	return nats.Connect(os.Getenv("NATS_URL"), options...)
}

// NATSSource feeds events published on a NATS subject into a router.
// It is the transport half of at-least-once delivery: the router's
// duplicate suppression makes redeliveries harmless.
type NATSSource struct {
	sub *nats.Subscription
	log *slog.Logger
}

// NATS subscribes to subject on the given connection and delivers every
// decodable message to the router. Messages that do not decode as events
// are logged and dropped.
func NATS(conn *nats.Conn, subject string, r *Router) (*NATSSource, error) {
	log := r.log.With(slog.String("subject", subject))
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			log.Warn("dropping undecodable event", slogx.Error(err))
			return
		}
		r.Deliver(context.Background(), evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &NATSSource{sub: sub, log: log}, nil
}

// Publish encodes the event and publishes it on the subject. It is the
// producing counterpart of NATS for tools that complete asynchronously
// over the wire.
func Publish(conn *nats.Conn, subject string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return conn.Publish(subject, data)
}

// Close drains the subscription.
func (s *NATSSource) Close() error {
	return s.sub.Drain()
}
