package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix prefixes every lifecycle subject, e.g. "jobs.completed".
const SubjectPrefix = "jobs."

// Subject returns the NATS subject an event is published on.
func Subject(e Event) string {
	return SubjectPrefix + e.Suffix()
}

type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSPublisher publishes events as JSON over NATS core pub/sub.
type NATSPublisher struct {
	nc natsConn
}

// ConnectNATS dials url and returns a publisher that owns the connection.
func ConnectNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("jobqueue"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(e), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Watch calls fn for every lifecycle event until ctx is done.
func (p *NATSPublisher) Watch(ctx context.Context, fn func(Event)) error {
	sub, err := p.nc.Subscribe(SubjectPrefix+">", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			slog.Error("failed to unmarshal event", "error", err, "subject", msg.Subject)
			return
		}
		fn(e)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s>: %w", SubjectPrefix, err)
	}
	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
