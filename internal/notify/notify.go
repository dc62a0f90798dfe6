// Package notify delivers archive job lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"mediavault/internal/job"
)

const DefaultSubject = "mediavault.zip"

// Log writes events to the global zerolog logger.
type Log struct{}

func (Log) Notify(_ context.Context, ev job.Event) error {
	log.Debug().
		Str("zip_id", ev.ZipID).
		Str("status", string(ev.Status)).
		Str("source", ev.SourcePath).
		Int64("size", ev.Size).
		Str("error", ev.Error).
		Msg("zip job event")
	return nil
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON on "<subject>.<status>".
type NATSPublisher struct {
	pub     publisher
	subject string
}

type Config struct {
	Name          string
	MaxReconnects int
	Subject       string
}

// Connect dials url and returns a publisher together with the connection so the
// caller can drain it on shutdown.
func Connect(url string, cfg Config) (*NATSPublisher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATSPublisher(nc, cfg.Subject), nc, nil
}

func NewNATSPublisher(pub publisher, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{pub: pub, subject: subject}
}

func (p *NATSPublisher) Notify(ctx context.Context, ev job.Event) error {
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.subject + "." + string(ev.Status)
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Multi fans an event out to several notifiers and returns the first error.
type Multi []job.Notifier

func (m Multi) Notify(ctx context.Context, ev job.Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
