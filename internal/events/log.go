package events

import (
	"context"
	"log/slog"
)

// LogPublisher logs messages instead of delivering them. It is used when no
// broker is configured so the outbox still drains in development.
type LogPublisher struct {
	logger *slog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

// NewLogPublisher returns a publisher that writes to logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, msgs ...Message) error {
	for _, m := range msgs {
		p.logger.DebugContext(ctx, "event published",
			"topic", m.Topic,
			"key", m.Key,
			"bytes", len(m.Payload),
		)
	}
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
