package events

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// KeyHeader carries the message key, which NATS has no native field for.
const KeyHeader = "Manzil-Key"

// NATSPublisher publishes messages on a subject named after the topic.
type NATSPublisher struct {
	conn *nats.Conn
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to url. An empty url returns ErrDisabled.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrDisabled
	}
	conn, err := nats.Connect(url,
		nats.Name("manzil-outbox"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish sends msgs and flushes, so a nil error means the server has
// received them.
func (p *NATSPublisher) Publish(ctx context.Context, msgs ...Message) error {
	for _, m := range msgs {
		if err := p.conn.PublishMsg(natsMsg(m)); err != nil {
			return err
		}
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

func natsMsg(m Message) *nats.Msg {
	msg := nats.NewMsg(m.Topic)
	msg.Data = m.Payload
	if m.Key != "" {
		msg.Header.Set(KeyHeader, m.Key)
	}
	return msg
}
