package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is prepended to every event type.
const DefaultSubjectPrefix = "helix.events"

// Publisher is the subset of *nats.Conn used by NATSNotifier.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes events as JSON on <prefix>.<type>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	log    *zap.Logger
}

// NewNATSNotifier creates a notifier publishing through pub.
func NewNATSNotifier(pub Publisher, prefix string, log *zap.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSNotifier{pub: pub, prefix: prefix, log: log.Named("nats")}
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("helix"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event type is published on.
func (n *NATSNotifier) Subject(eventType string) string {
	return n.prefix + "." + eventType
}

func (n *NATSNotifier) Notify(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := n.Subject(ev.Type)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	n.log.Debug("event published", zap.String("subject", subject))
	return nil
}
