package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the broker-backed emitter.
type NATSConfig struct {
	URL     string // default nats.DefaultURL
	Subject string // default evoldsl.events
}

// NATSEmitter publishes events as JSON on a core NATS subject, for hosts
// that want progress broadcasts outside the process. Publish failures are
// dropped: the boundary is informational.
type NATSEmitter struct {
	nc      *nats.Conn
	subject string
}

// NewNATSEmitter connects to the broker.
func NewNATSEmitter(cfg NATSConfig) (*NATSEmitter, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("evoldsl-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "evoldsl.events"
	}
	return &NATSEmitter{nc: nc, subject: subject}, nil
}

func (e *NATSEmitter) Emit(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = e.nc.Publish(e.subject, data)
}

// Close drains and closes the connection.
func (e *NATSEmitter) Close() {
	if e.nc != nil {
		_ = e.nc.Drain()
	}
}
