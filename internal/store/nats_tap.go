package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/server"
)

// ConnectNats dials url with unlimited reconnects.
func ConnectNats(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return nc, nil
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NatsTap publishes every recorded message to a NATS subject so other
// services can consume the room's traffic.
type NatsTap struct {
	pub     publisher
	subject string
}

// NewNatsTap creates a tap publishing on subject through pub.
func NewNatsTap(pub publisher, subject string) *NatsTap {
	return &NatsTap{pub: pub, subject: subject}
}

// Record publishes rec as JSON.
func (t *NatsTap) Record(ctx context.Context, rec server.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode message record")
	}
	if err := t.pub.Publish(t.subject, data); err != nil {
		return errors.Wrapf(err, "publish to %s", t.subject)
	}
	return nil
}
