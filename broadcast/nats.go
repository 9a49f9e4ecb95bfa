package broadcast

import (
	"encoding/json"
	"evsim/internal"
	"evsim/internal/config"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsBroadcaster publishes session events to a NATS subject tree. Publishes
// are fire-and-forget; a failed publish is logged and never blocks the
// simulation.
type NatsBroadcaster struct {
	conn    *nats.Conn
	subject string
	logger  internal.LogHandler
}

func NewNatsBroadcaster(conf *config.Config, logger internal.LogHandler) (*NatsBroadcaster, error) {
	conn, err := nats.Connect(conf.Nats.Url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}
	return &NatsBroadcaster{
		conn:    conn,
		subject: conf.Nats.Subject,
		logger:  logger,
	}, nil
}

func (b *NatsBroadcaster) publish(event *internal.EventMessage) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("encoding event message", err)
		return
	}
	subject := fmt.Sprintf("%s.%s", b.subject, event.SessionId)
	if err = b.conn.Publish(subject, data); err != nil {
		b.logger.Error("publishing event to "+subject, err)
	}
}

func (b *NatsBroadcaster) OnSessionUpdate(event *internal.EventMessage) {
	b.publish(event)
}

func (b *NatsBroadcaster) OnTransactionStart(event *internal.EventMessage) {
	b.publish(event)
}

func (b *NatsBroadcaster) OnTransactionStop(event *internal.EventMessage) {
	b.publish(event)
}

func (b *NatsBroadcaster) OnFault(event *internal.EventMessage) {
	b.publish(event)
}

func (b *NatsBroadcaster) Close() {
	b.conn.Close()
}
