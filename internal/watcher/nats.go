package watcher

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// changeSubjectPrefix is the NATS subject space the database tailer publishes
// change events on, one subject per collection.
const changeSubjectPrefix = "changes."

// NATSTransport delivers change events over a NATS subject per collection.
type NATSTransport struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNATSTransport connects to the NATS server at url.
func NewNATSTransport(url string, log zerolog.Logger) (*NATSTransport, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSTransport{conn: conn, log: log}, nil
}

// Subscribe starts delivering the collection's change events.
func (t *NATSTransport) Subscribe(collection string, deliver func(payload []byte), closed func(err error)) (func(), error) {
	sub, err := t.conn.Subscribe(changeSubjectPrefix+collection, func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s%s: %w", changeSubjectPrefix, collection, err)
	}

	cancel := func() {
		if err := sub.Unsubscribe(); err != nil {
			t.log.Debug().Err(err).Str("collection", collection).Msg("unsubscribe failed")
		}
		closed(nil)
	}
	return cancel, nil
}

// Conn exposes the underlying connection for components sharing it.
func (t *NATSTransport) Conn() *nats.Conn {
	return t.conn
}

// Close drains the connection.
func (t *NATSTransport) Close() {
	if err := t.conn.Drain(); err != nil {
		t.log.Debug().Err(err).Msg("NATS drain failed")
	}
}
