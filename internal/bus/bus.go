// Package bus is the in-process event bus: the pipeline publishes roster,
// death, level, alert, and status events; the WebSocket hub and any other
// observer subscribe. Backed by an embedded NATS server by default so a
// single binary needs no external broker.
package bus

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/firebot-tibia/firebot-monitor/internal/config"
	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

// SubjectPrefix is the root of all monitor event subjects; the event type
// is appended as the last token.
const SubjectPrefix = "monitor.events"

// Bus wraps the NATS connection and, when embedded, the server lifecycle.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
}

// New starts the bus. With cfg.Embedded an in-process NATS server is
// started on cfg.Host:cfg.Port; otherwise cfg.URL must point at a running
// one.
func New(cfg config.NATSConfig) (*Bus, error) {
	b := &Bus{}
	url := cfg.URL

	if cfg.Embedded {
		opts := &server.Options{
			ServerName: "firebot-monitor",
			Host:       cfg.Host,
			Port:       cfg.Port,
			NoLog:      true,
			NoSigs:     true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server not ready within timeout")
		}
		b.server = ns
		url = ns.ClientURL()
	}

	conn, err := nats.Connect(url, nats.Name("firebot-monitor"))
	if err != nil {
		if b.server != nil {
			b.server.Shutdown()
		}
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	b.conn = conn
	return b, nil
}

// Publish sends one event. Per-publisher ordering is preserved, so
// subscribers see events in pipeline order.
func (b *Bus) Publish(ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return b.conn.Publish(SubjectPrefix+"."+ev.Type, data)
}

// Subscribe delivers every monitor event's raw JSON to handler.
func (b *Bus) Subscribe(handler func(data []byte)) (*nats.Subscription, error) {
	return b.conn.Subscribe(SubjectPrefix+".>", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains the connection and stops the embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}
