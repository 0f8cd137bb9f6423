// Package eventbus forwards CDP events to NATS for external fleet
// monitoring, per SPEC_FULL.md §4.13. It deliberately does not use
// JetStream — this is fire-and-forget pub/sub, not a durable queue —
// unlike pkg/bus's richer MessageBus abstraction in the teacher corpus.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/cdp"
)

// Forwarder publishes CDP events to cdpbridge.events.<target_id>.<method>.
// Forwarding failures are logged and otherwise ignored; they must never
// block event dispatch to in-process subscribers (§4.13).
type Forwarder struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server at url and returns a ready Forwarder.
func Connect(url string, logger *slog.Logger) (*Forwarder, error) {
	conn, err := nats.Connect(url,
		nats.Name("cdpbridge"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: nats connect: %w", err)
	}
	return &Forwarder{conn: conn, logger: logger}, nil
}

// Forward publishes one CDP event for targetID. It never blocks the
// caller on network I/O: nats.Conn.Publish only queues onto the client's
// outbound buffer.
func (f *Forwarder) Forward(targetID string, ev cdp.Event) {
	subject := subjectFor(targetID, ev.Method)
	data, err := json.Marshal(ev)
	if err != nil {
		f.logger.Warn("eventbus: failed to marshal event", "error", err.Error())
		return
	}
	if err := f.conn.Publish(subject, data); err != nil {
		f.logger.Warn("eventbus: failed to publish event", "subject", subject, "error", err.Error())
	}
}

func subjectFor(targetID, method string) string {
	return fmt.Sprintf("cdpbridge.events.%s.%s", targetID, method)
}

// Close closes the NATS connection without draining it.
func (f *Forwarder) Close() {
	f.conn.Close()
}
