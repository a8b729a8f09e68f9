// Package eventbus publishes observational session-lifecycle events
// over NATS when an event bus has been configured. It is entirely
// optional: the registry and session driver never read anything back
// from it, and nothing in the core control flow blocks on it. This
// mirrors internal/shared/nats.Client from the wider corpus, trimmed
// to the publish-only surface this server actually exercises.
package eventbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection for fire-and-forget publishing.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewClient connects to urls[0]; the remaining URLs are not tried. It returns
// an error only on connection failure; callers that want the event
// bus to be best-effort should log and continue without one.
func NewClient(urls []string, logger *slog.Logger) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one NATS URL is required")
	}

	opts := []nats.Option{
		nats.Name("vspc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
	}

	conn, err := nats.Connect(urls[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	logger.Info("connected to event bus", "url", urls[0])
	return &Client{conn: conn, logger: logger}, nil
}

// Publish sends data to subject, logging (not returning) any error —
// event-bus delivery is observational and must never affect session
// handling.
func (c *Client) Publish(subject string, data []byte) {
	if c == nil {
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		c.logger.Warn("event bus publish failed", "subject", subject, "error", err)
	}
}

// Close closes the underlying NATS connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.conn.Close()
}
