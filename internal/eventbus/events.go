package eventbus

import (
	"encoding/json"
	"time"
)

const (
	SubjectRegistered   = "vspc.session.registered"
	SubjectUnregistered = "vspc.session.unregistered"
	SubjectVMotionBegin = "vspc.session.vmotion_begin"
)

// SessionEvent is the JSON payload published for every lifecycle
// transition the registry makes. Fields are deliberately sparse —
// this is an observational signal for external monitoring, not a
// replication feed; no session state is reconstructable from it
// alone, and nothing in this process ever subscribes to its own
// events.
type SessionEvent struct {
	UUID      string    `json:"uuid"`
	Port      int       `json:"port,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Client) PublishSessionEvent(subject, uuid string, port int, now time.Time) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(SessionEvent{UUID: uuid, Port: port, Timestamp: now})
	if err != nil {
		c.logger.Warn("failed to marshal event", "error", err)
		return
	}
	c.Publish(subject, payload)
}
