package realtime

import (
	"log/slog"
	"time"
)

// Dispatcher fans an event out to every connection of one user.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger, now: time.Now}
}

// Notify emits event to all of userID's connections and reports whether any
// existed. Per-connection failures are logged, never returned.
func (d *Dispatcher) Notify(userID, event string, payload any) bool {
	conns := d.registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		d.logger.Debug("notify: no connections", "user_id", userID, "event", event)
		return false
	}
	msg := Message{Event: event, Payload: payload, TS: d.now().UTC()}
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			d.logger.Warn("notify: emit failed", "user_id", userID, "conn_id", c.ID(), "event", event, "error", err)
		}
	}
	return true
}
