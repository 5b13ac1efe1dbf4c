package dispatch

import (
	"context"
	"log/slog"
	"time"

	"boostchat/internal/auth"
	"boostchat/internal/bus"
	"boostchat/internal/presence"
	"boostchat/internal/telemetry"
)

// Dispatcher is the only component that pushes server-to-client events. It
// resolves live handles from the presence registry and delivers fire-and-
// forget: a disconnected or slow handle never blocks or fails the caller, and
// an offline recipient simply misses the hint. The persisted message is the
// durable record; clients recover by re-fetching history.
type Dispatcher struct {
	registry *presence.Registry
	relay    bus.Publisher
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// New wires a dispatcher. relay and metrics may be nil.
func New(registry *presence.Registry, relay bus.Publisher, metrics *telemetry.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		relay:    relay,
		metrics:  metrics,
		logger:   logger.With("component", "dispatch"),
	}
}

// Notify pushes the event to every live handle of the user.
func (d *Dispatcher) Notify(userID, event string, payload any) {
	d.deliver([]string{userID}, event, payload)
	d.mirror(event, payload)
}

// NotifyMany fans the event out to each recipient, same semantics per user.
func (d *Dispatcher) NotifyMany(userIDs []string, event string, payload any) {
	d.deliver(userIDs, event, payload)
	d.mirror(event, payload)
}

// NotifyAgents pushes the event to every online support agent.
func (d *Dispatcher) NotifyAgents(event string, payload any) {
	d.deliver(d.registry.OnlineUsersWithRole(auth.RoleAgent), event, payload)
	d.mirror(event, payload)
}

// Broadcast pushes the event to every live handle regardless of owner. Used
// for the presence snapshot on connect/disconnect.
func (d *Dispatcher) Broadcast(event string, payload any) {
	for _, h := range d.registry.AllHandles() {
		d.push(h, event, payload)
	}
	d.mirror(event, payload)
}

func (d *Dispatcher) deliver(userIDs []string, event string, payload any) {
	for _, userID := range userIDs {
		for _, h := range d.registry.HandlesFor(userID) {
			d.push(h, event, payload)
		}
	}
}

func (d *Dispatcher) push(h presence.Handle, event string, payload any) {
	if err := h.Deliver(event, payload); err != nil {
		// Best-effort transport: log and move on, never surface to the caller.
		d.logger.Warn("event dropped", "event", event, "handle_id", h.ID(), "error", err)
		if d.metrics != nil {
			d.metrics.EventsDropped.WithLabelValues(event).Inc()
		}
		return
	}
	if d.metrics != nil {
		d.metrics.EventsDispatched.WithLabelValues(event).Inc()
	}
}

// mirror copies the event to the broker relay so non-core marketplace
// surfaces can observe chat activity. Runs off the caller's goroutine.
func (d *Dispatcher) mirror(event string, payload any) {
	if d.relay == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.relay.Publish(ctx, event, payload); err != nil {
			d.logger.Warn("event relay failed", "event", event, "error", err)
		}
	}()
}
