// Package bus abstracts the telemetry message bus. Production deployments
// run over MQTT; the in-process bus serves single-binary deployments and
// tests through the same interface.
package bus

import (
	"context"
	"fmt"

	"github.com/roastops/roastd/pkg/models"
)

// Handler receives messages matching a subscription.
type Handler func(topic string, payload []byte)

// Bus publishes and subscribes raw payloads by topic. Subscriptions accept
// MQTT-style filters ('+' single level, '#' trailing multi level).
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, filter string, h Handler) error
	Close() error
}

// Topic filters for the two envelope streams.
const (
	TelemetryFilter = "roaster/+/+/+/telemetry"
	EventsFilter    = "roaster/+/+/+/events"
)

// TelemetryTopic returns the inbound telemetry topic for a machine.
func TelemetryTopic(key models.MachineKey) string {
	return fmt.Sprintf("roaster/%s/%s/%s/telemetry", key.OrgID, key.SiteID, key.MachineID)
}

// EventsTopic returns the outbound events topic for a machine.
func EventsTopic(key models.MachineKey) string {
	return fmt.Sprintf("roaster/%s/%s/%s/events", key.OrgID, key.SiteID, key.MachineID)
}
