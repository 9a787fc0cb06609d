package models

import (
	"encoding/json"
	"fmt"
)

// TelemetryPoint is a single sample reported by a machine during a roast.
// Temperatures are in degrees Celsius; Gas is a percentage in [0,100].
// Optional fields use pointers so "absent" and "zero" stay distinguishable.
type TelemetryPoint struct {
	Timestamp      string   `json:"ts"`
	MachineID      string   `json:"machineId"`
	ElapsedSeconds float64  `json:"elapsedSeconds"`
	BtC            *float64 `json:"btC,omitempty"`
	EtC            *float64 `json:"etC,omitempty"`
	RorCPerMin     *float64 `json:"rorCPerMin,omitempty"`
	GasPct         *float64 `json:"gasPct,omitempty"`
}

// Validate checks bounds on the optional percentage fields.
func (p TelemetryPoint) Validate() error {
	if p.Timestamp == "" {
		return fmt.Errorf("telemetry point: ts is required")
	}
	if p.MachineID == "" {
		return fmt.Errorf("telemetry point: machineId is required")
	}
	if p.GasPct != nil && (*p.GasPct < 0 || *p.GasPct > 100) {
		return fmt.Errorf("telemetry point: gasPct %v out of range [0,100]", *p.GasPct)
	}
	return nil
}

// RoastEventType enumerates the roast lifecycle events the inference engine
// can emit for a session.
type RoastEventType string

// Roast lifecycle event types.
const (
	EventCharge RoastEventType = "CHARGE"
	EventTP     RoastEventType = "TP"
	EventFC     RoastEventType = "FC"
	EventDrop   RoastEventType = "DROP"
)

// Valid reports whether t is a known event type.
func (t RoastEventType) Valid() bool {
	switch t {
	case EventCharge, EventTP, EventFC, EventDrop:
		return true
	}
	return false
}

// RoastEvent is an inferred roast lifecycle event.
type RoastEvent struct {
	Type           RoastEventType `json:"type"`
	MachineID      string         `json:"machineId"`
	Timestamp      string         `json:"ts"`
	ElapsedSeconds float64        `json:"elapsedSeconds"`
	BtC            *float64       `json:"btC,omitempty"`
}

// Envelope topic values.
const (
	TopicTelemetry = "telemetry"
	TopicEvent     = "event"
)

// EnvelopeOrigin identifies the machine an envelope came from.
type EnvelopeOrigin struct {
	OrgID     string `json:"orgId"`
	SiteID    string `json:"siteId"`
	MachineID string `json:"machineId"`
}

// Key converts the origin into a MachineKey.
func (o EnvelopeOrigin) Key() MachineKey {
	return MachineKey{OrgID: o.OrgID, SiteID: o.SiteID, MachineID: o.MachineID}
}

// TelemetryEnvelope is the wire form exchanged on the message bus. Payload
// stays raw until the topic is known; DecodeTelemetry / DecodeEvent parse it.
type TelemetryEnvelope struct {
	Ts        string          `json:"ts"`
	Origin    EnvelopeOrigin  `json:"origin"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"sessionId,omitempty"`
	Sig       string          `json:"sig,omitempty"`
	Kid       string          `json:"kid,omitempty"`
}

// Validate checks the envelope header fields (payload shape is topic-specific).
func (e TelemetryEnvelope) Validate() error {
	if e.Ts == "" {
		return fmt.Errorf("envelope: ts is required")
	}
	if err := e.Origin.Key().Validate(); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	if e.Topic != TopicTelemetry && e.Topic != TopicEvent {
		return fmt.Errorf("envelope: unknown topic %q", e.Topic)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope: payload is required")
	}
	return nil
}

// DecodeTelemetry parses the payload as a TelemetryPoint. The envelope topic
// must be "telemetry".
func (e TelemetryEnvelope) DecodeTelemetry() (TelemetryPoint, error) {
	var p TelemetryPoint
	if e.Topic != TopicTelemetry {
		return p, fmt.Errorf("envelope: topic %q is not telemetry", e.Topic)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("envelope: decoding telemetry payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeEvent parses the payload as a RoastEvent. The envelope topic must be
// "event".
func (e TelemetryEnvelope) DecodeEvent() (RoastEvent, error) {
	var ev RoastEvent
	if e.Topic != TopicEvent {
		return ev, fmt.Errorf("envelope: topic %q is not event", e.Topic)
	}
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return ev, fmt.Errorf("envelope: decoding event payload: %w", err)
	}
	if !ev.Type.Valid() {
		return ev, fmt.Errorf("envelope: unknown event type %q", ev.Type)
	}
	return ev, nil
}
