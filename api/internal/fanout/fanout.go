// Package fanout delivers alert lifecycle events to dashboards and
// acknowledgements to originating devices. Delivery is best effort.
package fanout

import (
	"context"
	"errors"
	"time"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/shared/metricsx"
)

const (
	EventNewAlert = "new_sos_alert"
	EventUpdate   = "sos_update"

	MessageAcknowledged = "sos_acknowledged"
)

const (
	UpdateRelayPath    = "relay_path"
	UpdateAcknowledged = "acknowledged"
	UpdateResponding   = "responding"
	UpdateArrived      = "arrived"
	UpdateResolved     = "resolved"
	UpdateCancelled    = "cancelled"
	UpdateExpired      = "expired"
)

const (
	AckReceived         = "received"
	AckReceivedViaRelay = "received_via_relay"
	AckAcknowledged     = "acknowledged"
	AckResolved         = "resolved"
)

var ErrDeviceOffline = errors.New("device not connected")

type Event struct {
	Type       string       `json:"type"`
	UpdateType string       `json:"update_type,omitempty"`
	Alert      models.Alert `json:"alert"`
	Timestamp  time.Time    `json:"timestamp"`
}

type DeviceMessage struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAck(messageID string, status string, at time.Time) DeviceMessage {
	return DeviceMessage{Type: MessageAcknowledged, MessageID: messageID, Status: status, Timestamp: at.UTC()}
}

type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	SendToDevice(ctx context.Context, deviceID string, msg DeviceMessage) error
}

type Sink struct {
	Name     string
	Notifier Notifier
}

// Multi publishes to every sink. A device message stops at the first sink
// that delivers it.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	out := &Multi{}
	for _, s := range sinks {
		if s.Notifier != nil {
			out.sinks = append(out.sinks, s)
		}
	}
	return out
}

func (m *Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notifier.Publish(ctx, ev); err != nil {
			metricsx.IncFanoutFailure(s.Name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) SendToDevice(ctx context.Context, deviceID string, msg DeviceMessage) error {
	var errs []error
	for _, s := range m.sinks {
		err := s.Notifier.SendToDevice(ctx, deviceID, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDeviceOffline) {
			metricsx.IncFanoutFailure(s.Name)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return ErrDeviceOffline
	}
	return errors.Join(errs...)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) SendToDevice(context.Context, string, DeviceMessage) error { return ErrDeviceOffline }
