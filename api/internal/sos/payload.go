package sos

import (
	"strings"
	"time"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/validation"
	"sos-mesh-relay/api/internal/verify"
)

const defaultPriority = "high"

type LocationInput struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
}

// AlertPayload is an alert as submitted by the originating device.
type AlertPayload struct {
	MessageID          string         `json:"message_id" validate:"required,uuid"`
	OriginatorDeviceID string         `json:"originator_device_id" validate:"required,min=8,max=128"`
	EmergencyType      string         `json:"emergency_type" validate:"required,oneof=medical fire security natural_disaster accident other"`
	Priority           string         `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	Location           *LocationInput `json:"location" validate:"required"`
	Message            string         `json:"message" validate:"max=500"`
	Signature          string         `json:"signature" validate:"required"`
	AppSignature       string         `json:"app_signature" validate:"required"`
	OriginatedAt       time.Time      `json:"originated_at" validate:"required"`
	Metadata           map[string]any `json:"metadata,omitempty"`

	// signedID is the id exactly as the device sent it; MessageID holds the
	// lowercased dedup key after normalized.
	signedID string
}

type RelayHopInput struct {
	DeviceID    string    `json:"device_id" validate:"required,max=128"`
	Timestamp   time.Time `json:"timestamp"`
	HadInternet bool      `json:"had_internet"`
}

// RelayPayload is an alert copy forwarded through the mesh.
type RelayPayload struct {
	AlertPayload
	HopCount   *int            `json:"hop_count" validate:"omitempty,gte=0,lte=100"`
	RelayChain []RelayHopInput `json:"relay_chain" validate:"max=100,dive"`
	RelayedBy  string          `json:"relayed_by" validate:"omitempty,max=128"`
}

func (p AlertPayload) normalized() AlertPayload {
	p.signedID = strings.TrimSpace(p.MessageID)
	p.MessageID = strings.ToLower(p.signedID)
	p.OriginatorDeviceID = strings.TrimSpace(p.OriginatorDeviceID)
	p.EmergencyType = strings.TrimSpace(p.EmergencyType)
	p.Priority = strings.TrimSpace(p.Priority)
	p.Message = strings.TrimSpace(p.Message)
	return p
}

func (p AlertPayload) validate() error {
	return validation.Struct(p)
}

// message builds the signed view of the payload. An omitted priority is signed
// as empty, not as the stored default.
func (p AlertPayload) message() verify.Message {
	id := p.signedID
	if id == "" {
		id = p.MessageID
	}
	m := verify.Message{
		MessageID:          id,
		OriginatorDeviceID: p.OriginatorDeviceID,
		EmergencyType:      p.EmergencyType,
		Priority:           p.Priority,
		Message:            p.Message,
		OriginatedAt:       p.OriginatedAt,
		Signature:          p.Signature,
		AppSignature:       p.AppSignature,
	}
	if p.Location != nil {
		m.Latitude = p.Location.Latitude
		m.Longitude = p.Location.Longitude
	}
	return m
}

func (p AlertPayload) priority() string {
	if p.Priority == "" {
		return defaultPriority
	}
	return p.Priority
}

func (p AlertPayload) location() models.Location {
	loc := models.Location{}
	if p.Location == nil {
		return loc
	}
	if p.Location.Latitude != nil {
		loc.Latitude = *p.Location.Latitude
	}
	if p.Location.Longitude != nil {
		loc.Longitude = *p.Location.Longitude
	}
	loc.Altitude = p.Location.Altitude
	loc.Accuracy = p.Location.Accuracy
	return loc
}

func (p RelayPayload) validate() error {
	return validation.Struct(p)
}

// path returns the hop count and chain of a relayed copy. A missing hop count
// is taken from the chain length; a present one must agree with it.
func (p RelayPayload) path() (int, []models.RelayHop, error) {
	chain := make([]models.RelayHop, 0, len(p.RelayChain))
	for _, h := range p.RelayChain {
		chain = append(chain, models.RelayHop{
			DeviceID:    strings.TrimSpace(h.DeviceID),
			Timestamp:   h.Timestamp.UTC(),
			HadInternet: h.HadInternet,
		})
	}
	if p.HopCount == nil {
		return len(chain), chain, nil
	}
	if *p.HopCount != len(chain) {
		return 0, nil, validation.Fail("hop_count", "must equal the number of relay_chain entries")
	}
	return *p.HopCount, chain, nil
}
