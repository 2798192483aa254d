// Package store defines the persistence contracts the SOS pipeline depends on
// and an in-memory implementation used by tests and single-node deployments.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"sos-mesh-relay/api/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// AlertStore persists alerts keyed by message id. Create never overwrites an
// existing record; Update is a compare-and-swap on Version.
type AlertStore interface {
	FindByMessageID(ctx context.Context, messageID string) (models.Alert, error)
	Create(ctx context.Context, alert models.Alert) (models.Alert, bool, error)
	Update(ctx context.Context, alert models.Alert) (models.Alert, error)
	FindActiveByStatus(ctx context.Context, q ActiveQuery) ([]models.Alert, int, error)
	FindByOriginator(ctx context.Context, deviceID string, limit int) ([]models.Alert, error)
	FindDueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.Alert, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

type ActiveQuery struct {
	Statuses         []string
	NotExpiredBefore time.Time
	Box              *BoundingBox
	Limit            int
	Offset           int
}

type Stats struct {
	Active      int            `json:"active"`
	Last24Hours int            `json:"last_24_hours"`
	Last7Days   int            `json:"last_7_days"`
	ByType      map[string]int `json:"by_type"`
	ByStatus    map[string]int `json:"by_status"`
}

type DeviceStore interface {
	Get(ctx context.Context, deviceID string) (models.Device, error)
	Upsert(ctx context.Context, device models.Device) (models.Device, bool, error)
	Patch(ctx context.Context, deviceID string, patch DevicePatch) (models.Device, error)
	Deactivate(ctx context.Context, deviceID string) error
	Nearby(ctx context.Context, box BoundingBox, excludeID string, limit int) ([]models.Device, error)
}

// DevicePatch carries the optional fields of a heartbeat-style update. Nil
// fields are left alone.
type DevicePatch struct {
	LastSeen    time.Time
	Location    *models.DeviceLocation
	HasInternet *bool
	PushToken   *string
}

const kmPerDegree = 111.0

// BoundingBox is a lat/lon rectangle. MinLon > MaxLon means the box crosses
// the antimeridian and covers [MinLon, 180] plus [-180, MaxLon].
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// NewBoundingBox approximates a circle of radiusKm around a point.
func NewBoundingBox(lat float64, lon float64, radiusKm float64) BoundingBox {
	latDelta := radiusKm / kmPerDegree
	cos := math.Cos(lat * math.Pi / 180)
	lonDelta := 180.0
	if cos > 1e-9 {
		lonDelta = math.Min(radiusKm/(kmPerDegree*cos), 180)
	}
	box := BoundingBox{
		MinLat: math.Max(lat-latDelta, -90),
		MaxLat: math.Min(lat+latDelta, 90),
		MinLon: lon - lonDelta,
		MaxLon: lon + lonDelta,
	}
	switch {
	case lonDelta >= 180:
		box.MinLon, box.MaxLon = -180, 180
	case box.MinLon < -180:
		box.MinLon += 360
	case box.MaxLon > 180:
		box.MaxLon -= 360
	}
	return box
}

func (b BoundingBox) CrossesAntimeridian() bool { return b.MinLon > b.MaxLon }

func (b BoundingBox) Contains(lat float64, lon float64) bool {
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.CrossesAntimeridian() {
		return lon >= b.MinLon || lon <= b.MaxLon
	}
	return lon >= b.MinLon && lon <= b.MaxLon
}
