package sos

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/store"
	"sos-mesh-relay/api/internal/validation"
	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/workflow"
)

const (
	DefaultActiveLimit     = 50
	MaxActiveLimit         = 200
	DefaultOriginatorLimit = 20
	DefaultNearbyRadiusKm  = 10.0
	MaxNearbyRadiusKm      = 500.0

	statsCacheKey = "sos:stats"
)

type Page struct {
	Alerts []models.Alert `json:"alerts"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (s *Service) Get(ctx context.Context, messageID string) (models.Alert, error) {
	id := normalizeID(messageID)
	if id == "" {
		return models.Alert{}, validation.Fail("message_id", "is required")
	}
	a, err := s.store.FindByMessageID(ctx, id)
	if err != nil {
		return models.Alert{}, storeErr("find", err)
	}
	return a.View(s.clock()), nil
}

// Active lists open, unexpired alerts, most urgent first.
func (s *Service) Active(ctx context.Context, limit int, offset int) (Page, error) {
	if limit <= 0 {
		limit = DefaultActiveLimit
	}
	if limit > MaxActiveLimit {
		limit = MaxActiveLimit
	}
	if offset < 0 {
		offset = 0
	}
	now := s.clock()
	alerts, total, err := s.store.FindActiveByStatus(ctx, store.ActiveQuery{
		Statuses:         workflow.OpenStatuses(),
		NotExpiredBefore: now,
		Limit:            limit,
		Offset:           offset,
	})
	if err != nil {
		return Page{}, &TransientError{Op: "find_active", Err: err}
	}
	return Page{Alerts: views(alerts, now), Total: total, Limit: limit, Offset: offset}, nil
}

// Nearby lists open alerts inside a bounding box around the point.
func (s *Service) Nearby(ctx context.Context, lat float64, lon float64, radiusKm float64) ([]models.Alert, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return nil, validation.Fail("latitude", "must be between -90 and 90")
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return nil, validation.Fail("longitude", "must be between -180 and 180")
	}
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		radiusKm = DefaultNearbyRadiusKm
	}
	if radiusKm > MaxNearbyRadiusKm {
		radiusKm = MaxNearbyRadiusKm
	}
	box := store.NewBoundingBox(lat, lon, radiusKm)
	now := s.clock()
	alerts, _, err := s.store.FindActiveByStatus(ctx, store.ActiveQuery{
		Statuses:         workflow.OpenStatuses(),
		NotExpiredBefore: now,
		Box:              &box,
		Limit:            MaxActiveLimit,
	})
	if err != nil {
		return nil, &TransientError{Op: "find_nearby", Err: err}
	}
	return views(alerts, now), nil
}

func (s *Service) ByOriginator(ctx context.Context, deviceID string, limit int) ([]models.Alert, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, validation.Fail("device_id", "is required")
	}
	if limit <= 0 {
		limit = DefaultOriginatorLimit
	}
	if limit > MaxActiveLimit {
		limit = MaxActiveLimit
	}
	alerts, err := s.store.FindByOriginator(ctx, deviceID, limit)
	if err != nil {
		return nil, &TransientError{Op: "find_by_originator", Err: err}
	}
	return views(alerts, s.clock()), nil
}

// Stats aggregates alert counts. Results are cached when a cache is configured;
// a cache failure only costs a recomputation.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	if s.statsCache != nil {
		var cached store.Stats
		ok, err := s.statsCache.GetJSON(ctx, statsCacheKey, &cached)
		if err == nil && ok {
			return cached, nil
		}
		if err != nil {
			s.logger.Warn(ctx, "sos_stats_cache_failed", "stats cache read failed",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
		}
	}
	stats, err := s.store.Stats(ctx, s.clock())
	if err != nil {
		return store.Stats{}, &TransientError{Op: "stats", Err: err}
	}
	if s.statsCache != nil {
		if err := s.statsCache.SetJSON(ctx, statsCacheKey, stats, s.statsTTL); err != nil {
			s.logger.Warn(ctx, "sos_stats_cache_failed", "stats cache write failed",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
		}
	}
	return stats, nil
}

// VerifySOS runs the signature checks without storing anything.
func (s *Service) VerifySOS(ctx context.Context, payload AlertPayload) verify.Result {
	ctx, span := tracer.Start(ctx, "sos.VerifySOS")
	defer span.End()
	p := payload.normalized()
	publicKey := ""
	if s.keys != nil && p.OriginatorDeviceID != "" {
		if key, err := s.keys.PublicKey(ctx, p.OriginatorDeviceID); err == nil {
			publicKey = key
		}
	}
	return s.verifier.VerifySOS(p.message(), publicKey)
}

func views(alerts []models.Alert, now time.Time) []models.Alert {
	out := make([]models.Alert, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.View(now))
	}
	return out
}
