// Package devices is the device registry: registration, liveness and location
// bookkeeping, and the token a device uses for every other call.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/store"
	"sos-mesh-relay/api/internal/validation"
	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/logx"
)

const (
	DefaultBundleID       = "com.sosemergency.app"
	DefaultNearbyRadiusKm = 10.0
	MaxNearbyRadiusKm     = 500.0
	nearbyLimit           = 100
)

var (
	ErrNotFound    = errors.New("device not found")
	ErrUnavailable = errors.New("device registry unavailable")
)

type AppSigner interface {
	AppSignature(bundleID string) string
}

type RegisterInput struct {
	DeviceID        string                  `json:"device_id" validate:"required,min=8,max=128"`
	Platform        string                  `json:"platform" validate:"required,oneof=ios android web"`
	AppVersion      string                  `json:"app_version" validate:"max=20"`
	OSVersion       string                  `json:"os_version" validate:"max=50"`
	DeviceModel     string                  `json:"device_model" validate:"max=100"`
	PushToken       string                  `json:"push_token" validate:"max=500"`
	PublicKey       string                  `json:"public_key" validate:"max=8192"`
	BLECapabilities *models.BLECapabilities `json:"ble_capabilities"`
}

func (in RegisterInput) normalized() RegisterInput {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	in.Platform = strings.ToLower(strings.TrimSpace(in.Platform))
	in.AppVersion = strings.TrimSpace(in.AppVersion)
	in.OSVersion = strings.TrimSpace(in.OSVersion)
	in.DeviceModel = strings.TrimSpace(in.DeviceModel)
	in.PushToken = strings.TrimSpace(in.PushToken)
	in.PublicKey = strings.TrimSpace(in.PublicKey)
	return in
}

type LocationInput struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
}

type HeartbeatInput struct {
	Location    *LocationInput `json:"location"`
	HasInternet *bool          `json:"has_internet"`
}

type Registration struct {
	Device       models.Device `json:"device"`
	Created      bool          `json:"-"`
	Token        string        `json:"token"`
	AppSignature string        `json:"app_signature"`
	ExpiresAt    time.Time     `json:"expires_at"`
	ExpiresIn    string        `json:"expires_in"`
}

type Options struct {
	Store     store.DeviceStore
	Tokens    *authx.DeviceTokens
	Signer    AppSigner
	BundleID  string
	Directory *Directory
	Logger    logx.Logger
	Now       func() time.Time
}

type Service struct {
	store    store.DeviceStore
	tokens   *authx.DeviceTokens
	signer   AppSigner
	bundleID string
	dir      *Directory
	logger   logx.Logger
	now      func() time.Time
}

func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		tokens:   opts.Tokens,
		signer:   opts.Signer,
		bundleID: opts.BundleID,
		dir:      opts.Directory,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.bundleID == "" {
		s.bundleID = DefaultBundleID
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *Service) invalidate(deviceID string) {
	if s.dir != nil {
		s.dir.Invalidate(deviceID)
	}
}

// Register creates the device or refreshes an existing one, reactivating it,
// and issues a fresh token. The first public key a device registers stays
// pinned.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Registration, error) {
	in := input.normalized()
	if err := validation.Struct(in); err != nil {
		return Registration{}, err
	}
	if in.PublicKey != "" {
		if _, err := verify.ParsePublicKey(in.PublicKey); err != nil {
			return Registration{}, validation.Fail("public_key", "must be a PEM or JWK encoded RSA or ECDSA public key")
		}
	}
	if s.tokens == nil {
		return Registration{}, fmt.Errorf("%w: token issuer not configured", ErrUnavailable)
	}

	now := s.now().UTC()
	dev := models.Device{
		DeviceID:              in.DeviceID,
		Platform:              in.Platform,
		HasInternetCapability: true,
		BLECapabilities:       models.BLECapabilities{SupportsMesh: true},
	}
	existing, err := s.store.Get(ctx, in.DeviceID)
	switch {
	case err == nil:
		dev = existing
		dev.Platform = in.Platform
	case !errors.Is(err, store.ErrNotFound):
		return Registration{}, storeErr(err)
	}
	dev.AppVersion = firstNonEmpty(in.AppVersion, dev.AppVersion)
	dev.OSVersion = firstNonEmpty(in.OSVersion, dev.OSVersion)
	dev.DeviceModel = firstNonEmpty(in.DeviceModel, dev.DeviceModel)
	dev.PushToken = firstNonEmpty(in.PushToken, dev.PushToken)
	switch {
	case dev.PublicKey == "":
		dev.PublicKey = in.PublicKey
	case in.PublicKey != "" && in.PublicKey != dev.PublicKey:
		// Registration is unauthenticated, so a stored key is never replaced here.
		s.logger.Warn(ctx, "device_public_key_pinned", "re-registration tried to replace the stored public key",
			slog.String("error_code", "CONFLICT"),
			slog.String("device_id", dev.DeviceID),
		)
	}
	if in.BLECapabilities != nil {
		dev.BLECapabilities = *in.BLECapabilities
	}
	dev.IsActive = true
	dev.LastSeen = now

	stored, created, err := s.store.Upsert(ctx, dev)
	if err != nil {
		return Registration{}, storeErr(err)
	}
	s.invalidate(stored.DeviceID)

	token, expires, err := s.tokens.Issue(stored.DeviceID)
	if err != nil {
		return Registration{}, err
	}
	reg := Registration{
		Device:    stored,
		Created:   created,
		Token:     token,
		ExpiresAt: expires,
		ExpiresIn: humanDuration(s.tokens.TTL()),
	}
	if s.signer != nil {
		reg.AppSignature = s.signer.AppSignature(s.bundleID)
	}
	event := "device_updated"
	if created {
		event = "device_registered"
	}
	s.logger.Info(ctx, event, "device registration accepted",
		slog.String("device_id", stored.DeviceID),
		slog.String("platform", stored.Platform),
	)
	return reg, nil
}

func (s *Service) Get(ctx context.Context, deviceID string) (models.Device, error) {
	dev, err := s.store.Get(ctx, strings.TrimSpace(deviceID))
	if err != nil {
		return models.Device{}, storeErr(err)
	}
	return dev, nil
}

func (s *Service) Deactivate(ctx context.Context, deviceID string) error {
	if err := s.store.Deactivate(ctx, deviceID); err != nil {
		return storeErr(err)
	}
	s.invalidate(deviceID)
	s.logger.Info(ctx, "device_deactivated", "device deactivated", slog.String("device_id", deviceID))
	return nil
}

func (in *LocationInput) toModel(now time.Time) *models.DeviceLocation {
	if in == nil || in.Latitude == nil || in.Longitude == nil {
		return nil
	}
	return &models.DeviceLocation{
		Latitude:  *in.Latitude,
		Longitude: *in.Longitude,
		Accuracy:  in.Accuracy,
		UpdatedAt: now,
	}
}

func (s *Service) UpdateLocation(ctx context.Context, deviceID string, in LocationInput) (models.Device, error) {
	if err := validation.Struct(in); err != nil {
		return models.Device{}, err
	}
	now := s.now().UTC()
	dev, err := s.store.Patch(ctx, deviceID, store.DevicePatch{LastSeen: now, Location: in.toModel(now)})
	if err != nil {
		return models.Device{}, storeErr(err)
	}
	return dev, nil
}

func (s *Service) UpdatePushToken(ctx context.Context, deviceID string, token string) (models.Device, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Device{}, validation.Fail("push_token", "is required")
	}
	if len(token) > 500 {
		return models.Device{}, validation.Fail("push_token", "must be at most 500 characters")
	}
	dev, err := s.store.Patch(ctx, deviceID, store.DevicePatch{PushToken: &token})
	if err != nil {
		return models.Device{}, storeErr(err)
	}
	s.invalidate(deviceID)
	return dev, nil
}

// Heartbeat refreshes last_seen and, when given, location and connectivity.
func (s *Service) Heartbeat(ctx context.Context, deviceID string, in HeartbeatInput) (models.Device, error) {
	if in.Location != nil {
		if err := validation.Struct(in); err != nil {
			return models.Device{}, err
		}
	}
	now := s.now().UTC()
	dev, err := s.store.Patch(ctx, deviceID, store.DevicePatch{
		LastSeen:    now,
		Location:    in.Location.toModel(now),
		HasInternet: in.HasInternet,
	})
	if err != nil {
		return models.Device{}, storeErr(err)
	}
	return dev, nil
}

// Nearby lists other active devices with a known location near the point.
func (s *Service) Nearby(ctx context.Context, callerID string, lat float64, lon float64, radiusKm float64) ([]models.Device, error) {
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
	out, err := s.store.Nearby(ctx, store.NewBoundingBox(lat, lon, radiusKm), callerID, nearbyLimit)
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// humanDuration renders whole days as "30d", otherwise hours as "12h".
func humanDuration(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
	return fmt.Sprintf("%dh", int(d/time.Hour))
}
