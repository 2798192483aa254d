package devices

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/store"
)

type cached struct {
	device models.Device
	found  bool
}

// Directory is the read-only view of the registry used by the alert pipeline
// and the auth middleware. Lookups, including misses, are cached for ttl.
type Directory struct {
	store store.DeviceStore
	cache *gocache.Cache
}

func NewDirectory(s store.DeviceStore, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Directory{store: s, cache: gocache.New(ttl, 2*ttl)}
}

func (d *Directory) Lookup(ctx context.Context, deviceID string) (models.Device, bool, error) {
	if v, ok := d.cache.Get(deviceID); ok {
		entry := v.(cached)
		return entry.device, entry.found, nil
	}
	dev, err := d.store.Get(ctx, deviceID)
	switch {
	case err == nil:
		d.cache.SetDefault(deviceID, cached{device: dev, found: true})
		return dev, true, nil
	case errors.Is(err, store.ErrNotFound):
		d.cache.SetDefault(deviceID, cached{})
		return models.Device{}, false, nil
	default:
		return models.Device{}, false, err
	}
}

// PublicKey returns the registered key, or "" for unknown devices and devices
// that registered without one.
func (d *Directory) PublicKey(ctx context.Context, deviceID string) (string, error) {
	dev, ok, err := d.Lookup(ctx, deviceID)
	if err != nil || !ok {
		return "", err
	}
	return dev.PublicKey, nil
}

func (d *Directory) IsActive(ctx context.Context, deviceID string) (bool, error) {
	dev, ok, err := d.Lookup(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return ok && dev.IsActive, nil
}

func (d *Directory) Known(ctx context.Context, deviceID string) (bool, error) {
	_, ok, err := d.Lookup(ctx, deviceID)
	return ok, err
}

func (d *Directory) Invalidate(deviceID string) {
	d.cache.Delete(deviceID)
}
