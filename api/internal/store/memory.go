package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/shared/workflow"
)

type MemoryAlerts struct {
	mu     sync.RWMutex
	alerts map[string]models.Alert
}

func NewMemoryAlerts() *MemoryAlerts {
	return &MemoryAlerts{alerts: make(map[string]models.Alert)}
}

func (m *MemoryAlerts) FindByMessageID(_ context.Context, messageID string) (models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[messageID]
	if !ok {
		return models.Alert{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryAlerts) Create(_ context.Context, alert models.Alert) (models.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.alerts[alert.MessageID]; ok {
		return existing.Clone(), false, nil
	}
	stored := alert.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.alerts[stored.MessageID] = stored
	return stored.Clone(), true, nil
}

func (m *MemoryAlerts) Update(_ context.Context, alert models.Alert) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.alerts[alert.MessageID]
	if !ok {
		return models.Alert{}, ErrNotFound
	}
	if current.Version != alert.Version {
		return models.Alert{}, ErrVersionConflict
	}
	stored := alert.Clone()
	stored.Version = current.Version + 1
	stored.CreatedAt = current.CreatedAt
	if stored.UpdatedAt.IsZero() || !stored.UpdatedAt.After(current.UpdatedAt) {
		stored.UpdatedAt = time.Now().UTC()
	}
	m.alerts[stored.MessageID] = stored
	return stored.Clone(), nil
}

func (m *MemoryAlerts) FindActiveByStatus(_ context.Context, q ActiveQuery) ([]models.Alert, int, error) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = workflow.OpenStatuses()
	}
	m.mu.RLock()
	matched := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if !containsString(statuses, a.Status) {
			continue
		}
		if !q.NotExpiredBefore.IsZero() && !a.ExpiresAt.After(q.NotExpiredBefore) {
			continue
		}
		if q.Box != nil && !q.Box.Contains(a.Location.Latitude, a.Location.Longitude) {
			continue
		}
		matched = append(matched, a.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ri, rj := models.PriorityRank(matched[i].Priority), models.PriorityRank(matched[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	return page(matched, q.Offset, q.Limit), total, nil
}

func (m *MemoryAlerts) FindByOriginator(_ context.Context, deviceID string, limit int) ([]models.Alert, error) {
	m.mu.RLock()
	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if a.OriginatorDeviceID == deviceID {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, 0, limit), nil
}

func (m *MemoryAlerts) FindDueForExpiry(_ context.Context, now time.Time, limit int) ([]models.Alert, error) {
	m.mu.RLock()
	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if !workflow.IsTerminal(a.Status) && a.ExpiresAt.Before(now) {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return page(out, 0, limit), nil
}

func (m *MemoryAlerts) Stats(_ context.Context, now time.Time) (Stats, error) {
	s := Stats{ByType: map[string]int{}, ByStatus: map[string]int{}}
	day := now.Add(-24 * time.Hour)
	week := now.Add(-7 * 24 * time.Hour)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if containsString(workflow.OpenStatuses(), a.Status) && a.ExpiresAt.After(now) {
			s.Active++
		}
		if !a.CreatedAt.Before(day) {
			s.Last24Hours++
		}
		if !a.CreatedAt.Before(week) {
			s.Last7Days++
		}
		s.ByType[a.EmergencyType]++
		s.ByStatus[a.Status]++
	}
	return s, nil
}

type MemoryDevices struct {
	mu      sync.RWMutex
	devices map[string]models.Device
}

func NewMemoryDevices() *MemoryDevices {
	return &MemoryDevices{devices: make(map[string]models.Device)}
}

func (m *MemoryDevices) Get(_ context.Context, deviceID string) (models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return models.Device{}, ErrNotFound
	}
	return cloneDevice(d), nil
}

func (m *MemoryDevices) Upsert(_ context.Context, device models.Device) (models.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := m.devices[device.DeviceID]
	stored := cloneDevice(device)
	if ok {
		stored.CreatedAt = existing.CreatedAt
		if stored.PushToken == "" {
			stored.PushToken = existing.PushToken
		}
		if stored.PublicKey == "" {
			stored.PublicKey = existing.PublicKey
		}
		if stored.LastKnownLocation == nil {
			stored.LastKnownLocation = existing.LastKnownLocation
		}
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.LastSeen.IsZero() {
		stored.LastSeen = now
	}
	m.devices[stored.DeviceID] = stored
	return cloneDevice(stored), !ok, nil
}

func (m *MemoryDevices) Patch(_ context.Context, deviceID string, patch DevicePatch) (models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return models.Device{}, ErrNotFound
	}
	if !patch.LastSeen.IsZero() {
		d.LastSeen = patch.LastSeen
	}
	if patch.Location != nil {
		loc := *patch.Location
		d.LastKnownLocation = &loc
	}
	if patch.HasInternet != nil {
		d.HasInternetCapability = *patch.HasInternet
	}
	if patch.PushToken != nil {
		d.PushToken = *patch.PushToken
	}
	d.UpdatedAt = time.Now().UTC()
	m.devices[deviceID] = d
	return cloneDevice(d), nil
}

func (m *MemoryDevices) Deactivate(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.IsActive = false
	d.UpdatedAt = time.Now().UTC()
	m.devices[deviceID] = d
	return nil
}

func (m *MemoryDevices) Nearby(_ context.Context, box BoundingBox, excludeID string, limit int) ([]models.Device, error) {
	m.mu.RLock()
	out := make([]models.Device, 0)
	for _, d := range m.devices {
		if !d.IsActive || d.DeviceID == excludeID || d.LastKnownLocation == nil {
			continue
		}
		if box.Contains(d.LastKnownLocation.Latitude, d.LastKnownLocation.Longitude) {
			out = append(out, cloneDevice(d))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return page(out, 0, limit), nil
}

func cloneDevice(d models.Device) models.Device {
	if d.LastKnownLocation != nil {
		loc := *d.LastKnownLocation
		d.LastKnownLocation = &loc
	}
	return d
}

func page[T any](items []T, offset int, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
