package repos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/store"
)

const deviceColumns = `device_id, platform, app_version, os_version, device_model, push_token, public_key,
	latitude, longitude, location_accuracy, location_updated_at, has_internet_capability,
	supports_extended, supports_mesh, is_active, last_seen, created_at, updated_at`

// DevicesRepo is the PostgreSQL store.DeviceStore.
type DevicesRepo struct {
	pool *pgxpool.Pool
}

var _ store.DeviceStore = (*DevicesRepo)(nil)

func NewDevicesRepo(pool *pgxpool.Pool) *DevicesRepo {
	return &DevicesRepo{pool: pool}
}

func scanDevice(row pgx.Row, extra ...any) (models.Device, error) {
	var (
		d                  models.Device
		pushToken, pubKey  *string
		lat, lon, accuracy *float64
		locatedAt          *time.Time
	)
	dest := []any{
		&d.DeviceID, &d.Platform, &d.AppVersion, &d.OSVersion, &d.DeviceModel, &pushToken, &pubKey,
		&lat, &lon, &accuracy, &locatedAt, &d.HasInternetCapability,
		&d.BLECapabilities.SupportsExtended, &d.BLECapabilities.SupportsMesh, &d.IsActive, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Device{}, err
	}
	if pushToken != nil {
		d.PushToken = *pushToken
	}
	if pubKey != nil {
		d.PublicKey = *pubKey
	}
	if lat != nil && lon != nil {
		loc := &models.DeviceLocation{Latitude: *lat, Longitude: *lon, Accuracy: accuracy}
		if locatedAt != nil {
			loc.UpdatedAt = *locatedAt
		}
		d.LastKnownLocation = loc
	}
	return d, nil
}

func (r *DevicesRepo) Get(ctx context.Context, deviceID string) (models.Device, error) {
	d, err := scanDevice(r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID))
	if isNoRows(err) {
		return models.Device{}, store.ErrNotFound
	}
	return d, err
}

// Upsert inserts or overwrites the device. Empty push token, public key and
// location keep their stored values.
func (r *DevicesRepo) Upsert(ctx context.Context, d models.Device) (models.Device, bool, error) {
	var lat, lon, accuracy *float64
	var locatedAt *time.Time
	if loc := d.LastKnownLocation; loc != nil {
		lat, lon, accuracy, locatedAt = &loc.Latitude, &loc.Longitude, loc.Accuracy, &loc.UpdatedAt
	}
	lastSeen := d.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	var inserted bool
	stored, err := scanDevice(r.pool.QueryRow(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
		ON CONFLICT (device_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			app_version = EXCLUDED.app_version,
			os_version = EXCLUDED.os_version,
			device_model = EXCLUDED.device_model,
			push_token = COALESCE(EXCLUDED.push_token, devices.push_token),
			public_key = COALESCE(EXCLUDED.public_key, devices.public_key),
			latitude = COALESCE(EXCLUDED.latitude, devices.latitude),
			longitude = COALESCE(EXCLUDED.longitude, devices.longitude),
			location_accuracy = COALESCE(EXCLUDED.location_accuracy, devices.location_accuracy),
			location_updated_at = COALESCE(EXCLUDED.location_updated_at, devices.location_updated_at),
			has_internet_capability = EXCLUDED.has_internet_capability,
			supports_extended = EXCLUDED.supports_extended,
			supports_mesh = EXCLUDED.supports_mesh,
			is_active = EXCLUDED.is_active,
			last_seen = EXCLUDED.last_seen,
			updated_at = now()
		RETURNING `+deviceColumns+`, (xmax = 0) AS inserted
	`,
		d.DeviceID, d.Platform, d.AppVersion, d.OSVersion, d.DeviceModel, nullIfEmpty(d.PushToken), nullIfEmpty(d.PublicKey),
		lat, lon, accuracy, locatedAt, d.HasInternetCapability,
		d.BLECapabilities.SupportsExtended, d.BLECapabilities.SupportsMesh, d.IsActive, lastSeen,
	), &inserted)
	if err != nil {
		return models.Device{}, false, err
	}
	return stored, inserted, nil
}

func (r *DevicesRepo) Patch(ctx context.Context, deviceID string, patch store.DevicePatch) (models.Device, error) {
	sets := []string{"updated_at = now()"}
	args := []any{deviceID}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if !patch.LastSeen.IsZero() {
		add("last_seen", patch.LastSeen)
	}
	if loc := patch.Location; loc != nil {
		add("latitude", loc.Latitude)
		add("longitude", loc.Longitude)
		add("location_accuracy", loc.Accuracy)
		add("location_updated_at", loc.UpdatedAt)
	}
	if patch.HasInternet != nil {
		add("has_internet_capability", *patch.HasInternet)
	}
	if patch.PushToken != nil {
		add("push_token", *patch.PushToken)
	}
	d, err := scanDevice(r.pool.QueryRow(ctx, `
		UPDATE devices SET `+strings.Join(sets, ", ")+`
		WHERE device_id = $1
		RETURNING `+deviceColumns, args...))
	if isNoRows(err) {
		return models.Device{}, store.ErrNotFound
	}
	return d, err
}

func (r *DevicesRepo) Deactivate(ctx context.Context, deviceID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE devices SET is_active = FALSE, updated_at = now() WHERE device_id = $1`, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *DevicesRepo) Nearby(ctx context.Context, box store.BoundingBox, excludeID string, limit int) ([]models.Device, error) {
	if limit <= 0 {
		limit = 100
	}
	args := append(boxArgs(box), excludeID, limit)
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE is_active
			AND `+boxWhere(1)+`
			AND device_id <> $5
		ORDER BY last_seen DESC
		LIMIT $6
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
