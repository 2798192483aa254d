package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/store"
	"sos-mesh-relay/shared/workflow"
)

const alertColumns = `message_id, originator_device_id, emergency_type, priority, latitude, longitude, altitude, accuracy,
	message, signature, app_signature, status, hop_count, relay_chain, delivered_by, delivered_via,
	is_verified, verification_errors, verification_notes, responders, metadata,
	originated_at, received_at, acknowledged_at, resolved_at, cancelled_at, expires_at, version, created_at, updated_at`

const priorityOrder = `CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

// AlertsRepo is the PostgreSQL store.AlertStore.
type AlertsRepo struct {
	pool *pgxpool.Pool
}

var _ store.AlertStore = (*AlertsRepo)(nil)

func NewAlertsRepo(pool *pgxpool.Pool) *AlertsRepo {
	return &AlertsRepo{pool: pool}
}

type alertJSON struct {
	relayChain []byte
	errors     []byte
	responders []byte
	metadata   []byte
}

func encodeAlertJSON(a models.Alert) (alertJSON, error) {
	var out alertJSON
	var err error
	chain := a.RelayChain
	if chain == nil {
		chain = []models.RelayHop{}
	}
	if out.relayChain, err = json.Marshal(chain); err != nil {
		return out, fmt.Errorf("encode relay_chain: %w", err)
	}
	errs := a.VerificationErrors
	if errs == nil {
		errs = []string{}
	}
	if out.errors, err = json.Marshal(errs); err != nil {
		return out, fmt.Errorf("encode verification_errors: %w", err)
	}
	responders := a.Responders
	if responders == nil {
		responders = []models.Responder{}
	}
	if out.responders, err = json.Marshal(responders); err != nil {
		return out, fmt.Errorf("encode responders: %w", err)
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if out.metadata, err = json.Marshal(meta); err != nil {
		return out, fmt.Errorf("encode metadata: %w", err)
	}
	return out, nil
}

func scanAlert(row pgx.Row, extra ...any) (models.Alert, error) {
	var (
		a                                       models.Alert
		deliveredBy, notes                      *string
		chain, verrs, responders, metadataBytes []byte
	)
	dest := []any{
		&a.MessageID, &a.OriginatorDeviceID, &a.EmergencyType, &a.Priority,
		&a.Location.Latitude, &a.Location.Longitude, &a.Location.Altitude, &a.Location.Accuracy,
		&a.Message, &a.Signature, &a.AppSignature, &a.Status, &a.HopCount, &chain, &deliveredBy, &a.DeliveredVia,
		&a.IsVerified, &verrs, &notes, &responders, &metadataBytes,
		&a.OriginatedAt, &a.ReceivedAt, &a.AcknowledgedAt, &a.ResolvedAt, &a.CancelledAt, &a.ExpiresAt,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Alert{}, err
	}
	if deliveredBy != nil {
		a.DeliveredBy = *deliveredBy
	}
	if notes != nil {
		a.VerificationNotes = *notes
	}
	for _, part := range []struct {
		raw  []byte
		into any
	}{
		{chain, &a.RelayChain},
		{verrs, &a.VerificationErrors},
		{responders, &a.Responders},
		{metadataBytes, &a.Metadata},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.into); err != nil {
			return models.Alert{}, fmt.Errorf("decode alert %s: %w", a.MessageID, err)
		}
	}
	return a, nil
}

func (r *AlertsRepo) FindByMessageID(ctx context.Context, messageID string) (models.Alert, error) {
	a, err := scanAlert(r.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM sos_alerts WHERE message_id = $1`, messageID))
	if isNoRows(err) {
		return models.Alert{}, store.ErrNotFound
	}
	return a, err
}

// Create inserts the alert unless the message id exists, in which case the
// stored record is returned with created=false.
func (r *AlertsRepo) Create(ctx context.Context, alert models.Alert) (models.Alert, bool, error) {
	js, err := encodeAlertJSON(alert)
	if err != nil {
		return models.Alert{}, false, err
	}
	now := time.Now().UTC()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	if alert.UpdatedAt.IsZero() {
		alert.UpdatedAt = alert.CreatedAt
	}
	created, err := scanAlert(r.pool.QueryRow(ctx, `
		INSERT INTO sos_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, 1, $28, $29)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING `+alertColumns,
		alert.MessageID, alert.OriginatorDeviceID, alert.EmergencyType, alert.Priority,
		alert.Location.Latitude, alert.Location.Longitude, alert.Location.Altitude, alert.Location.Accuracy,
		alert.Message, alert.Signature, alert.AppSignature, alert.Status, alert.HopCount, js.relayChain,
		nullIfEmpty(alert.DeliveredBy), alert.DeliveredVia,
		alert.IsVerified, js.errors, nullIfEmpty(alert.VerificationNotes), js.responders, js.metadata,
		alert.OriginatedAt, alert.ReceivedAt, alert.AcknowledgedAt, alert.ResolvedAt, alert.CancelledAt, alert.ExpiresAt,
		alert.CreatedAt, alert.UpdatedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !isNoRows(err) {
		return models.Alert{}, false, err
	}
	existing, err := r.FindByMessageID(ctx, alert.MessageID)
	if err != nil {
		return models.Alert{}, false, err
	}
	return existing, false, nil
}

// Update writes the mutable fields only if the stored version still equals
// alert.Version.
func (r *AlertsRepo) Update(ctx context.Context, alert models.Alert) (models.Alert, error) {
	js, err := encodeAlertJSON(alert)
	if err != nil {
		return models.Alert{}, err
	}
	if alert.UpdatedAt.IsZero() {
		alert.UpdatedAt = time.Now().UTC()
	}
	updated, err := scanAlert(r.pool.QueryRow(ctx, `
		UPDATE sos_alerts
		SET status = $3, hop_count = $4, relay_chain = $5, delivered_by = $6,
			is_verified = $7, verification_errors = $8, verification_notes = $9, responders = $10, metadata = $11,
			acknowledged_at = $12, resolved_at = $13, cancelled_at = $14, expires_at = GREATEST(expires_at, $15),
			updated_at = $16, version = version + 1
		WHERE message_id = $1 AND version = $2
		RETURNING `+alertColumns,
		alert.MessageID, alert.Version,
		alert.Status, alert.HopCount, js.relayChain, nullIfEmpty(alert.DeliveredBy),
		alert.IsVerified, js.errors, nullIfEmpty(alert.VerificationNotes), js.responders, js.metadata,
		alert.AcknowledgedAt, alert.ResolvedAt, alert.CancelledAt, alert.ExpiresAt,
		alert.UpdatedAt,
	))
	if err == nil {
		return updated, nil
	}
	if !isNoRows(err) {
		return models.Alert{}, err
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sos_alerts WHERE message_id = $1)`, alert.MessageID).Scan(&exists); err != nil {
		return models.Alert{}, err
	}
	if !exists {
		return models.Alert{}, store.ErrNotFound
	}
	return models.Alert{}, store.ErrVersionConflict
}

func (r *AlertsRepo) FindActiveByStatus(ctx context.Context, q store.ActiveQuery) ([]models.Alert, int, error) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = workflow.OpenStatuses()
	}
	where := []string{"status = ANY($1)"}
	args := []any{statuses}
	if !q.NotExpiredBefore.IsZero() {
		args = append(args, q.NotExpiredBefore)
		where = append(where, fmt.Sprintf("expires_at > $%d", len(args)))
	}
	if q.Box != nil {
		first := len(args) + 1
		args = append(args, boxArgs(*q.Box)...)
		where = append(where, boxWhere(first))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER () AS total
		FROM sos_alerts
		WHERE %s
		ORDER BY %s DESC, created_at DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, strings.Join(where, " AND "), priorityOrder, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	alerts := make([]models.Alert, 0, limit)
	total := 0
	for rows.Next() {
		var rowTotal int64
		a, err := scanAlert(rows, &rowTotal)
		if err != nil {
			return nil, 0, err
		}
		total = int(rowTotal)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(alerts) == 0 && q.Offset > 0 {
		if err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM sos_alerts WHERE %s`, strings.Join(where, " AND ")), args[:len(args)-2]...).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return alerts, total, nil
}

func (r *AlertsRepo) FindByOriginator(ctx context.Context, deviceID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.list(ctx, `
		SELECT `+alertColumns+`
		FROM sos_alerts
		WHERE originator_device_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, deviceID, limit)
}

func (r *AlertsRepo) FindDueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 200
	}
	return r.list(ctx, `
		SELECT `+alertColumns+`
		FROM sos_alerts
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, workflow.OpenStatuses(), now, limit)
}

func (r *AlertsRepo) list(ctx context.Context, sql string, args ...any) ([]models.Alert, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Stats runs the aggregate queries concurrently.
func (r *AlertsRepo) Stats(ctx context.Context, now time.Time) (store.Stats, error) {
	out := store.Stats{ByType: map[string]int{}, ByStatus: map[string]int{}}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.pool.QueryRow(gctx, `
			SELECT COUNT(*) FROM sos_alerts WHERE status = ANY($1) AND expires_at > $2
		`, workflow.OpenStatuses(), now).Scan(&out.Active)
	})
	g.Go(func() error {
		return r.pool.QueryRow(gctx, `
			SELECT COUNT(*) FILTER (WHERE created_at >= $1), COUNT(*) FILTER (WHERE created_at >= $2)
			FROM sos_alerts
		`, now.Add(-24*time.Hour), now.Add(-7*24*time.Hour)).Scan(&out.Last24Hours, &out.Last7Days)
	})
	byType := map[string]int{}
	byStatus := map[string]int{}
	g.Go(func() error {
		return r.groupCount(gctx, "emergency_type", byType)
	})
	g.Go(func() error {
		return r.groupCount(gctx, "status", byStatus)
	})
	if err := g.Wait(); err != nil {
		return store.Stats{}, err
	}
	out.ByType = byType
	out.ByStatus = byStatus
	return out, nil
}

func (r *AlertsRepo) groupCount(ctx context.Context, column string, into map[string]int) error {
	rows, err := r.pool.Query(ctx, `SELECT `+column+`, COUNT(*) FROM sos_alerts GROUP BY `+column)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
