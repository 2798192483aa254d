//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/repos"
	"sos-mesh-relay/api/internal/store"
	"sos-mesh-relay/shared/dbx"
	"sos-mesh-relay/shared/events"
	"sos-mesh-relay/shared/lockx"
)

func postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	if err := dbx.MigrateUp(dbURL); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("db ping failed: %v", err)
	}
	return pool
}

func TestAlertsRepo(t *testing.T) {
	pool := postgres(t)
	ctx := context.Background()
	r := repos.NewAlertsRepo(pool)

	now := time.Now().UTC().Truncate(time.Millisecond)
	alert := models.Alert{
		MessageID:          "it-" + uuid.NewString(),
		OriginatorDeviceID: "it-device",
		EmergencyType:      "medical",
		Priority:           "high",
		Location:           models.Location{Latitude: 10, Longitude: 20},
		Status:             models.StatusActive,
		HopCount:           2,
		RelayChain: []models.RelayHop{
			{DeviceID: "hop-1", Timestamp: now},
			{DeviceID: "hop-2", Timestamp: now},
		},
		DeliveredVia: models.DeliveredMeshRelay,
		Responders:   []models.Responder{},
		OriginatedAt: now,
		ReceivedAt:   now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}
	created, isNew, err := r.Create(ctx, alert)
	if err != nil || !isNew {
		t.Fatalf("create: isNew=%v err=%v", isNew, err)
	}
	if created.Version != 1 || len(created.RelayChain) != 2 {
		t.Fatalf("unexpected stored alert: %+v", created)
	}

	again, isNew, err := r.Create(ctx, alert)
	if err != nil || isNew {
		t.Fatalf("duplicate create: isNew=%v err=%v", isNew, err)
	}
	if again.MessageID != alert.MessageID {
		t.Fatalf("duplicate returned %q", again.MessageID)
	}

	created.Status = models.StatusAcknowledged
	acked := now.Add(time.Minute)
	created.AcknowledgedAt = &acked
	updated, err := r.Update(ctx, created)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Status != models.StatusAcknowledged {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	// created still carries version 1.
	if _, err := r.Update(ctx, created); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	list, err := r.FindByOriginator(ctx, "it-device", 10)
	if err != nil || len(list) == 0 {
		t.Fatalf("find by originator: %d %v", len(list), err)
	}
	if _, err := r.Stats(ctx, now); err != nil {
		t.Fatalf("stats: %v", err)
	}
}

func TestDevicesRepo(t *testing.T) {
	pool := postgres(t)
	ctx := context.Background()
	r := repos.NewDevicesRepo(pool)

	now := time.Now().UTC().Truncate(time.Millisecond)
	near := models.Device{
		DeviceID:          "it-near-" + uuid.NewString(),
		Platform:          "android",
		AppVersion:        "1.0.0",
		LastKnownLocation: &models.DeviceLocation{Latitude: 40.0, Longitude: -70.0, UpdatedAt: now},
		IsActive:          true,
		LastSeen:          now,
	}
	if _, inserted, err := r.Upsert(ctx, near); err != nil || !inserted {
		t.Fatalf("upsert: inserted=%v err=%v", inserted, err)
	}
	near.AppVersion = "1.1.0"
	stored, inserted, err := r.Upsert(ctx, near)
	if err != nil || inserted {
		t.Fatalf("re-upsert: inserted=%v err=%v", inserted, err)
	}
	if stored.AppVersion != "1.1.0" {
		t.Fatalf("expected app version update, got %q", stored.AppVersion)
	}

	online := true
	if _, err := r.Patch(ctx, near.DeviceID, store.DevicePatch{LastSeen: now, HasInternet: &online}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	box := store.NewBoundingBox(40.0, -70.0, 1)
	found, err := r.Nearby(ctx, box, "someone-else", 50)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if !containsDevice(found, near.DeviceID) {
		t.Fatalf("expected %s in nearby result", near.DeviceID)
	}

	dateline := models.Device{
		DeviceID:          "it-dateline-" + uuid.NewString(),
		Platform:          "ios",
		LastKnownLocation: &models.DeviceLocation{Latitude: -16.5, Longitude: -179.9, UpdatedAt: now},
		IsActive:          true,
		LastSeen:          now,
	}
	if _, _, err := r.Upsert(ctx, dateline); err != nil {
		t.Fatalf("upsert dateline device: %v", err)
	}
	found, err = r.Nearby(ctx, store.NewBoundingBox(-16.5, 179.9, 50), "someone-else", 50)
	if err != nil {
		t.Fatalf("nearby across antimeridian: %v", err)
	}
	if !containsDevice(found, dateline.DeviceID) {
		t.Fatalf("expected %s across the antimeridian", dateline.DeviceID)
	}

	if err := r.Deactivate(ctx, near.DeviceID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	found, err = r.Nearby(ctx, box, "someone-else", 50)
	if err != nil {
		t.Fatalf("nearby after deactivate: %v", err)
	}
	if containsDevice(found, near.DeviceID) {
		t.Fatalf("inactive device returned by nearby")
	}
	if err := r.Deactivate(ctx, "it-missing-"+uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func containsDevice(list []models.Device, id string) bool {
	for _, d := range list {
		if d.DeviceID == id {
			return true
		}
	}
	return false
}

func TestOutboxRepo(t *testing.T) {
	pool := postgres(t)
	ctx := context.Background()
	r := repos.NewOutboxRepo(pool)

	aggregate := "it-" + uuid.NewString()
	if err := r.Enqueue(ctx, models.OutboxEvent{
		AggregateType: events.AggregateAlert,
		AggregateID:   aggregate,
		EventType:     "sos_alert.created",
		Topic:         events.TopicSOSAlerts,
		Payload:       []byte(`{}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := r.ClaimPending(ctx, "it-worker", 500)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var mine *models.OutboxEvent
	for i := range claimed {
		if claimed[i].AggregateID == aggregate {
			mine = &claimed[i]
		}
	}
	if mine == nil {
		t.Fatalf("enqueued event was not claimed")
	}
	if err := r.MarkDelivered(ctx, mine.EventID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	got, err := r.GetByID(ctx, mine.EventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != repos.OutboxStatusDelivered || got.PublishedAt == nil {
		t.Fatalf("unexpected outbox row: %+v", got)
	}
}

func TestRedisLockerSerializes(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	locker := lockx.NewRedisLocker(client, "it:", 5*time.Second, 5*time.Second)
	key := "sos:" + uuid.NewString()
	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), key)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected one holder at a time, saw %d", peak)
	}
}

func TestBrokers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.DialContext(ctx, "tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	if influxURL := os.Getenv("INFLUX_URL"); influxURL != "" {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("influx health failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			t.Fatalf("influx health status: %d", resp.StatusCode)
		}
	}

	if asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR"); asynqRedis != "" {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
		defer inspector.Close()
		if _, err := inspector.Queues(); err != nil {
			t.Fatalf("asynq inspector failed: %v", err)
		}
	}
}
