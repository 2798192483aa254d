package sos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sos-mesh-relay/api/internal/fanout"
	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/store"
	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/lockx"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testBundle     = "com.sosemergency.app"
	testOriginator = "device-origin-01"
)

type recorder struct {
	mu     sync.Mutex
	events []fanout.Event
	acks   []fanout.DeviceMessage
	ackTo  []string
}

func (r *recorder) Publish(_ context.Context, ev fanout.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) SendToDevice(_ context.Context, deviceID string, msg fanout.DeviceMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, msg)
	r.ackTo = append(r.ackTo, deviceID)
	return nil
}

func (r *recorder) count(eventType string, updateType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType && ev.UpdateType == updateType {
			n++
		}
	}
	return n
}

type harness struct {
	svc      *Service
	alerts   *store.MemoryAlerts
	notes    *recorder
	verifier *verify.Verifier
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{alerts: store.NewMemoryAlerts(), notes: &recorder{}, now: testNow}
	clock := func() time.Time { return h.now }
	h.verifier = verify.New("test-secret", []string{testBundle}, 24*time.Hour, verify.WithClock(clock))
	h.svc = New(Options{
		Store:    h.alerts,
		Verifier: h.verifier,
		Locker:   lockx.NewKeyedMutex(),
		Notifier: h.notes,
		Now:      clock,
	})
	return h
}

func ptr(v float64) *float64 { return &v }

func (h *harness) payload(messageID string) AlertPayload {
	p := AlertPayload{
		MessageID:          messageID,
		OriginatorDeviceID: testOriginator,
		EmergencyType:      "medical",
		Priority:           "critical",
		Location:           &LocationInput{Latitude: ptr(37.7749), Longitude: ptr(-122.4194)},
		Message:            "trapped under debris",
		OriginatedAt:       h.now.Add(-2 * time.Minute),
		AppSignature:       h.verifier.AppSignature(testBundle),
	}
	p.Signature = h.verifier.SignMessage(p.normalized().message())
	return p
}

func chain(tag string, n int) []RelayHopInput {
	out := make([]RelayHopInput, n)
	for i := range out {
		out[i] = RelayHopInput{DeviceID: fmt.Sprintf("%s-hop-%d", tag, i), Timestamp: testNow.Add(-time.Minute)}
	}
	return out
}

func (h *harness) relayed(messageID string, tag string, hops int) RelayPayload {
	return RelayPayload{AlertPayload: h.payload(messageID), RelayChain: chain(tag, hops), RelayedBy: tag + "-gateway"}
}

const (
	m1 = "5f0c3a52-8a8e-4f3e-9a51-0d6a1b7c2e01"
	m2 = "5f0c3a52-8a8e-4f3e-9a51-0d6a1b7c2e02"
)

func TestSubmitDirectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.SubmitDirect(ctx, h.payload(m1), "submitter-01")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if !first.Created || first.Duplicate {
		t.Fatalf("expected created, got %+v", first)
	}
	if !first.Verified || !first.Alert.IsVerified {
		t.Fatalf("expected verified alert, errors=%v", first.VerificationErrors)
	}
	a := first.Alert
	if a.Status != models.StatusActive || a.HopCount != 0 || a.DeliveredVia != models.DeliveredDirect {
		t.Fatalf("unexpected new alert: %+v", a)
	}
	if want := a.OriginatedAt.Add(DefaultTTL); !a.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", a.ExpiresAt, want)
	}

	second, err := h.svc.SubmitDirect(ctx, h.payload(m1), "submitter-02")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Created || !second.Duplicate {
		t.Fatalf("expected duplicate, got %+v", second)
	}
	if second.Alert.DeliveredBy != "submitter-01" {
		t.Fatalf("duplicate must not change the record, delivered_by=%q", second.Alert.DeliveredBy)
	}
	if n := h.notes.count(fanout.EventNewAlert, ""); n != 1 {
		t.Fatalf("new alert events = %d, want 1", n)
	}
	if len(h.notes.acks) != 2 {
		t.Fatalf("originator acks = %d, want 2", len(h.notes.acks))
	}
	for i, to := range h.notes.ackTo {
		if to != testOriginator || h.notes.acks[i].Status != fanout.AckReceived {
			t.Fatalf("ack %d went to %q with %q", i, to, h.notes.acks[i].Status)
		}
	}
}

func TestDirectThenRelayKeepsDirectPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.SubmitDirect(ctx, h.payload(m1), "submitter-01"); err != nil {
		t.Fatalf("direct: %v", err)
	}
	res, err := h.svc.SubmitRelayed(ctx, h.relayed(m1, "abc", 3), "relay-gw")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !res.Duplicate || res.PathUpdated {
		t.Fatalf("expected untouched duplicate, got %+v", res)
	}
	if res.Alert.HopCount != 0 || len(res.Alert.RelayChain) != 0 || res.Alert.DeliveredVia != models.DeliveredDirect {
		t.Fatalf("direct path must be kept: %+v", res.Alert)
	}
	if h.notes.acks[1].Status != fanout.AckReceivedViaRelay {
		t.Fatalf("relay ack status = %q", h.notes.acks[1].Status)
	}
}

func TestShorterRelayReplacesPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.SubmitRelayed(ctx, h.relayed(m2, "long", 5), "gw-1")
	if err != nil {
		t.Fatalf("first relay: %v", err)
	}
	if first.Alert.DeliveredVia != models.DeliveredMeshRelay || first.Alert.HopCount != 5 {
		t.Fatalf("unexpected relayed alert: %+v", first.Alert)
	}
	second, err := h.svc.SubmitRelayed(ctx, h.relayed(m2, "short", 2), "gw-2")
	if err != nil {
		t.Fatalf("second relay: %v", err)
	}
	if !second.PathUpdated || second.Alert.HopCount != 2 {
		t.Fatalf("expected shorter path stored, got %+v", second)
	}
	if second.Alert.RelayChain[0].DeviceID != "short-hop-0" || len(second.Alert.RelayChain) != 2 {
		t.Fatalf("relay chain not replaced: %+v", second.Alert.RelayChain)
	}
	if n := h.notes.count(fanout.EventNewAlert, ""); n != 1 {
		t.Fatalf("new alert events = %d, want 1", n)
	}
	if n := h.notes.count(fanout.EventUpdate, fanout.UpdateRelayPath); n != 1 {
		t.Fatalf("relay path events = %d, want 1", n)
	}
}

func TestBestPathIsMonotonic(t *testing.T) {
	tests := []struct {
		name     string
		hops     []int
		wantHops int
		wantTag  string
	}{
		{name: "descending", hops: []int{6, 4, 2}, wantHops: 2, wantTag: "s2"},
		{name: "min first", hops: []int{1, 5, 3}, wantHops: 1, wantTag: "s0"},
		{name: "tie keeps first", hops: []int{4, 2, 3, 2}, wantHops: 2, wantTag: "s1"},
		{name: "zero hop relay", hops: []int{3, 0, 1}, wantHops: 0, wantTag: "s1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var last SubmitResult
			for i, n := range tt.hops {
				res, err := h.svc.SubmitRelayed(context.Background(), h.relayed(m2, fmt.Sprintf("s%d", i), n), "gw")
				if err != nil {
					t.Fatalf("submit %d: %v", i, err)
				}
				last = res
			}
			got := last.Alert
			if got.HopCount != tt.wantHops || len(got.RelayChain) != tt.wantHops {
				t.Fatalf("hop_count=%d chain=%d, want %d", got.HopCount, len(got.RelayChain), tt.wantHops)
			}
			if tt.wantHops > 0 && got.RelayChain[0].DeviceID != tt.wantTag+"-hop-0" {
				t.Fatalf("chain from %q, want %q", got.RelayChain[0].DeviceID, tt.wantTag)
			}
			if got.DeliveredVia != models.DeliveredMeshRelay {
				t.Fatalf("delivered_via = %q", got.DeliveredVia)
			}
		})
	}
}

func TestConcurrentRelaysKeepConsistentPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for n := 20; n >= 1; n-- {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := h.svc.SubmitRelayed(ctx, h.relayed(m2, fmt.Sprintf("c%d", n), n), "gw")
			errs <- err
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	got, err := h.svc.Get(ctx, m2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HopCount != 1 || len(got.RelayChain) != 1 || got.RelayChain[0].DeviceID != "c1-hop-0" {
		t.Fatalf("expected the one-hop path, got hop_count=%d chain=%+v", got.HopCount, got.RelayChain)
	}
	if n := h.notes.count(fanout.EventNewAlert, ""); n != 1 {
		t.Fatalf("new alert events = %d, want 1", n)
	}
}

func TestRelayHopCountMustMatchChain(t *testing.T) {
	h := newHarness(t)
	p := h.relayed(m2, "x", 2)
	bad := 3
	p.HopCount = &bad
	_, err := h.svc.SubmitRelayed(context.Background(), p, "gw")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.svc.Get(context.Background(), m2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("invalid submission must not be stored, got %v", err)
	}
}

func TestSubmitRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		mutate func(*AlertPayload)
	}{
		{name: "missing location", mutate: func(p *AlertPayload) { p.Location = nil }},
		{name: "bad emergency type", mutate: func(p *AlertPayload) { p.EmergencyType = "alien" }},
		{name: "oversized message", mutate: func(p *AlertPayload) { p.Message = strings.Repeat("a", 501) }},
		{name: "latitude out of range", mutate: func(p *AlertPayload) { p.Location.Latitude = ptr(91) }},
		{name: "bad message id", mutate: func(p *AlertPayload) { p.MessageID = "not-a-uuid" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := h.payload(m1)
			tt.mutate(&p)
			if _, err := h.svc.SubmitDirect(context.Background(), p, "dev"); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUnverifiedAlertIsStored(t *testing.T) {
	h := newHarness(t)
	p := h.payload(m1)
	p.Signature = "deadbeef"
	p.AppSignature = "forged"

	res, err := h.svc.SubmitDirect(context.Background(), p, "dev")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Verified || len(res.VerificationErrors) != 2 {
		t.Fatalf("expected two verification errors, got %v", res.VerificationErrors)
	}
	got, err := h.svc.Get(context.Background(), m1)
	if err != nil {
		t.Fatalf("unverified alert must be retrievable: %v", err)
	}
	if got.IsVerified || got.VerificationErrors[0] != verify.ErrMsgAppSignature {
		t.Fatalf("stored verification state wrong: %+v", got)
	}
}

func TestUppercaseMessageIDVerifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	upper := strings.ToUpper(m1)
	p := h.payload(upper)
	p.Signature = h.verifier.SignMessage(verify.Message{
		MessageID:          upper,
		OriginatorDeviceID: p.OriginatorDeviceID,
		EmergencyType:      p.EmergencyType,
		Priority:           p.Priority,
		Latitude:           p.Location.Latitude,
		Longitude:          p.Location.Longitude,
		Message:            p.Message,
		OriginatedAt:       p.OriginatedAt,
	})

	res, err := h.svc.SubmitDirect(ctx, p, "dev")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Verified || !res.Alert.IsVerified {
		t.Fatalf("uppercase id signed as sent must verify, errors=%v", res.VerificationErrors)
	}
	if res.Alert.MessageID != m1 {
		t.Fatalf("stored id = %q, want %q", res.Alert.MessageID, m1)
	}

	relay := RelayPayload{AlertPayload: p, RelayChain: chain("r", 2)}
	dup, err := h.svc.SubmitRelayed(ctx, relay, "gw")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !dup.Duplicate || dup.Alert.MessageID != m1 {
		t.Fatalf("uppercase relay must dedup onto the stored alert: %+v", dup)
	}
}

func TestAcknowledgeThenCancelConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitRelayed(ctx, h.relayed(m2, "r", 5), "gw"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	acked, err := h.svc.Acknowledge(ctx, m2, "resp-1", models.ResponderOfficial)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != models.StatusAcknowledged || acked.AcknowledgedAt == nil || len(acked.Responders) != 1 {
		t.Fatalf("unexpected acknowledged alert: %+v", acked)
	}
	_, err = h.svc.Cancel(ctx, m2, testOriginator)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonNotActive {
		t.Fatalf("expected not-active conflict, got %v", err)
	}
	if errors.Is(err, ErrNotOriginator) {
		t.Fatalf("originator must not get an authorization error")
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitDirect(ctx, h.payload(m1), "dev"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.svc.Acknowledge(ctx, m1, "resp-1", ""); err != nil {
			t.Fatalf("acknowledge %d: %v", i, err)
		}
	}
	got, err := h.svc.Acknowledge(ctx, m1, "resp-2", models.ResponderEmergencyService)
	if err != nil {
		t.Fatalf("second responder: %v", err)
	}
	if len(got.Responders) != 2 || got.Responders[0].Type != models.ResponderUser {
		t.Fatalf("unexpected responders: %+v", got.Responders)
	}
	if n := h.notes.count(fanout.EventUpdate, fanout.UpdateAcknowledged); n != 2 {
		t.Fatalf("acknowledged events = %d, want 2", n)
	}
}

func TestCancelRequiresOriginator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitDirect(ctx, h.payload(m1), "dev"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.svc.Cancel(ctx, m1, "device-stranger-9"); !errors.Is(err, ErrNotOriginator) {
		t.Fatalf("expected not-originator error, got %v", err)
	}
	got, _ := h.svc.Get(ctx, m1)
	if got.Status != models.StatusActive {
		t.Fatalf("alert must stay active, got %q", got.Status)
	}
	cancelled, err := h.svc.Cancel(ctx, m1, testOriginator)
	if err != nil {
		t.Fatalf("cancel by originator: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled alert: %+v", cancelled)
	}
}

func TestResolveFromActiveIsAllowed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitDirect(ctx, h.payload(m1), "dev"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := h.svc.Resolve(ctx, m1, "false alarm")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != models.StatusResolved || got.ResolvedAt == nil || got.VerificationNotes != "false alarm" {
		t.Fatalf("unexpected resolved alert: %+v", got)
	}
}

func TestTerminalAlertIsImmutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitRelayed(ctx, h.relayed(m2, "r", 5), "gw"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.svc.Acknowledge(ctx, m2, "resp-1", models.ResponderOfficial); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	resolved, err := h.svc.Resolve(ctx, m2, "rescued")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	res, err := h.svc.SubmitRelayed(ctx, h.relayed(m2, "late", 1), "gw")
	if err != nil {
		t.Fatalf("late relay must succeed: %v", err)
	}
	if res.PathUpdated || res.Alert.HopCount != 5 || res.Alert.Version != resolved.Version {
		t.Fatalf("terminal alert changed: %+v", res.Alert)
	}
	if _, err := h.svc.SubmitDirect(ctx, h.payload(m2), "dev"); err != nil {
		t.Fatalf("late direct must succeed: %v", err)
	}
	if _, err := h.svc.Acknowledge(ctx, m2, "resp-2", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("acknowledge on resolved: %v", err)
	}
	if _, err := h.svc.Resolve(ctx, m2, "again"); !errors.Is(err, ErrConflict) {
		t.Fatalf("resolve on resolved: %v", err)
	}
	got, _ := h.svc.Get(ctx, m2)
	if got.Status != models.StatusResolved || got.Version != resolved.Version {
		t.Fatalf("resolved alert mutated: %+v", got)
	}
}

func TestExpiredAlertIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitRelayed(ctx, h.relayed(m1, "r", 5), "gw"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.now = h.now.Add(DefaultTTL)

	got, err := h.svc.Get(ctx, m1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusExpired || !got.IsExpired {
		t.Fatalf("expected expired view, got %q", got.Status)
	}
	if _, err := h.svc.Acknowledge(ctx, m1, "resp-1", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("acknowledge on expired: %v", err)
	}
	if _, err := h.svc.Resolve(ctx, m1, "too late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("resolve on expired: %v", err)
	}
	if _, err := h.svc.Cancel(ctx, m1, testOriginator); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel on expired: %v", err)
	}
	relayed, err := h.svc.SubmitRelayed(ctx, h.relayed(m1, "late", 1), "gw")
	if err != nil {
		t.Fatalf("late relay must succeed: %v", err)
	}
	if relayed.PathUpdated || relayed.Alert.HopCount != 5 {
		t.Fatalf("expired alert path changed: %+v", relayed.Alert)
	}
	page, err := h.svc.Active(ctx, 0, 0)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("expired alert listed as active")
	}

	n, err := h.svc.ExpireDue(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expire due = %d, %v", n, err)
	}
	stored, _ := h.alerts.FindByMessageID(ctx, m1)
	if stored.Status != models.StatusExpired {
		t.Fatalf("stored status = %q", stored.Status)
	}
	if c := h.notes.count(fanout.EventUpdate, fanout.UpdateExpired); c != 1 {
		t.Fatalf("expired events = %d", c)
	}
}

func TestRespondAndArrive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitDirect(ctx, h.payload(m1), "dev"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.svc.Respond(ctx, m1, "unit-7", models.ResponderEmergencyService); err != nil {
		t.Fatalf("respond: %v", err)
	}
	got, err := h.svc.MarkArrived(ctx, m1, "unit-7")
	if err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if got.Status != models.StatusResponding || got.Responders[0].ArrivedAt == nil {
		t.Fatalf("unexpected alert: %+v", got)
	}
	if _, err := h.svc.Cancel(ctx, m1, testOriginator); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel while responding: %v", err)
	}
}

func TestUnknownAlert(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Acknowledge(context.Background(), m1, "resp", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.svc.Cancel(context.Background(), m1, testOriginator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type brokenStore struct {
	store.AlertStore
}

func (brokenStore) FindByMessageID(context.Context, string) (models.Alert, error) {
	return models.Alert{}, errors.New("connection refused")
}

func TestStorageFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	h.svc.store = brokenStore{AlertStore: h.alerts}
	_, err := h.svc.SubmitDirect(context.Background(), h.payload(m1), "dev")
	if !errors.Is(err, ErrTransientStorage) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

type memCache struct {
	sets int
	data map[string]store.Stats
}

func (c *memCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	v, ok := c.data[key]
	if ok {
		*dest.(*store.Stats) = v
	}
	return ok, nil
}

func (c *memCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	c.sets++
	c.data[key] = value.(store.Stats)
	return nil
}

func TestStatsAreCached(t *testing.T) {
	h := newHarness(t)
	cache := &memCache{data: map[string]store.Stats{}}
	h.svc.statsCache = cache
	ctx := context.Background()
	if _, err := h.svc.SubmitDirect(ctx, h.payload(m1), "dev"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 2; i++ {
		st, err := h.svc.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if st.Active != 1 || st.ByType["medical"] != 1 {
			t.Fatalf("unexpected stats: %+v", st)
		}
	}
	if cache.sets != 1 {
		t.Fatalf("cache writes = %d, want 1", cache.sets)
	}
}

func TestNearbyUsesBoundingBox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitDirect(ctx, h.payload(m1), "dev"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	near, err := h.svc.Nearby(ctx, 37.78, -122.41, 5)
	if err != nil || len(near) != 1 {
		t.Fatalf("nearby = %d, %v", len(near), err)
	}
	far, err := h.svc.Nearby(ctx, 40.71, -74.0, 50)
	if err != nil || len(far) != 0 {
		t.Fatalf("far = %d, %v", len(far), err)
	}
	if _, err := h.svc.Nearby(ctx, 95, 0, 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVerifySOSDoesNotStore(t *testing.T) {
	h := newHarness(t)
	res := h.svc.VerifySOS(context.Background(), h.payload(m1))
	if !res.IsValid {
		t.Fatalf("expected valid, got %v", res.Errors)
	}
	if _, err := h.svc.Get(context.Background(), m1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("verify must not store, got %v", err)
	}
}
