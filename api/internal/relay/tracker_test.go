package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"sos-mesh-relay/api/internal/models"
)

func chain(ids ...string) []models.RelayHop {
	out := make([]models.RelayHop, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.RelayHop{DeviceID: id, Timestamp: time.Unix(0, 0).UTC()})
	}
	return out
}

func TestDecide(t *testing.T) {
	now := time.Now().UTC()
	open := models.Alert{Status: models.StatusActive, HopCount: 3, RelayChain: chain("a", "b", "c"), ExpiresAt: now.Add(time.Hour)}

	cases := []struct {
		name     string
		stored   models.Alert
		incoming int
		replace  bool
		reason   string
	}{
		{"shorter replaces", open, 2, true, ReasonShorterPath},
		{"tie keeps stored", open, 3, false, ReasonNotShorter},
		{"longer keeps stored", open, 5, false, ReasonNotShorter},
		{"acknowledged still improves", withStatus(open, models.StatusAcknowledged), 1, true, ReasonShorterPath},
		{"resolved is frozen", withStatus(open, models.StatusResolved), 0, false, ReasonTerminal},
		{"expired by time is frozen", expired(open, now), 0, false, ReasonTerminal},
	}
	tr := NewTracker(nil)
	for _, tc := range cases {
		d := tr.Decide(tc.stored, tc.incoming, now)
		if d.Replace != tc.replace || d.Reason != tc.reason {
			t.Fatalf("%s: got %+v", tc.name, d)
		}
	}
}

func withStatus(a models.Alert, status string) models.Alert {
	a.Status = status
	return a
}

func expired(a models.Alert, now time.Time) models.Alert {
	a.ExpiresAt = now.Add(-time.Second)
	return a
}

func TestApplyCopiesChain(t *testing.T) {
	stored := models.Alert{HopCount: 3, RelayChain: chain("a", "b", "c")}
	incoming := chain("x", "y")
	out := Apply(stored, 2, incoming)
	if out.HopCount != 2 || len(out.RelayChain) != 2 || out.RelayChain[0].DeviceID != "x" {
		t.Fatalf("unexpected result %+v", out)
	}
	incoming[0].DeviceID = "mutated"
	if out.RelayChain[0].DeviceID != "x" {
		t.Fatalf("applied chain aliases caller slice")
	}
	if len(stored.RelayChain) != 3 {
		t.Fatalf("stored alert modified")
	}
}

type fakeDirectory map[string]bool

func (f fakeDirectory) Known(_ context.Context, id string) (bool, error) {
	if id == "broken" {
		return false, errors.New("lookup failed")
	}
	return f[id], nil
}

func TestUnknownRelays(t *testing.T) {
	tr := NewTracker(fakeDirectory{"a": true})
	got := tr.UnknownRelays(context.Background(), chain("a", "ghost", "ghost", "broken"))
	if len(got) != 1 || got[0] != "ghost" {
		t.Fatalf("expected [ghost], got %v", got)
	}
	if NewTracker(nil).UnknownRelays(context.Background(), chain("x")) != nil {
		t.Fatalf("expected nil without a directory")
	}
}
