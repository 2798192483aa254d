package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{AlertStatusActive, AlertStatusAcknowledged, true},
		{AlertStatusActive, AlertStatusResolved, true},
		{AlertStatusActive, AlertStatusCancelled, true},
		{AlertStatusAcknowledged, AlertStatusResponding, true},
		{AlertStatusAcknowledged, AlertStatusCancelled, false},
		{AlertStatusAcknowledged, AlertStatusActive, false},
		{AlertStatusResponding, AlertStatusAcknowledged, false},
		{AlertStatusResponding, AlertStatusExpired, true},
		{AlertStatusResolved, AlertStatusActive, false},
		{AlertStatusResolved, AlertStatusResolved, false},
		{AlertStatusExpired, AlertStatusResolved, false},
		{" Acknowledged ", "acknowledged", true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if ev := EventTypeForTransition(AlertStatusActive, AlertStatusAcknowledged); ev != AlertEventAcknowledged {
		t.Fatalf("expected %q, got %q", AlertEventAcknowledged, ev)
	}
	if ev := EventTypeForTransition(AlertStatusCancelled, AlertStatusActive); ev != "" {
		t.Fatalf("expected no event from terminal state, got %q", ev)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range AllAlertStatuses() {
		want := s == AlertStatusResolved || s == AlertStatusCancelled || s == AlertStatusExpired
		if IsTerminal(s) != want {
			t.Fatalf("IsTerminal(%q) = %v", s, !want)
		}
	}
}
