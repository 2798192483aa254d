// Package relay keeps the best known mesh delivery path for an alert.
package relay

import (
	"context"
	"time"

	"sos-mesh-relay/api/internal/models"
)

const (
	ReasonShorterPath = "shorter_path"
	ReasonNotShorter  = "not_shorter"
	ReasonTerminal    = "terminal"
)

type Decision struct {
	Replace bool
	Reason  string
}

// Directory answers whether a relay device id is one the registry has seen.
// It is consulted for plausibility only.
type Directory interface {
	Known(ctx context.Context, deviceID string) (bool, error)
}

type Tracker struct {
	dir Directory
}

func NewTracker(dir Directory) *Tracker {
	return &Tracker{dir: dir}
}

// Decide replaces the stored path only when the incoming copy is strictly
// shorter and the alert is still open. Equal hop counts keep the stored chain.
func (t *Tracker) Decide(stored models.Alert, incomingHopCount int, now time.Time) Decision {
	if stored.TerminalAt(now) {
		return Decision{Reason: ReasonTerminal}
	}
	if incomingHopCount < stored.HopCount {
		return Decision{Replace: true, Reason: ReasonShorterPath}
	}
	return Decision{Reason: ReasonNotShorter}
}

// Apply swaps hop count and chain wholesale. The returned alert shares no
// memory with chain.
func Apply(stored models.Alert, hopCount int, chain []models.RelayHop) models.Alert {
	out := stored.Clone()
	out.HopCount = hopCount
	out.RelayChain = append(make([]models.RelayHop, 0, len(chain)), chain...)
	return out
}

// UnknownRelays lists chain entries the directory does not recognise. Lookup
// failures are treated as known.
func (t *Tracker) UnknownRelays(ctx context.Context, chain []models.RelayHop) []string {
	if t == nil || t.dir == nil {
		return nil
	}
	var unknown []string
	seen := make(map[string]bool, len(chain))
	for _, hop := range chain {
		if hop.DeviceID == "" || seen[hop.DeviceID] {
			continue
		}
		seen[hop.DeviceID] = true
		ok, err := t.dir.Known(ctx, hop.DeviceID)
		if err == nil && !ok {
			unknown = append(unknown, hop.DeviceID)
		}
	}
	return unknown
}
