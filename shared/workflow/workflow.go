package workflow

import "strings"

const (
	AlertStatusActive       = "active"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResponding   = "responding"
	AlertStatusResolved     = "resolved"
	AlertStatusCancelled    = "cancelled"
	AlertStatusExpired      = "expired"
)

const (
	AlertEventAcknowledged = "sos_acknowledged"
	AlertEventResponding   = "sos_responding"
	AlertEventResolved     = "sos_resolved"
	AlertEventCancelled    = "sos_cancelled"
	AlertEventExpired      = "sos_expired"
)

var alertTransitions = map[string]map[string]string{
	AlertStatusActive: {
		AlertStatusAcknowledged: AlertEventAcknowledged,
		AlertStatusResponding:   AlertEventResponding,
		AlertStatusResolved:     AlertEventResolved,
		AlertStatusCancelled:    AlertEventCancelled,
		AlertStatusExpired:      AlertEventExpired,
	},
	AlertStatusAcknowledged: {
		AlertStatusResponding: AlertEventResponding,
		AlertStatusResolved:   AlertEventResolved,
		AlertStatusExpired:    AlertEventExpired,
	},
	AlertStatusResponding: {
		AlertStatusResolved: AlertEventResolved,
		AlertStatusExpired:  AlertEventExpired,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// CanTransition reports whether an alert may move from one status to another.
// Staying in the same non-terminal status is allowed.
func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return !IsTerminal(fromStatus) && IsKnown(fromStatus)
	}
	next := alertTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := alertTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func IsTerminal(status string) bool {
	switch NormalizeStatus(status) {
	case AlertStatusResolved, AlertStatusCancelled, AlertStatusExpired:
		return true
	default:
		return false
	}
}

func IsKnown(status string) bool {
	for _, s := range AllAlertStatuses() {
		if s == NormalizeStatus(status) {
			return true
		}
	}
	return false
}

// OpenStatuses are the statuses an alert can hold before it reaches a terminal state.
func OpenStatuses() []string {
	return []string{AlertStatusActive, AlertStatusAcknowledged, AlertStatusResponding}
}

func AllAlertStatuses() []string {
	return []string{
		AlertStatusActive,
		AlertStatusAcknowledged,
		AlertStatusResponding,
		AlertStatusResolved,
		AlertStatusCancelled,
		AlertStatusExpired,
	}
}
