package sos

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"sos-mesh-relay/api/internal/fanout"
	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/validation"
	"sos-mesh-relay/shared/metricsx"
	"sos-mesh-relay/shared/workflow"
)

const maxNotesLength = 1000

type responderInput struct {
	MessageID   string `json:"message_id" validate:"required,uuid"`
	ResponderID string `json:"responder_id" validate:"required,max=128"`
	Type        string `json:"responder_type" validate:"omitempty,oneof=user official emergency_service"`
}

func normalizeID(messageID string) string {
	return strings.ToLower(strings.TrimSpace(messageID))
}

func (in responderInput) normalized() responderInput {
	in.MessageID = normalizeID(in.MessageID)
	in.ResponderID = strings.TrimSpace(in.ResponderID)
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		in.Type = models.ResponderUser
	}
	return in
}

// change is one guarded edit of an alert. apply mutates a in place and reports
// whether anything changed; a returned error leaves the alert untouched.
type change struct {
	op     string
	update string
	ack    string
	apply  func(a *models.Alert, now time.Time) (bool, error)
}

func (s *Service) applyChange(ctx context.Context, messageID string, c change) (models.Alert, error) {
	ctx, span := tracer.Start(ctx, "sos."+c.op)
	defer span.End()

	var (
		out    models.Alert
		from   string
		notes  []notification
		edited bool
	)
	err := s.withLock(ctx, messageID, func() error {
		now := s.clock()
		saved, changed, err := s.mutate(ctx, messageID, func(a models.Alert) (models.Alert, bool, error) {
			from = a.Status
			ok, err := c.apply(&a, now)
			if err != nil || !ok {
				return a, false, err
			}
			a.UpdatedAt = now
			return a, true, nil
		})
		if err != nil {
			return err
		}
		out = saved.View(now)
		edited = changed
		if !changed {
			return nil
		}
		notes = append(notes, eventNote(fanout.EventUpdate, c.update, out, now))
		if c.ack != "" && from != out.Status {
			notes = append(notes, ackNote(out, c.ack, now))
		}
		return nil
	})
	recordSpan(span, messageID, err)
	if err != nil {
		return models.Alert{}, err
	}
	if edited && from != out.Status {
		metricsx.IncTransition(out.Status)
		s.logger.Info(ctx, "sos_status_changed", "alert status changed",
			slog.String("message_id", messageID),
			slog.String("from", from),
			slog.String("to", out.Status),
			slog.String("event_type", workflow.EventTypeForTransition(from, out.Status)),
		)
	}
	s.dispatch(ctx, notes)
	return out, nil
}

func terminalConflict(a *models.Alert, now time.Time) error {
	status := a.EffectiveStatus(now)
	if workflow.IsTerminal(status) {
		return &ConflictError{MessageID: a.MessageID, Status: status, Reason: ReasonTerminal}
	}
	return nil
}

func moveTo(a *models.Alert, now time.Time, to string) error {
	if err := terminalConflict(a, now); err != nil {
		return err
	}
	if !workflow.CanTransition(a.Status, to) {
		return &ConflictError{MessageID: a.MessageID, Status: a.Status, Reason: ReasonNotActive}
	}
	a.Status = to
	return nil
}

func addResponder(a *models.Alert, in responderInput, now time.Time) bool {
	if a.HasResponder(in.ResponderID) {
		return false
	}
	ackAt := now
	a.Responders = append(a.Responders, models.Responder{
		ResponderID:    in.ResponderID,
		Type:           in.Type,
		AssignedAt:     now,
		AcknowledgedAt: &ackAt,
	})
	return true
}

// Acknowledge moves an active alert to acknowledged. Acknowledging an alert
// that is already acknowledged or being responded to succeeds and only adds
// the responder if it is new.
func (s *Service) Acknowledge(ctx context.Context, messageID string, responderID string, responderType string) (models.Alert, error) {
	in := responderInput{MessageID: messageID, ResponderID: responderID, Type: responderType}.normalized()
	if err := validation.Struct(in); err != nil {
		return models.Alert{}, err
	}
	return s.applyChange(ctx, in.MessageID, change{
		op:     "Acknowledge",
		update: fanout.UpdateAcknowledged,
		ack:    fanout.AckAcknowledged,
		apply: func(a *models.Alert, now time.Time) (bool, error) {
			if err := terminalConflict(a, now); err != nil {
				return false, err
			}
			added := addResponder(a, in, now)
			if a.Status != models.StatusActive {
				return added, nil
			}
			a.Status = models.StatusAcknowledged
			a.AcknowledgedAt = &now
			return true, nil
		},
	})
}

// Respond records that a responder is on the way.
func (s *Service) Respond(ctx context.Context, messageID string, responderID string, responderType string) (models.Alert, error) {
	in := responderInput{MessageID: messageID, ResponderID: responderID, Type: responderType}.normalized()
	if err := validation.Struct(in); err != nil {
		return models.Alert{}, err
	}
	return s.applyChange(ctx, in.MessageID, change{
		op:     "Respond",
		update: fanout.UpdateResponding,
		apply: func(a *models.Alert, now time.Time) (bool, error) {
			before := a.Status
			if err := moveTo(a, now, models.StatusResponding); err != nil {
				return false, err
			}
			if a.AcknowledgedAt == nil {
				a.AcknowledgedAt = &now
			}
			added := addResponder(a, in, now)
			return added || before != a.Status, nil
		},
	})
}

// MarkArrived stamps arrived_at for a responder, adding it if unknown, and
// puts the alert in responding.
func (s *Service) MarkArrived(ctx context.Context, messageID string, responderID string) (models.Alert, error) {
	in := responderInput{MessageID: messageID, ResponderID: responderID}.normalized()
	if err := validation.Struct(in); err != nil {
		return models.Alert{}, err
	}
	return s.applyChange(ctx, in.MessageID, change{
		op:     "MarkArrived",
		update: fanout.UpdateArrived,
		apply: func(a *models.Alert, now time.Time) (bool, error) {
			before := a.Status
			if err := moveTo(a, now, models.StatusResponding); err != nil {
				return false, err
			}
			if a.AcknowledgedAt == nil {
				a.AcknowledgedAt = &now
			}
			changed := addResponder(a, in, now) || before != a.Status
			for i := range a.Responders {
				r := &a.Responders[i]
				if r.ResponderID == in.ResponderID && r.ArrivedAt == nil {
					arrived := now
					r.ArrivedAt = &arrived
					changed = true
				}
			}
			return changed, nil
		},
	})
}

// Resolve closes an alert from any open status, active included.
func (s *Service) Resolve(ctx context.Context, messageID string, notes string) (models.Alert, error) {
	id := normalizeID(messageID)
	if err := validation.Struct(struct {
		MessageID string `json:"message_id" validate:"required,uuid"`
	}{id}); err != nil {
		return models.Alert{}, err
	}
	notes = strings.TrimSpace(notes)
	if len(notes) > maxNotesLength {
		return models.Alert{}, validation.Fail("notes", "must be at most 1000 characters")
	}
	return s.applyChange(ctx, id, change{
		op:     "Resolve",
		update: fanout.UpdateResolved,
		ack:    fanout.AckResolved,
		apply: func(a *models.Alert, now time.Time) (bool, error) {
			if err := moveTo(a, now, models.StatusResolved); err != nil {
				return false, err
			}
			a.ResolvedAt = &now
			if notes != "" {
				a.VerificationNotes = notes
			}
			return true, nil
		},
	})
}

// Cancel withdraws an alert. Only the originating device may cancel, and only
// while the alert is still active.
func (s *Service) Cancel(ctx context.Context, messageID string, callerDeviceID string) (models.Alert, error) {
	id := normalizeID(messageID)
	caller := strings.TrimSpace(callerDeviceID)
	if err := validation.Struct(struct {
		MessageID string `json:"message_id" validate:"required,uuid"`
		DeviceID  string `json:"device_id" validate:"required"`
	}{id, caller}); err != nil {
		return models.Alert{}, err
	}
	return s.applyChange(ctx, id, change{
		op:     "Cancel",
		update: fanout.UpdateCancelled,
		apply: func(a *models.Alert, now time.Time) (bool, error) {
			if a.OriginatorDeviceID != caller {
				return false, &ConflictError{MessageID: a.MessageID, Status: a.EffectiveStatus(now), Reason: ReasonNotOriginator}
			}
			if err := terminalConflict(a, now); err != nil {
				return false, err
			}
			if a.Status != models.StatusActive {
				return false, &ConflictError{MessageID: a.MessageID, Status: a.Status, Reason: ReasonNotActive}
			}
			a.Status = models.StatusCancelled
			a.CancelledAt = &now
			return true, nil
		},
	})
}

// ExpireDue persists the expired status for open alerts past expires_at. It
// returns how many alerts it expired.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	due, err := s.store.FindDueForExpiry(ctx, s.clock(), limit)
	if err != nil {
		return 0, &TransientError{Op: "find_due", Err: err}
	}
	expired := 0
	for _, alert := range due {
		out, err := s.applyChange(ctx, alert.MessageID, change{
			op:     "Expire",
			update: fanout.UpdateExpired,
			apply: func(a *models.Alert, now time.Time) (bool, error) {
				if workflow.IsTerminal(a.Status) || !now.After(a.ExpiresAt) {
					return false, nil
				}
				a.Status = models.StatusExpired
				return true, nil
			},
		})
		if err != nil {
			s.logger.Warn(ctx, "sos_expire_failed", "could not expire alert",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("message_id", alert.MessageID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if out.Status == models.StatusExpired {
			expired++
		}
	}
	return expired, nil
}
