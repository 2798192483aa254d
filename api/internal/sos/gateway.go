package sos

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sos-mesh-relay/api/internal/fanout"
	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/relay"
	"sos-mesh-relay/api/internal/store"
	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/metricsx"
)

const (
	channelDirect = "direct"
	channelRelay  = "relay"
)

// SubmitResult describes what a submission did. Alert is always the stored
// record as of the end of the call.
type SubmitResult struct {
	Alert              models.Alert
	Created            bool
	Duplicate          bool
	PathUpdated        bool
	Verified           bool
	VerificationErrors []string
}

type submission struct {
	channel     string
	payload     AlertPayload
	hopCount    int
	chain       []models.RelayHop
	deliveredBy string
}

// SubmitDirect ingests an alert sent straight from a connected device.
func (s *Service) SubmitDirect(ctx context.Context, payload AlertPayload, submittingDeviceID string) (SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "sos.SubmitDirect")
	defer span.End()

	p := payload.normalized()
	if err := p.validate(); err != nil {
		metricsx.IncSubmission(channelDirect, "invalid")
		return SubmitResult{}, err
	}
	res, err := s.submit(ctx, submission{
		channel:     channelDirect,
		payload:     p,
		deliveredBy: strings.TrimSpace(submittingDeviceID),
	})
	recordSpan(span, p.MessageID, err)
	return res, err
}

// SubmitRelayed ingests a copy that reached the server through the mesh.
// Duplicates go through the relay path tracker instead of being ignored.
func (s *Service) SubmitRelayed(ctx context.Context, payload RelayPayload, relayingDeviceID string) (SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "sos.SubmitRelayed")
	defer span.End()

	payload.AlertPayload = payload.AlertPayload.normalized()
	if err := payload.validate(); err != nil {
		metricsx.IncSubmission(channelRelay, "invalid")
		return SubmitResult{}, err
	}
	hops, chain, err := payload.path()
	if err != nil {
		metricsx.IncSubmission(channelRelay, "invalid")
		return SubmitResult{}, err
	}
	deliveredBy := strings.TrimSpace(relayingDeviceID)
	if deliveredBy == "" {
		deliveredBy = strings.TrimSpace(payload.RelayedBy)
	}
	span.SetAttributes(attribute.Int("sos.hop_count", hops))
	res, err := s.submit(ctx, submission{
		channel:     channelRelay,
		payload:     payload.AlertPayload,
		hopCount:    hops,
		chain:       chain,
		deliveredBy: deliveredBy,
	})
	recordSpan(span, payload.MessageID, err)
	return res, err
}

func (s *Service) submit(ctx context.Context, sub submission) (SubmitResult, error) {
	p := sub.payload
	check := s.verifySubmission(ctx, p)
	if sub.channel == channelRelay {
		if unknown := s.tracker.UnknownRelays(ctx, sub.chain); len(unknown) > 0 {
			metricsx.AddUnknownRelays(len(unknown))
			s.logger.Warn(ctx, "sos_unknown_relays", "relay chain lists unregistered devices",
				slog.String("message_id", p.MessageID),
				slog.String("relays", strings.Join(unknown, ",")),
			)
		}
	}

	var (
		result SubmitResult
		notes  []notification
	)
	err := s.withLock(ctx, p.MessageID, func() error {
		now := s.clock()
		existing, err := s.store.FindByMessageID(ctx, p.MessageID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			stored, created, err := s.store.Create(ctx, s.newAlert(sub, check, now))
			if err != nil {
				return &TransientError{Op: "create", Err: err}
			}
			if created {
				view := stored.View(now)
				result = SubmitResult{Alert: view, Created: true}
				notes = append(notes, eventNote(fanout.EventNewAlert, "", view, now))
				return nil
			}
			existing = stored
		default:
			return &TransientError{Op: "find", Err: err}
		}

		result = SubmitResult{Alert: existing.View(now), Duplicate: true}
		if sub.channel != channelRelay {
			return nil
		}
		updated, changed, err := s.mutate(ctx, p.MessageID, func(a models.Alert) (models.Alert, bool, error) {
			if !s.tracker.Decide(a, sub.hopCount, now).Replace {
				return a, false, nil
			}
			next := relay.Apply(a, sub.hopCount, sub.chain)
			next.UpdatedAt = now
			return next, true, nil
		})
		if err != nil {
			return err
		}
		result.Alert = updated.View(now)
		if changed {
			result.PathUpdated = true
			notes = append(notes, eventNote(fanout.EventUpdate, fanout.UpdateRelayPath, result.Alert, now))
		}
		return nil
	})
	if err != nil {
		metricsx.IncSubmission(sub.channel, "error")
		s.logger.Error(ctx, "sos_submit_failed", "alert submission failed",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("message_id", p.MessageID),
			slog.String("channel", sub.channel),
			slog.String("error", err.Error()),
		)
		return SubmitResult{}, err
	}

	result.Verified = check.IsValid
	result.VerificationErrors = check.Errors
	s.logSubmission(ctx, sub, result)

	ack := fanout.AckReceived
	if sub.channel == channelRelay {
		ack = fanout.AckReceivedViaRelay
	}
	notes = append(notes, ackNote(result.Alert, ack, s.clock()))
	s.dispatch(ctx, notes)
	return result, nil
}

// verifySubmission runs the signature checks. A key lookup failure falls back
// to the shared-secret scheme.
func (s *Service) verifySubmission(ctx context.Context, p AlertPayload) verify.Result {
	publicKey := ""
	if s.keys != nil {
		key, err := s.keys.PublicKey(ctx, p.OriginatorDeviceID)
		if err != nil {
			s.logger.Debug(ctx, "sos_public_key_lookup_failed", "falling back to shared secret",
				slog.String("device_id", p.OriginatorDeviceID),
				slog.String("error", err.Error()),
			)
		} else {
			publicKey = key
		}
	}
	res := s.verifier.VerifySOS(p.message(), publicKey)
	if !res.IsValid {
		metricsx.IncVerificationFailure()
		s.logger.Warn(ctx, "sos_verification_failed", "alert failed verification and is stored unverified",
			slog.String("message_id", p.MessageID),
			slog.String("originator_device_id", p.OriginatorDeviceID),
			slog.String("errors", strings.Join(res.Errors, "; ")),
		)
	}
	return res
}

func (s *Service) newAlert(sub submission, check verify.Result, now time.Time) models.Alert {
	p := sub.payload
	via := models.DeliveredDirect
	if sub.channel == channelRelay {
		via = models.DeliveredMeshRelay
	}
	chain := sub.chain
	if chain == nil {
		chain = []models.RelayHop{}
	}
	originated := p.OriginatedAt.UTC()
	return models.Alert{
		MessageID:          p.MessageID,
		OriginatorDeviceID: p.OriginatorDeviceID,
		EmergencyType:      p.EmergencyType,
		Priority:           p.priority(),
		Location:           p.location(),
		Message:            p.Message,
		Signature:          p.Signature,
		AppSignature:       p.AppSignature,
		Status:             models.StatusActive,
		HopCount:           sub.hopCount,
		RelayChain:         chain,
		DeliveredBy:        sub.deliveredBy,
		DeliveredVia:       via,
		IsVerified:         check.IsValid,
		VerificationErrors: check.Errors,
		Responders:         []models.Responder{},
		Metadata:           p.Metadata,
		OriginatedAt:       originated,
		ReceivedAt:         now,
		ExpiresAt:          originated.Add(s.ttl),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (s *Service) logSubmission(ctx context.Context, sub submission, res SubmitResult) {
	attrs := []slog.Attr{
		slog.String("message_id", res.Alert.MessageID),
		slog.String("channel", sub.channel),
		slog.Int("hop_count", res.Alert.HopCount),
		slog.String("status", res.Alert.Status),
	}
	switch {
	case res.Created:
		metricsx.IncSubmission(sub.channel, "created")
		s.logger.Info(ctx, "sos_alert_created", "alert created",
			append(attrs,
				slog.String("emergency_type", res.Alert.EmergencyType),
				slog.String("priority", res.Alert.Priority),
				slog.Bool("is_verified", res.Alert.IsVerified),
			)...)
	case res.PathUpdated:
		metricsx.IncSubmission(sub.channel, "path_updated")
		metricsx.IncRelayPathUpdate()
		s.logger.Info(ctx, "sos_relay_path_updated", "shorter relay path stored", attrs...)
	default:
		metricsx.IncSubmission(sub.channel, "duplicate")
		s.logger.Debug(ctx, "sos_alert_duplicate", "alert already received",
			append(attrs, slog.Int("incoming_hop_count", sub.hopCount))...)
	}
}

// mutate applies fn to the latest stored alert and writes the result with a
// version check, re-reading on conflict. fn reports whether it changed anything.
func (s *Service) mutate(ctx context.Context, messageID string, fn func(models.Alert) (models.Alert, bool, error)) (models.Alert, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.store.FindByMessageID(ctx, messageID)
		if err != nil {
			return models.Alert{}, false, storeErr("find", err)
		}
		next, changed, err := fn(current.Clone())
		if err != nil {
			return current, false, err
		}
		if !changed {
			return current, false, nil
		}
		saved, err := s.store.Update(ctx, next)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return current, false, storeErr("update", err)
		}
		return saved, true, nil
	}
	return models.Alert{}, false, &TransientError{Op: "update", Err: store.ErrVersionConflict}
}

func recordSpan(span trace.Span, messageID string, err error) {
	span.SetAttributes(attribute.String("sos.message_id", messageID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
