// Package sos is the alert ingestion pipeline: the deduplication gateway that
// creates and merges alerts, and the lifecycle operations that move them
// through their states. All writes for one message id are serialized.
package sos

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"sos-mesh-relay/api/internal/fanout"
	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/relay"
	"sos-mesh-relay/api/internal/store"
	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/logx"
	"sos-mesh-relay/shared/metricsx"
)

const (
	DefaultTTL           = 24 * time.Hour
	defaultNotifyTimeout = 2 * time.Second
	maxCASAttempts       = 3
)

var tracer = otel.Tracer("sos")

// Locker grants exclusive access to one key until the returned func is called.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyResolver returns a device's registered public key, or "" when it has none.
type KeyResolver interface {
	PublicKey(ctx context.Context, deviceID string) (string, error)
}

type StatsCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Options struct {
	Store         store.AlertStore
	Verifier      *verify.Verifier
	Tracker       *relay.Tracker
	Locker        Locker
	Notifier      fanout.Notifier
	Keys          KeyResolver
	StatsCache    StatsCache
	StatsTTL      time.Duration
	Logger        logx.Logger
	TTL           time.Duration
	NotifyTimeout time.Duration
	Now           func() time.Time
}

type Service struct {
	store         store.AlertStore
	verifier      *verify.Verifier
	tracker       *relay.Tracker
	locker        Locker
	notifier      fanout.Notifier
	keys          KeyResolver
	statsCache    StatsCache
	statsTTL      time.Duration
	logger        logx.Logger
	ttl           time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		store:         opts.Store,
		verifier:      opts.Verifier,
		tracker:       opts.Tracker,
		locker:        opts.Locker,
		notifier:      opts.Notifier,
		keys:          opts.Keys,
		statsCache:    opts.StatsCache,
		statsTTL:      opts.StatsTTL,
		logger:        opts.Logger,
		ttl:           opts.TTL,
		notifyTimeout: opts.NotifyTimeout,
		now:           opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = defaultNotifyTimeout
	}
	if s.statsTTL <= 0 {
		s.statsTTL = 10 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.tracker == nil {
		s.tracker = relay.NewTracker(nil)
	}
	if s.notifier == nil {
		s.notifier = fanout.Nop{}
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) withLock(ctx context.Context, messageID string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	start := time.Now()
	unlock, err := s.locker.Lock(ctx, "sos:alert:"+messageID)
	metricsx.ObserveLockWait(time.Since(start))
	if err != nil {
		return &TransientError{Op: "lock", Err: err}
	}
	defer unlock()
	return fn()
}

func storeErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return &TransientError{Op: op, Err: err}
}

// notification is collected under the lock and sent after it is released.
type notification struct {
	event    *fanout.Event
	deviceID string
	message  *fanout.DeviceMessage
}

func eventNote(typ string, update string, alert models.Alert, at time.Time) notification {
	return notification{event: &fanout.Event{Type: typ, UpdateType: update, Alert: alert, Timestamp: at}}
}

func ackNote(alert models.Alert, status string, at time.Time) notification {
	msg := fanout.NewAck(alert.MessageID, status, at)
	return notification{deviceID: alert.OriginatorDeviceID, message: &msg}
}

// dispatch delivers notifications with a bounded timeout. Failures are logged
// and never returned: callers have already committed their change.
func (s *Service) dispatch(ctx context.Context, notes []notification) {
	if len(notes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	for _, n := range notes {
		switch {
		case n.event != nil:
			if err := s.notifier.Publish(ctx, *n.event); err != nil {
				s.logger.Warn(ctx, "sos_fanout_failed", "publish failed",
					slog.String("error_code", "UNAVAILABLE"),
					slog.String("message_id", n.event.Alert.MessageID),
					slog.String("event_type", n.event.Type),
					slog.String("error", err.Error()),
				)
			}
		case n.message != nil:
			err := s.notifier.SendToDevice(ctx, n.deviceID, *n.message)
			if errors.Is(err, fanout.ErrDeviceOffline) {
				s.logger.Debug(ctx, "sos_ack_undelivered", "originator not reachable",
					slog.String("message_id", n.message.MessageID),
					slog.String("device_id", n.deviceID),
				)
			} else if err != nil {
				s.logger.Warn(ctx, "sos_fanout_failed", "device message failed",
					slog.String("error_code", "UNAVAILABLE"),
					slog.String("message_id", n.message.MessageID),
					slog.String("device_id", n.deviceID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
