package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sos-mesh-relay/shared/logx"
)

const (
	ChannelDashboard = "sos.dashboard"
	ChannelDevice    = "sos.device"
)

type bridgeEnvelope struct {
	Origin   string         `json:"origin"`
	DeviceID string         `json:"device_id,omitempty"`
	Event    *Event         `json:"event,omitempty"`
	Message  *DeviceMessage `json:"message,omitempty"`
}

// RedisBridge relays events between API replicas over Redis pub/sub so that
// each replica's websocket hub sees every dashboard event and device messages
// for devices connected elsewhere.
type RedisBridge struct {
	client *redis.Client
	origin string
	logger logx.Logger
}

func NewRedisBridge(client *redis.Client, logger logx.Logger) *RedisBridge {
	return &RedisBridge{client: client, origin: uuid.NewString(), logger: logger}
}

func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	return b.send(ctx, ChannelDashboard, bridgeEnvelope{Origin: b.origin, Event: &ev})
}

func (b *RedisBridge) SendToDevice(ctx context.Context, deviceID string, msg DeviceMessage) error {
	return b.send(ctx, ChannelDevice, bridgeEnvelope{Origin: b.origin, DeviceID: deviceID, Message: &msg})
}

func (b *RedisBridge) send(ctx context.Context, channel string, env bridgeEnvelope) error {
	if b == nil || b.client == nil {
		return errors.New("redis client not initialized")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, raw).Err()
}

// Run forwards messages published by other replicas to local until ctx ends.
func (b *RedisBridge) Run(ctx context.Context, local Notifier) error {
	if b == nil || b.client == nil {
		return errors.New("redis client not initialized")
	}
	sub := b.client.Subscribe(ctx, ChannelDashboard, ChannelDevice)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(ctx, msg.Payload, local)
		}
	}
}

func (b *RedisBridge) deliver(ctx context.Context, payload string, local Notifier) {
	var env bridgeEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn(ctx, "fanout_bridge_decode_failed", "invalid bridge message",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return
	}
	if env.Origin == b.origin {
		return
	}
	switch {
	case env.Event != nil:
		_ = local.Publish(ctx, *env.Event)
	case env.Message != nil && env.DeviceID != "":
		_ = local.SendToDevice(ctx, env.DeviceID, *env.Message)
	}
}
