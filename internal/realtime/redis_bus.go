package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/karryzhang/VocabLoop/internal/progress"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannel      = "vocabloop-progress"
	initialRelayBackoff = 500 * time.Millisecond
	maxRelayBackoff     = 30 * time.Second
)

var (
	errMissingRedisClient = errors.New("realtime: redis client required")
	errMissingDispatcher  = errors.New("realtime: local dispatcher required")
	errRelayClosed        = errors.New("realtime: redis subscription closed")
)

// RedisBusConfig wires cross-instance fan-out through Redis pub/sub.
type RedisBusConfig struct {
	Client  goredis.UniversalClient
	Channel string
	Local   *Dispatcher
	Logger  *zap.Logger
}

// RedisBus publishes changes to a Redis channel and relays the channel into the local
// dispatcher, so every instance reaches its own subscribers.
type RedisBus struct {
	client  goredis.UniversalClient
	channel string
	local   *Dispatcher
	logger  *zap.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type busEnvelope struct {
	UserID      string `json:"userId"`
	Action      string `json:"action"`
	Version     int64  `json:"version"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Local == nil {
		return nil, errMissingDispatcher
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client:         cfg.Client,
		channel:        channel,
		local:          cfg.Local,
		logger:         logger,
		initialBackoff: initialRelayBackoff,
		maxBackoff:     maxRelayBackoff,
	}, nil
}

// PublishChange sends the change to every instance. When Redis is unreachable the change is
// still delivered to this instance's subscribers.
func (b *RedisBus) PublishChange(ctx context.Context, change progress.Change) {
	payload, err := json.Marshal(busEnvelope{
		UserID:      change.Principal.String(),
		Action:      change.Action.String(),
		Version:     change.Version,
		UpdatedAtMs: change.UpdatedAt.UnixMilli(),
	})
	if err == nil {
		err = b.client.Publish(ctx, b.channel, payload).Err()
	}
	if err != nil {
		b.logger.Warn("realtime redis publish failed; delivering locally",
			zap.String("channel", b.channel),
			zap.String("user_id", change.Principal.String()),
			zap.Error(err))
		b.local.PublishChange(ctx, change)
	}
}

// Run relays channel messages into the local dispatcher until ctx ends. A lost or failed
// subscription is logged and retried with capped exponential backoff; meanwhile changes
// still reach this instance's subscribers through PublishChange's local fallback.
func (b *RedisBus) Run(ctx context.Context) error {
	backoff := b.initialBackoff
	for {
		subscribed, err := b.relayOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			backoff = b.initialBackoff
		}
		b.logger.Warn("realtime redis relay interrupted; retrying",
			zap.String("channel", b.channel),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if backoff < b.maxBackoff {
			backoff *= 2
			if backoff > b.maxBackoff {
				backoff = b.maxBackoff
			}
		}
	}
}

// relayOnce holds one subscription open until it fails or ctx ends. It reports whether the
// subscription was confirmed before it stopped.
func (b *RedisBus) relayOnce(ctx context.Context) (bool, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, err
	}
	b.logger.Info("realtime redis relay subscribed", zap.String("channel", b.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case message, ok := <-messages:
			if !ok {
				return true, errRelayClosed
			}
			b.relay(message.Payload)
		}
	}
}

func (b *RedisBus) relay(payload string) {
	var envelope busEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil || envelope.UserID == "" {
		b.logger.Warn("realtime redis payload ignored", zap.String("channel", b.channel), zap.Error(err))
		return
	}
	b.local.Publish(Message{
		UserID:    envelope.UserID,
		EventType: EventProgressChanged,
		Action:    envelope.Action,
		Version:   envelope.Version,
		Timestamp: time.UnixMilli(envelope.UpdatedAtMs).UTC(),
	})
}
