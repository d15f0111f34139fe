package repository

import (
	"context"
	"encoding/json"
	"fmt"

	domrepo "ArbCore/internal/domain/repository"
	applogger "ArbCore/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub. Delivery is at-most-once: a
// subscriber that is down misses what was published meanwhile.
type RedisBus struct {
	client *redis.Client
	l      *applogger.Logger
}

// NewRedisBus shares the client of the Redis KV store; it does not own it.
func NewRedisBus(client *redis.Client, l *applogger.Logger) *RedisBus {
	return &RedisBus{client: client, l: l}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := encodeMessage(payload)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler domrepo.BusHandler, patterns ...string) error {
	ps := b.client.PSubscribe(ctx, patterns...)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("psubscribe %v: %w", patterns, err)
	}
	b.l.Info("bus subscribed", applogger.Strings("patterns", patterns))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			dispatch(ctx, b.l, handler, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) Close() error { return nil }

// dispatch runs one handler call; a panicking handler loses only its message.
func dispatch(ctx context.Context, l *applogger.Logger, handler domrepo.BusHandler, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("bus handler panic",
				applogger.String("channel", channel),
				applogger.Any("panic", r))
		}
	}()
	handler(ctx, channel, payload)
}

func encodeMessage(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		return data, nil
	}
}

var _ domrepo.Bus = (*RedisBus)(nil)
