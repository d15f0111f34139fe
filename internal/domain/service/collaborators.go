package service

import (
	"context"

	"ArbCore/internal/domain/models"
)

// PlatformAdapter places orders on a trading venue. A returned error means the
// outcome is unknown; a definitive refusal is OrderAck{Accepted: false}.
type PlatformAdapter interface {
	PlaceOrder(ctx context.Context, ticket models.OrderTicket) (models.OrderAck, error)
}

// Restarter asks the container agent to restart a managed container.
type Restarter interface {
	Restart(ctx context.Context, cmd models.RestartCommand) error
}

// PriceStream delivers market price ticks until ctx is cancelled.
type PriceStream interface {
	Run(ctx context.Context, handle func(context.Context, models.PriceTick)) error
	IsConnected() bool
}

// RateLimiter gates submissions per key (platform).
type RateLimiter interface {
	Allow(key string) bool
}
