package repository

import (
	"context"
	"fmt"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
)

// BusEventPublisher fans results and position snapshots out on the bus. It
// serves deployments without Kafka; observers that are down miss events.
type BusEventPublisher struct {
	bus domrepo.Bus
}

func NewBusEventPublisher(bus domrepo.Bus) *BusEventPublisher {
	return &BusEventPublisher{bus: bus}
}

func (p *BusEventPublisher) PublishResult(ctx context.Context, res models.ExecutionResult) error {
	if err := p.bus.Publish(ctx, models.ChannelExecutionResults, res); err != nil {
		return fmt.Errorf("publish result %s: %w", res.RequestID, err)
	}
	return nil
}

func (p *BusEventPublisher) PublishPositionUpdate(ctx context.Context, upd models.PositionUpdate) error {
	if err := p.bus.Publish(ctx, models.ChannelPositionUpdates, upd); err != nil {
		return fmt.Errorf("publish position %s: %w", upd.Position.PositionID, err)
	}
	return nil
}

// Close is a no-op; the bus is owned by its creator.
func (p *BusEventPublisher) Close() error { return nil }

var _ domrepo.EventPublisher = (*BusEventPublisher)(nil)
