package repository

import (
	"context"
	"fmt"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	pkgkafka "ArbCore/pkg/kafka"
)

// KafkaEventPublisher implements EventPublisher on Kafka. Results are keyed by
// idempotency key and position updates by trade id, so the hash balancer keeps
// per-key ordering.
type KafkaEventPublisher struct {
	producer       *pkgkafka.Producer
	resultsTopic   string
	positionsTopic string
}

// NewKafkaEventPublisher creates Kafka publisher.
func NewKafkaEventPublisher(producer *pkgkafka.Producer, resultsTopic, positionsTopic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, resultsTopic: resultsTopic, positionsTopic: positionsTopic}
}

func (p *KafkaEventPublisher) PublishResult(ctx context.Context, res models.ExecutionResult) error {
	if err := p.producer.Publish(ctx, p.resultsTopic, []byte(res.IdempotencyKey), res); err != nil {
		return fmt.Errorf("publish result %s: %w", res.RequestID, err)
	}
	return nil
}

func (p *KafkaEventPublisher) PublishPositionUpdate(ctx context.Context, upd models.PositionUpdate) error {
	if err := p.producer.Publish(ctx, p.positionsTopic, []byte(upd.Position.TradeID), upd); err != nil {
		return fmt.Errorf("publish position %s: %w", upd.Position.PositionID, err)
	}
	return nil
}

func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

var _ domrepo.EventPublisher = (*KafkaEventPublisher)(nil)
