package platform

import (
	"context"
	"time"

	"ArbCore/internal/domain/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperAdapter fills orders locally at the limit price. Used for dry runs and
// as the default venue in tests.
type PaperAdapter struct {
	feeRate   decimal.Decimal
	fillRatio decimal.Decimal
	latency   time.Duration
}

type PaperOption func(*PaperAdapter)

// WithFeeRate charges rate * price * filled quantity per fill.
func WithFeeRate(rate float64) PaperOption {
	return func(p *PaperAdapter) { p.feeRate = decimal.NewFromFloat(rate) }
}

// WithFillRatio fills only this fraction of each order (0,1].
func WithFillRatio(ratio float64) PaperOption {
	return func(p *PaperAdapter) {
		if ratio > 0 && ratio <= 1 {
			p.fillRatio = decimal.NewFromFloat(ratio)
		}
	}
}

// WithLatency delays every acknowledgement; the wait honours ctx.
func WithLatency(d time.Duration) PaperOption {
	return func(p *PaperAdapter) { p.latency = d }
}

func NewPaperAdapter(opts ...PaperOption) *PaperAdapter {
	p := &PaperAdapter{feeRate: decimal.Zero, fillRatio: decimal.NewFromInt(1)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PaperAdapter) PlaceOrder(ctx context.Context, t models.OrderTicket) (models.OrderAck, error) {
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return models.OrderAck{}, ctx.Err()
		case <-timer.C:
		}
	}
	if t.Size <= 0 || t.LimitPrice < 0 || t.LimitPrice > 1 {
		return models.OrderAck{Accepted: false, RejectReason: "invalid_order"}, nil
	}

	price := decimal.NewFromFloat(t.LimitPrice)
	filled := decimal.NewFromFloat(t.Size).Mul(p.fillRatio)
	fees := p.feeRate.Mul(price).Mul(filled).Round(6)

	return models.OrderAck{
		OrderID:   uuid.NewString(),
		Accepted:  true,
		FilledQty: filled.InexactFloat64(),
		AvgPrice:  t.LimitPrice,
		Fees:      fees.InexactFloat64(),
	}, nil
}
