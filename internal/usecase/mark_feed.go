package usecase

import (
	"context"
	"fmt"
	"sync"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	domsvc "ArbCore/internal/domain/service"
	applogger "ArbCore/pkg/logger"
)

// TickProcessor is the throttling stage between the feeds and the book.
type TickProcessor interface {
	Process(ctx context.Context, tick models.PriceTick) error
	Run(ctx context.Context)
}

// MarkFeed collects ticks from every platform price stream and pushes them
// through the tick processor into the position book.
type MarkFeed struct {
	streams []domsvc.PriceStream
	proc    TickProcessor
	metrics domrepo.Metrics
	l       *applogger.Logger
}

func NewMarkFeed(proc TickProcessor, metrics domrepo.Metrics, l *applogger.Logger, streams ...domsvc.PriceStream) *MarkFeed {
	return &MarkFeed{streams: streams, proc: proc, metrics: metrics, l: l}
}

// Run blocks until ctx is done. Streams reconnect on their own.
func (f *MarkFeed) Run(ctx context.Context) error {
	if len(f.streams) == 0 {
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.proc.Run(ctx)
	}()

	for _, s := range f.streams {
		wg.Add(1)
		go func(s domsvc.PriceStream) {
			defer wg.Done()
			if err := s.Run(ctx, f.consume); err != nil {
				f.metrics.RecordError("stream")
				f.l.Error("price stream stopped", applogger.Error(err))
			}
		}(s)
	}
	f.l.Info("mark feed started", applogger.Int("streams", len(f.streams)))
	wg.Wait()
	return nil
}

func (f *MarkFeed) consume(ctx context.Context, tick models.PriceTick) {
	if err := f.proc.Process(ctx, tick); err != nil {
		f.l.Debug("tick dropped", applogger.String("market", tick.Key()), applogger.Error(err))
	}
}

// Check reports an error while any stream is disconnected.
func (f *MarkFeed) Check(context.Context) error {
	down := 0
	for _, s := range f.streams {
		if !s.IsConnected() {
			down++
		}
	}
	if down > 0 {
		return fmt.Errorf("%d of %d price streams disconnected", down, len(f.streams))
	}
	return nil
}
