package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cex-order-core/internal/events"
)

// Feed keeps reference prices of active pairs warm and publishes them on the
// bus.
type Feed struct {
	Provider *Provider
	Bus      *events.Bus
	Interval time.Duration
	Log      *zap.Logger
}

// Start polls until ctx is done. A non-positive interval disables the feed.
func (f *Feed) Start(ctx context.Context) {
	log := f.Log
	if log == nil {
		log = zap.NewNop()
	}
	if f.Provider == nil || f.Interval <= 0 {
		log.Info("price feed disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(f.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.poll(ctx, log)
			}
		}
	}()
}

func (f *Feed) poll(ctx context.Context, log *zap.Logger) {
	pairs, err := f.Provider.Pairs(ctx)
	if err != nil {
		log.Warn("price feed: list pairs", zap.Error(err))
		return
	}
	for _, pair := range pairs {
		if pair.Status != pairActive {
			continue
		}
		price, err := f.Provider.RefreshPrice(ctx, pair)
		if err != nil {
			log.Warn("price feed: refresh", zap.String("symbol", pair.Symbol), zap.Error(err))
			continue
		}
		f.Bus.Publish(events.EventPriceTick, events.PriceTick{
			MarketPairID: pair.ID,
			Symbol:       pair.Symbol,
			Price:        price.String(),
			At:           time.Now().UTC(),
		})
	}
}
