package strategy

import (
	"context"
	"time"

	"funding-bot/internal/connector"

	"go.uber.org/zap"
)

const (
	// failsafeThrottle bounds how often the crossing check runs per
	// instance regardless of ticker stream frequency.
	failsafeThrottle = time.Second
	// failsafeCooldown gives the exchange-native TP/SL first chance on a
	// freshly opened slot before the local monitor may act.
	failsafeCooldown = 3 * time.Second
)

// onTicker absorbs the push stream and runs the failsafe monitor. The
// stream keeps price and rate fresh but deliberately does not advance the
// funding window; only the cycle refresh moves nextFunding forward.
func (s *Instance) onTicker(ctx context.Context, tick connector.Ticker) {
	if tick.Symbol != s.cfg.Symbol || s.status.Terminal() {
		return
	}
	if tick.LastPrice > 0 {
		s.lastPrice = tick.LastPrice
	}
	s.fundingRate = tick.FundingRate
	s.failsafeCheck(ctx)
}

// failsafeCheck closes a slot whose TP/SL boundary the market has crossed
// without the exchange acting on it. Guards short-circuit in order.
func (s *Instance) failsafeCheck(ctx context.Context) {
	if s.closing {
		return
	}
	now := s.deps.Clock.Now()
	if now.Sub(s.lastFailsafeCheck) < failsafeThrottle {
		return
	}
	s.lastFailsafeCheck = now

	for n := 1; n <= 2; n++ {
		slot := s.slot(n)
		if !slot.Exists || (slot.TakeProfit == 0 && slot.StopLoss == 0) {
			continue
		}
		if now.Sub(slot.OpenedAt) < failsafeCooldown {
			continue
		}
		if !protectionCrossed(slot.Side, s.lastPrice, slot.TakeProfit, slot.StopLoss) {
			continue
		}
		s.deps.Log.Warn("failsafe boundary crossed",
			zap.Int("position", n),
			zap.Float64("price", s.lastPrice),
			zap.Float64("take_profit", slot.TakeProfit),
			zap.Float64("stop_loss", slot.StopLoss),
		)
		s.deps.Metrics.FailsafeCloses.Inc()
		s.closeSlot(ctx, n, "failsafe", true)
		return
	}
}
