package strategy

import (
	"context"

	"funding-bot/internal/events"

	"go.uber.org/zap"
)

// fundingTick drives the collection variant once per second.
func (s *Instance) fundingTick(ctx context.Context) {
	if s.status.Terminal() {
		return
	}
	if s.fundingReached {
		if s.status == StatusCycling {
			s.refreshCycle(ctx)
		}
		return
	}

	secs := s.secondsRemaining()
	s.deps.Bus.Publish(events.Countdown{
		StrategyID:       s.id,
		SecondsRemaining: secs,
		FundingRate:      s.fundingRate,
	})

	if secs <= 0 {
		s.onFundingTime(ctx)
		return
	}
	if secs <= int64(s.cfg.ExecutionDelaySec) && !s.first.Exists && !s.reopenPending {
		s.openFirst(ctx)
	}
}

// openFirst opens the slot held across the settlement. The side is fixed
// for the whole funding cycle; only the first open of a cycle derives it.
func (s *Instance) openFirst(ctx context.Context) {
	side := s.cycleSide
	if side == "" {
		side = ResolveSide(s.cfg.Side, s.cfg.Mode, s.fundingRate)
	}
	s.transition(ctx, StatusExecuting)
	if err := s.openPosition(ctx, 1, side); err != nil {
		s.fail(ctx, "open_position_1", err)
		return
	}
	s.cycleSide = side
	s.reopenCount++
	s.transition(ctx, StatusPosition1Open)
}

// onFundingTime fires once per cycle when the countdown reaches zero.
func (s *Instance) onFundingTime(ctx context.Context) {
	s.fundingReached = true
	s.transition(ctx, StatusFundingTime)

	estimate := FundingEstimateUSD(s.cfg.MarginUSD, s.cfg.Leverage, s.fundingRate)
	s.deps.Bus.Publish(events.FundingCollected{
		StrategyID:  s.id,
		Amount:      estimate,
		FundingRate: s.fundingRate,
		ReopenCount: s.reopenCount,
	})
	if s.first.Exists {
		s.deps.Metrics.FundingCollections.Inc()
	}
	s.deps.Log.Info("funding settlement reached",
		zap.Float64("funding_rate", s.fundingRate),
		zap.Float64("estimate_usd", estimate),
		zap.Int("reopen_count", s.reopenCount),
	)

	// The grace delay keeps the new leg from being charged the funding
	// that was just paid out.
	s.schedule(ctx, s.graceDelay, s.openSecond)
}

// openSecond opens the opposite-side leg right after settlement and hands
// the instance to the cycle refresh.
func (s *Instance) openSecond(ctx context.Context) {
	if s.status.Terminal() {
		return
	}
	side := s.cycleSide
	if side == "" {
		side = ResolveSide(s.cfg.Side, s.cfg.Mode, s.fundingRate)
	}
	if err := s.openPosition(ctx, 2, side.Opposite()); err != nil {
		s.fail(ctx, "open_position_2", err)
		return
	}
	s.transition(ctx, StatusBothOpen)
	s.transition(ctx, StatusCycling)
	s.refreshCycle(ctx)
}

// refreshCycle pulls the next funding window from the exchange. Until the
// window has rolled forward past the settlement just observed it is a
// no-op and the per-second tick retries it.
func (s *Instance) refreshCycle(ctx context.Context) {
	tick, err := s.deps.Connector.GetTicker(ctx, s.cfg.Symbol)
	if err != nil {
		s.deps.Log.Warn("cycle refresh failed", zap.Error(err))
		return
	}
	if !tick.NextFundingTime.After(s.nextFunding) {
		return
	}
	if tick.LastPrice > 0 {
		s.lastPrice = tick.LastPrice
	}
	s.fundingRate = tick.FundingRate
	s.nextFunding = tick.NextFundingTime

	if !s.cfg.AutoRepeat {
		s.complete(ctx)
		return
	}
	s.reopenCount = 0
	s.fundingReached = false
	s.cycleSide = ""
	s.transition(ctx, StatusMonitoring)
	s.deps.Log.Info("cycle refreshed",
		zap.Time("next_funding", s.nextFunding),
		zap.Float64("funding_rate", s.fundingRate),
	)
}
