package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// schedulePrecise arms the single latency-compensated shot. The order is
// sent ahead of the target instant by the measured round-trip half so it
// lands on the exchange at fundingTime + offset.
func (s *Instance) schedulePrecise(ctx context.Context) error {
	if s.nextFunding.IsZero() {
		return errors.New("next funding time unknown")
	}
	target := s.nextFunding.Add(s.cfg.TimingOffset)
	sendAt := target.Add(-s.deps.Clock.Latency())
	delay := sendAt.Sub(s.deps.Clock.Now())
	if delay <= 0 {
		return fmt.Errorf("target %s already passed", target.UTC().Format(time.RFC3339))
	}
	s.deps.Log.Info("precise shot armed",
		zap.Time("target", target),
		zap.Time("send_at", sendAt),
		zap.Duration("latency_compensation", s.deps.Clock.Latency()),
	)
	s.schedule(ctx, delay, s.preciseFire)
	return nil
}

func (s *Instance) preciseFire(ctx context.Context) {
	if s.status.Terminal() {
		return
	}
	// Past this point a closed slot belongs to a finished shot and must
	// not be reopened by the shared closure path.
	s.fundingReached = true

	if s.first.Exists && s.second.Exists {
		s.deps.Log.Warn("both slots held, skipping shot")
		if s.cfg.AutoRepeat {
			s.schedule(ctx, s.settleDelay, s.preciseRepeat)
		}
		return
	}
	slot := 1
	if s.first.Exists {
		slot = 2
	}
	side := ResolveSide(s.cfg.Side, ModePreciseTiming, s.fundingRate)

	s.transition(ctx, StatusExecuting)
	if err := s.openPosition(ctx, slot, side); err != nil {
		s.fail(ctx, fmt.Sprintf("open_position_%d", slot), err)
		return
	}
	if slot == 1 {
		s.transition(ctx, StatusPosition1Open)
	} else {
		s.transition(ctx, StatusBothOpen)
	}
	if s.cfg.AutoRepeat {
		s.schedule(ctx, s.settleDelay, s.preciseRepeat)
	}
}

// preciseRepeat re-arms the shot once the exchange has rolled the funding
// window forward, polling once per second until it has.
func (s *Instance) preciseRepeat(ctx context.Context) {
	if s.status.Terminal() {
		return
	}
	tick, err := s.deps.Connector.GetTicker(ctx, s.cfg.Symbol)
	if err != nil || !tick.NextFundingTime.After(s.nextFunding) {
		if err != nil {
			s.deps.Log.Warn("funding window refresh failed", zap.Error(err))
		}
		s.schedule(ctx, time.Second, s.preciseRepeat)
		return
	}
	if tick.LastPrice > 0 {
		s.lastPrice = tick.LastPrice
	}
	s.fundingRate = tick.FundingRate
	s.nextFunding = tick.NextFundingTime
	s.fundingReached = false
	s.transition(ctx, StatusMonitoring)

	if err := s.schedulePrecise(ctx); err != nil {
		s.fail(ctx, "schedule_shot", err)
	}
}
