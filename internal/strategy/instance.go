package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funding-bot/internal/config"
	"funding-bot/internal/connector"
	"funding-bot/internal/events"
	"funding-bot/internal/metrics"
	"funding-bot/internal/state"

	"go.uber.org/zap"
)

// Clock is the synchronized time source the engines schedule against.
type Clock interface {
	Now() time.Time
	Latency() time.Duration
}

// Deps bundles the collaborators shared by all instances of one registry.
type Deps struct {
	Connector connector.Connector
	Clock     Clock
	Bus       *events.Bus
	Store     state.Store
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Engine    config.EngineConfig
}

const commandBuffer = 128

// seed carries the market values an instance starts from, fetched by the
// registry (fresh start) or read back from the durable record (restore).
type seed struct {
	fundingRate float64
	nextFunding time.Time
	lastPrice   float64
	reopenCount int
	createdAtMS int64
}

// Instance is one running strategy. A single goroutine consumes the command
// channel; the countdown ticker, the ticker stream and the position stream
// only enqueue into it, so every state transition is serialized per instance
// and the dual-trigger closure race cannot occur.
type Instance struct {
	id   string
	cfg  Config
	deps Deps

	graceDelay  time.Duration
	settleDelay time.Duration

	cmds       chan func(context.Context)
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	unsubs     []connector.Unsubscribe
	onTerminal func(id string)

	statusView atomic.Value // Status, for observers outside the loop

	// Everything below is owned by the run loop goroutine.
	status            Status
	fundingRate       float64
	nextFunding       time.Time
	lastPrice         float64
	first             Position
	second            Position
	cycleSide         connector.Side
	reopenCount       int
	fundingReached    bool
	closing           bool
	reopenPending     bool
	lastFailsafeCheck time.Time
	createdAtMS       int64
}

func newInstance(id string, cfg Config, deps Deps, sd seed, onTerminal func(string)) *Instance {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	inst := &Instance{
		id:          id,
		cfg:         cfg,
		deps:        deps,
		graceDelay:  deps.Engine.GraceDelay,
		settleDelay: deps.Engine.SettleDelay,
		cmds:        make(chan func(context.Context), commandBuffer),
		done:        make(chan struct{}),
		onTerminal:  onTerminal,
		status:      StatusInitializing,
		fundingRate: sd.fundingRate,
		nextFunding: sd.nextFunding,
		lastPrice:   sd.lastPrice,
		reopenCount: sd.reopenCount,
		createdAtMS: sd.createdAtMS,
	}
	if inst.graceDelay <= 0 {
		inst.graceDelay = 2 * time.Second
	}
	if inst.settleDelay <= 0 {
		inst.settleDelay = 2 * time.Second
	}
	inst.statusView.Store(StatusInitializing)
	inst.deps.Log = inst.deps.Log.With(zap.String("strategy_id", id), zap.String("symbol", cfg.Symbol))
	return inst
}

func (s *Instance) ID() string { return s.id }

func (s *Instance) Config() Config { return s.cfg }

// Status is safe to call from any goroutine.
func (s *Instance) Status() Status {
	return s.statusView.Load().(Status)
}

// start wires subscriptions and launches the run loop. For the precise
// timing variant the first shot is scheduled synchronously so an already
// elapsed send time fails the start call itself.
func (s *Instance) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.cfg.Mode == ModePreciseTiming {
		if err := s.schedulePrecise(ctx); err != nil {
			cancel()
			close(s.done)
			return err
		}
	}

	tickerUnsub, err := s.deps.Connector.SubscribeTicker(s.cfg.Symbol, func(tick connector.Ticker) {
		s.enqueue(func(ctx context.Context) { s.onTicker(ctx, tick) })
	})
	if err != nil {
		cancel()
		close(s.done)
		return fmt.Errorf("subscribe ticker: %w", err)
	}
	s.unsubs = append(s.unsubs, tickerUnsub)

	posUnsub, err := s.deps.Connector.SubscribePositions(func(update connector.PositionUpdate) {
		s.enqueue(func(ctx context.Context) { s.onPositionUpdate(ctx, update) })
	})
	if err != nil {
		tickerUnsub()
		cancel()
		close(s.done)
		return fmt.Errorf("subscribe positions: %w", err)
	}
	s.unsubs = append(s.unsubs, posUnsub)

	go s.run(ctx)
	if s.cfg.Mode == ModeFundingCollection {
		go s.countdownLoop(ctx)
	}
	return nil
}

// stop cancels timers and subscriptions, then waits for the run loop so no
// callback can fire against a torn-down instance.
func (s *Instance) stop() {
	s.stopOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

// OpenPositions returns the slots still held. Only valid after stop.
func (s *Instance) OpenPositions() []Position {
	var out []Position
	if s.first.Exists {
		out = append(out, s.first)
	}
	if s.second.Exists {
		out = append(out, s.second)
	}
	return out
}

func (s *Instance) run(ctx context.Context) {
	defer close(s.done)
	if s.status == StatusInitializing {
		s.transition(ctx, StatusMonitoring)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			cmd(ctx)
		}
	}
}

func (s *Instance) countdownLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueue(s.fundingTick)
		}
	}
}

func (s *Instance) enqueue(cmd func(context.Context)) {
	select {
	case s.cmds <- cmd:
	default:
		// The per-second tick and the ticker stream both re-fire; losing
		// one command under backlog is preferable to blocking a stream
		// callback shared with other instances.
		s.deps.Log.Warn("command queue full, dropping")
	}
}

// schedule runs cmd through the command channel after d, unless the
// instance is cancelled first.
func (s *Instance) schedule(ctx context.Context, d time.Duration, cmd func(context.Context)) {
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			s.enqueue(cmd)
		}
	}()
}

func (s *Instance) secondsRemaining() int64 {
	return int64(s.nextFunding.Sub(s.deps.Clock.Now()) / time.Second)
}

func (s *Instance) slot(n int) *Position {
	if n == 1 {
		return &s.first
	}
	return &s.second
}

func (s *Instance) transition(ctx context.Context, next Status) {
	if s.status == next {
		return
	}
	s.status = next
	s.statusView.Store(next)
	s.deps.Log.Debug("status changed", zap.String("status", string(next)))
	s.persist(ctx)
}

func (s *Instance) persist(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.SaveRecord(ctx, s.record()); err != nil {
		s.deps.Log.Warn("failed to persist strategy record", zap.Error(err))
	}
}

func (s *Instance) record() state.StrategyRecord {
	record := state.StrategyRecord{
		ID:                s.id,
		UserID:            s.cfg.UserID,
		Symbol:            s.cfg.Symbol,
		Mode:              string(s.cfg.Mode),
		Side:              string(s.cfg.Side),
		Leverage:          s.cfg.Leverage,
		MarginUSD:         s.cfg.MarginUSD,
		ExecutionDelaySec: s.cfg.ExecutionDelaySec,
		TimingOffsetMS:    s.cfg.TimingOffset.Milliseconds(),
		TakeProfitPercent: s.cfg.TakeProfitPercent,
		StopLossPercent:   s.cfg.StopLossPercent,
		AutoRepeat:        s.cfg.AutoRepeat,
		ReopenCount:       s.reopenCount,
		Status:            recordStatus(s.status),
		FundingRate:       s.fundingRate,
		CreatedAtMS:       s.createdAtMS,
	}
	if !s.nextFunding.IsZero() {
		record.NextFundingTimeMS = s.nextFunding.UnixMilli()
	}
	if s.first.Exists {
		record.EntryPrice = s.first.EntryPrice
		record.Quantity = s.first.Size
	}
	return record
}

// fail moves the instance to the terminal error state, keeping the durable
// record for inspection.
func (s *Instance) fail(ctx context.Context, action string, err error) {
	s.deps.Log.Error("strategy failed", zap.String("action", action), zap.Error(err))
	s.deps.Bus.Publish(events.StrategyError{StrategyID: s.id, Err: err.Error(), Action: action})
	s.status = StatusError
	s.statusView.Store(StatusError)
	if s.deps.Store != nil {
		if storeErr := s.deps.Store.UpdateRecordStatus(ctx, s.id, state.StatusError, err.Error()); storeErr != nil {
			s.deps.Log.Warn("failed to mark record error", zap.Error(storeErr))
		}
	}
	s.finish()
}

func (s *Instance) complete(ctx context.Context) {
	s.status = StatusCompleted
	s.statusView.Store(StatusCompleted)
	if s.deps.Store != nil {
		if err := s.deps.Store.UpdateRecordStatus(ctx, s.id, state.StatusCompleted, ""); err != nil {
			s.deps.Log.Warn("failed to mark record completed", zap.Error(err))
		}
	}
	s.deps.Log.Info("strategy completed")
	s.finish()
}

// finish hands the instance back to the registry. The callback runs on its
// own goroutine because removal stops this instance, which waits for the
// run loop we are currently on.
func (s *Instance) finish() {
	if s.onTerminal != nil {
		go s.onTerminal(s.id)
	}
}

// refreshTicker pulls a fresh market snapshot; failures keep the previous
// values and are retried on the next tick.
func (s *Instance) refreshTicker(ctx context.Context) bool {
	tick, err := s.deps.Connector.GetTicker(ctx, s.cfg.Symbol)
	if err != nil {
		s.deps.Log.Warn("ticker refresh failed", zap.Error(err))
		return false
	}
	if tick.LastPrice > 0 {
		s.lastPrice = tick.LastPrice
	}
	s.fundingRate = tick.FundingRate
	if !tick.NextFundingTime.IsZero() {
		s.nextFunding = tick.NextFundingTime
	}
	return true
}

// openPosition issues a protected market order for slot n and records it.
func (s *Instance) openPosition(ctx context.Context, n int, side connector.Side) error {
	price := s.lastPrice
	if price <= 0 {
		if !s.refreshTicker(ctx) || s.lastPrice <= 0 {
			return errors.New("no market price available")
		}
		price = s.lastPrice
	}
	size := s.cfg.MarginUSD * float64(s.cfg.Leverage) / price
	takeProfit, stopLoss := ProtectionPrices(side, price, s.cfg.TakeProfitPercent, s.cfg.StopLossPercent)

	s.deps.Bus.Publish(events.PositionOpening{
		StrategyID:     s.id,
		Symbol:         s.cfg.Symbol,
		Side:           side,
		Price:          price,
		PositionNumber: n,
	})
	order, err := s.deps.Connector.PlaceOrderWithProtection(ctx, s.cfg.Symbol, side, size, takeProfit, stopLoss)
	if err != nil {
		s.deps.Metrics.OrdersFailed.Inc()
		return err
	}
	s.deps.Metrics.OrdersPlaced.Inc()

	entry := order.EntryPrice
	if entry <= 0 {
		entry = price
	}
	*s.slot(n) = Position{
		Exists:     true,
		Side:       side,
		Size:       order.Size,
		EntryPrice: entry,
		TakeProfit: takeProfit,
		StopLoss:   stopLoss,
		OpenedAt:   s.deps.Clock.Now(),
	}
	s.deps.Bus.Publish(events.PositionOpened{
		StrategyID:     s.id,
		PositionNumber: n,
		Side:           side,
		EntryPrice:     entry,
		TakeProfit:     takeProfit,
		StopLoss:       stopLoss,
	})
	s.deps.Log.Info("position opened",
		zap.Int("position", n),
		zap.String("side", string(side)),
		zap.Float64("entry", entry),
		zap.Float64("take_profit", takeProfit),
		zap.Float64("stop_loss", stopLoss),
	)
	return nil
}

// onPositionUpdate handles the push stream. A zero-size update for a held
// slot means the exchange closed it (native TP/SL, liquidation, manual).
func (s *Instance) onPositionUpdate(ctx context.Context, update connector.PositionUpdate) {
	if update.Symbol != s.cfg.Symbol || update.Size != 0 {
		return
	}
	if s.first.Exists && update.Side == s.first.Side {
		s.closeSlot(ctx, 1, "exchange", false)
		return
	}
	if s.second.Exists && update.Side == s.second.Side {
		s.closeSlot(ctx, 2, "exchange", false)
	}
}

// closeSlot is the single path for both closure detectors. The closing flag
// makes whichever observer arrives second a no-op.
func (s *Instance) closeSlot(ctx context.Context, n int, reason string, issueClose bool) {
	if s.closing {
		return
	}
	slot := s.slot(n)
	if !slot.Exists {
		return
	}
	s.closing = true
	if issueClose {
		if err := s.deps.Connector.ClosePosition(ctx, s.cfg.Symbol, slot.Side); err != nil {
			s.closing = false
			s.fail(ctx, fmt.Sprintf("close_position_%d", n), err)
			return
		}
	}
	side := slot.Side
	*slot = Position{}
	s.deps.Bus.Publish(events.PositionClosed{
		StrategyID:     s.id,
		PositionNumber: n,
		Side:           side,
		Reason:         reason,
	})
	s.deps.Log.Info("position closed", zap.Int("position", n), zap.String("reason", reason))
	if n == 1 {
		s.maybeReopenFirst(ctx)
	}
	s.closing = false
	s.persist(ctx)

	if s.cfg.Mode == ModePreciseTiming && !s.cfg.AutoRepeat && !s.first.Exists && !s.second.Exists && !s.status.Terminal() {
		s.complete(ctx)
	}
}

// maybeReopenFirst applies the slot-1 reopen rule: collection engine only,
// and only while the funding instant has not been reached. The precise
// variant opens exclusively through its scheduled fire.
func (s *Instance) maybeReopenFirst(ctx context.Context) {
	if s.cfg.Mode != ModeFundingCollection || s.fundingReached {
		return
	}
	secs := s.secondsRemaining()
	if secs <= 0 {
		return
	}
	attempt := s.reopenCount + 1
	s.reopenPending = true
	s.deps.Metrics.PositionsReopened.Inc()
	s.deps.Bus.Publish(events.PositionReopening{
		StrategyID:       s.id,
		Attempt:          attempt,
		SecondsRemaining: secs,
	})
	s.deps.Log.Info("scheduling position reopen", zap.Int("attempt", attempt), zap.Int64("seconds_remaining", secs))
	s.schedule(ctx, s.settleDelay, func(ctx context.Context) {
		s.reopenPending = false
		if s.status.Terminal() || s.first.Exists || s.fundingReached || s.secondsRemaining() <= 0 {
			return
		}
		s.openFirst(ctx)
	})
}
