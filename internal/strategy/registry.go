package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-bot/internal/metrics"
	"funding-bot/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry owns every running instance. All map access is behind the
// mutex; an instance removed from the map is stopped before the removal
// returns, so nothing can reach it afterward.
type Registry struct {
	deps Deps

	mu        sync.Mutex
	instances map[string]*Instance
}

func NewRegistry(deps Deps) *Registry {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Registry{deps: deps, instances: make(map[string]*Instance)}
}

// Start validates the config, prepares the market side (leverage, initial
// snapshot), persists the durable record and launches the instance.
func (r *Registry) Start(ctx context.Context, cfg Config) (string, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	tick, err := r.deps.Connector.GetTicker(ctx, cfg.Symbol)
	if err != nil {
		return "", fmt.Errorf("fetch ticker for %s: %w", cfg.Symbol, err)
	}
	if err := r.deps.Connector.SetLeverage(ctx, cfg.Symbol, cfg.Leverage); err != nil {
		return "", fmt.Errorf("set leverage for %s: %w", cfg.Symbol, err)
	}

	id := uuid.NewString()
	inst := newInstance(id, cfg, r.deps, seed{
		fundingRate: tick.FundingRate,
		nextFunding: tick.NextFundingTime,
		lastPrice:   tick.LastPrice,
		createdAtMS: r.deps.Clock.Now().UnixMilli(),
	}, r.remove)

	if r.deps.Store != nil {
		if err := r.deps.Store.SaveRecord(ctx, inst.record()); err != nil {
			return "", fmt.Errorf("persist strategy record: %w", err)
		}
	}

	r.mu.Lock()
	r.instances[id] = inst
	r.mu.Unlock()

	if err := inst.start(); err != nil {
		r.mu.Lock()
		delete(r.instances, id)
		r.mu.Unlock()
		if r.deps.Store != nil {
			if storeErr := r.deps.Store.UpdateRecordStatus(ctx, id, state.StatusError, err.Error()); storeErr != nil {
				r.deps.Log.Warn("failed to mark record error", zap.String("strategy_id", id), zap.Error(storeErr))
			}
		}
		return "", err
	}

	r.deps.Metrics.StrategiesStarted.Inc()
	r.deps.Log.Info("strategy started",
		zap.String("strategy_id", id),
		zap.String("symbol", cfg.Symbol),
		zap.String("mode", string(cfg.Mode)),
	)
	return id, nil
}

// Stop cancels the instance and closes any slot it still holds. Connector
// failures during cleanup are logged, not returned; the record is marked
// cancelled either way.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}

	inst.stop()
	for _, pos := range inst.OpenPositions() {
		if err := r.deps.Connector.ClosePosition(ctx, inst.cfg.Symbol, pos.Side); err != nil {
			r.deps.Log.Warn("failed to close position on stop",
				zap.String("strategy_id", id),
				zap.String("side", string(pos.Side)),
				zap.Error(err),
			)
		}
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.UpdateRecordStatus(ctx, id, state.StatusCancelled, ""); err != nil {
			r.deps.Log.Warn("failed to mark record cancelled", zap.String("strategy_id", id), zap.Error(err))
		}
	}
	r.deps.Log.Info("strategy stopped", zap.String("strategy_id", id))
	return nil
}

func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// remove is the terminal callback: a completed or failed instance takes
// itself out of the registry. Positions are left alone; a completed
// strategy's remaining legs stay under their exchange-native TP/SL.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if ok {
		inst.stop()
	}
}

// Shutdown stops every instance without touching positions or records, so
// a restart can restore them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for id, inst := range r.instances {
		instances = append(instances, inst)
		delete(r.instances, id)
	}
	r.mu.Unlock()
	for _, inst := range instances {
		inst.stop()
	}
}

// RestoreOnBoot resumes the strategies whose durable records were left in
// a live status by the previous process. Records whose funding window has
// already passed are marked completed instead of resumed; a record that
// fails to restore never blocks the others.
func (r *Registry) RestoreOnBoot(ctx context.Context) (int, error) {
	if r.deps.Store == nil {
		return 0, nil
	}
	records, err := r.deps.Store.ListRecordsByStatus(ctx,
		state.StatusActive, state.StatusWaiting, state.StatusExecuting)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	restored := 0
	for _, record := range records {
		if err := r.restoreRecord(ctx, record); err != nil {
			r.deps.Log.Warn("failed to restore strategy",
				zap.String("strategy_id", record.ID),
				zap.Error(err),
			)
			if storeErr := r.deps.Store.UpdateRecordStatus(ctx, record.ID, state.StatusError, err.Error()); storeErr != nil {
				r.deps.Log.Warn("failed to mark record error", zap.String("strategy_id", record.ID), zap.Error(storeErr))
			}
			continue
		}
		if _, ok := r.Get(record.ID); ok {
			restored++
			r.deps.Metrics.StrategiesRestored.Inc()
		}
	}
	return restored, nil
}

func (r *Registry) restoreRecord(ctx context.Context, record state.StrategyRecord) error {
	cfg := Config{
		UserID:            record.UserID,
		Symbol:            record.Symbol,
		Mode:              Mode(record.Mode),
		Side:              SideChoice(record.Side),
		Leverage:          record.Leverage,
		MarginUSD:         record.MarginUSD,
		ExecutionDelaySec: record.ExecutionDelaySec,
		TimingOffset:      time.Duration(record.TimingOffsetMS) * time.Millisecond,
		TakeProfitPercent: record.TakeProfitPercent,
		StopLossPercent:   record.StopLossPercent,
		AutoRepeat:        record.AutoRepeat,
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if record.NextFundingTimeMS == 0 {
		return fmt.Errorf("record has no funding time")
	}
	nextFunding := time.UnixMilli(record.NextFundingTimeMS)
	if !nextFunding.After(r.deps.Clock.Now()) {
		// The window this record was working toward has settled while the
		// process was down; there is nothing left to resume.
		if err := r.deps.Store.UpdateRecordStatus(ctx, record.ID, state.StatusCompleted, ""); err != nil {
			r.deps.Log.Warn("failed to mark stale record completed", zap.String("strategy_id", record.ID), zap.Error(err))
		}
		return nil
	}

	sd := seed{
		fundingRate: record.FundingRate,
		nextFunding: nextFunding,
		lastPrice:   record.EntryPrice,
		reopenCount: record.ReopenCount,
		createdAtMS: record.CreatedAtMS,
	}
	if tick, err := r.deps.Connector.GetTicker(ctx, cfg.Symbol); err == nil {
		sd.fundingRate = tick.FundingRate
		if tick.LastPrice > 0 {
			sd.lastPrice = tick.LastPrice
		}
		if !tick.NextFundingTime.IsZero() {
			sd.nextFunding = tick.NextFundingTime
		}
	} else {
		r.deps.Log.Warn("ticker unavailable during restore, using recorded values",
			zap.String("strategy_id", record.ID), zap.Error(err))
	}

	// Insert before start, as Start does: the terminal callback must find
	// the instance in the map if it fires immediately.
	inst := newInstance(record.ID, cfg, r.deps, sd, r.remove)
	r.mu.Lock()
	r.instances[record.ID] = inst
	r.mu.Unlock()
	if err := inst.start(); err != nil {
		r.mu.Lock()
		delete(r.instances, record.ID)
		r.mu.Unlock()
		return err
	}
	r.deps.Log.Info("strategy restored",
		zap.String("strategy_id", record.ID),
		zap.String("symbol", cfg.Symbol),
	)
	return nil
}
