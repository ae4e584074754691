// Package app assembles the process: exchange gateway, synchronized clock,
// durable state, observers and the strategy registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"funding-bot/internal/alerts"
	"funding-bot/internal/config"
	"funding-bot/internal/connector"
	"funding-bot/internal/connector/rest"
	"funding-bot/internal/connector/ws"
	"funding-bot/internal/events"
	"funding-bot/internal/journal"
	"funding-bot/internal/metrics"
	"funding-bot/internal/state"
	"funding-bot/internal/state/sqlite"
	"funding-bot/internal/strategy"
	"funding-bot/internal/timesync"

	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	bus      *events.Bus
	clock    *timesync.Clock
	gateway  *connector.Gateway
	store    state.Store
	journal  *journal.Writer
	prom     *metrics.Prometheus
	telegram *alerts.Telegram
	registry *strategy.Registry
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, nil, log)
	stream := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	gateway := connector.NewGateway(restClient, stream, log)
	clock := timesync.New(gateway, cfg.TimeSync, log)
	bus := events.NewBus(log)

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	journalWriter, err := journal.New(cfg.Journal, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	counters := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		counters = prom.Metrics
	}

	registry := strategy.NewRegistry(strategy.Deps{
		Connector: gateway,
		Clock:     clock,
		Bus:       bus,
		Store:     store,
		Metrics:   counters,
		Log:       log,
		Engine:    cfg.Engine,
	})

	return &App{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		clock:    clock,
		gateway:  gateway,
		store:    store,
		journal:  journalWriter,
		prom:     prom,
		telegram: alerts.NewTelegram(cfg.Telegram, log),
		registry: registry,
	}, nil
}

// Run brings everything up, restores persisted strategies, starts the ones
// configured at boot and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.gateway.Init(ctx); err != nil {
		return fmt.Errorf("connect exchange stream: %w", err)
	}
	// Engines schedule against synchronized time; refuse to trade on an
	// unsynchronized local clock.
	if err := a.clock.Sync(ctx); err != nil {
		return fmt.Errorf("initial time sync: %w", err)
	}
	a.log.Info("clock synchronized", zap.Duration("latency", a.clock.Latency()))
	go a.clock.Run(ctx)

	a.journal.Start(ctx, a.bus)
	a.telegram.Watch(ctx, a.bus)

	var metricsSrv *http.Server
	if a.prom != nil {
		metricsSrv = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: a.prom.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	restored, err := a.registry.RestoreOnBoot(ctx)
	if err != nil {
		a.log.Warn("restore on boot failed", zap.Error(err))
	} else if restored > 0 {
		a.log.Info("strategies restored", zap.Int("count", restored))
	}

	for i, boot := range a.cfg.Strategies {
		id, err := a.registry.Start(ctx, bootConfig(boot))
		if err != nil {
			a.log.Error("boot strategy failed",
				zap.Int("index", i),
				zap.String("symbol", boot.Symbol),
				zap.Error(err),
			)
			continue
		}
		a.log.Info("boot strategy started", zap.String("strategy_id", id), zap.String("symbol", boot.Symbol))
	}

	<-ctx.Done()
	a.shutdown(metricsSrv)
	return nil
}

func (a *App) shutdown(metricsSrv *http.Server) {
	a.log.Info("shutting down")
	a.registry.Shutdown()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			a.log.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	if err := a.journal.Close(); err != nil {
		a.log.Warn("journal close failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state store close failed", zap.Error(err))
	}
}

func bootConfig(boot config.StrategyConfig) strategy.Config {
	return strategy.Config{
		UserID:            boot.UserID,
		Symbol:            boot.Symbol,
		Mode:              strategy.Mode(boot.Mode),
		Side:              strategy.SideChoice(boot.Side),
		Leverage:          boot.Leverage,
		MarginUSD:         boot.MarginUSD,
		ExecutionDelaySec: boot.ExecutionDelaySec,
		TimingOffset:      boot.TimingOffset,
		TakeProfitPercent: boot.TakeProfitPercent,
		StopLossPercent:   boot.StopLossPercent,
		AutoRepeat:        boot.AutoRepeat,
	}
}
