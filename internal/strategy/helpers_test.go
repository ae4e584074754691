package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"funding-bot/internal/config"
	"funding-bot/internal/connector"
	"funding-bot/internal/events"
	"funding-bot/internal/metrics"
	"funding-bot/internal/state"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	latency time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 7, 59, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type placedOrder struct {
	symbol     string
	side       connector.Side
	size       float64
	takeProfit float64
	stopLoss   float64
}

type fakeConnector struct {
	mu        sync.Mutex
	ticker    connector.Ticker
	tickerErr error
	placed    []placedOrder
	placeErr  error
	closed    []connector.Side
	closeErr  error
	leverage  int
	subErr    error

	tickerCB   func(connector.Ticker)
	positionCB func(connector.PositionUpdate)
}

func (f *fakeConnector) Init(ctx context.Context) error { return nil }

func (f *fakeConnector) PlaceOrderWithProtection(ctx context.Context, symbol string, side connector.Side, size, takeProfit, stopLoss float64) (connector.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return connector.Order{}, f.placeErr
	}
	f.placed = append(f.placed, placedOrder{symbol, side, size, takeProfit, stopLoss})
	return connector.Order{
		OrderID:    "ord-1",
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		EntryPrice: f.ticker.LastPrice,
		TakeProfit: takeProfit,
		StopLoss:   stopLoss,
	}, nil
}

func (f *fakeConnector) ClosePosition(ctx context.Context, symbol string, side connector.Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, side)
	return nil
}

func (f *fakeConnector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	f.leverage = leverage
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) GetTicker(ctx context.Context, symbol string) (connector.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return connector.Ticker{}, f.tickerErr
	}
	return f.ticker, nil
}

func (f *fakeConnector) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (f *fakeConnector) SubscribeTicker(symbol string, cb func(connector.Ticker)) (connector.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.tickerCB = cb
	return func() {}, nil
}

func (f *fakeConnector) SubscribePositions(cb func(connector.PositionUpdate)) (connector.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.positionCB = cb
	return func() {}, nil
}

func (f *fakeConnector) placedOrders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.placed...)
}

func (f *fakeConnector) closedSides() []connector.Side {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.Side(nil), f.closed...)
}

func (f *fakeConnector) setTicker(tick connector.Ticker) {
	f.mu.Lock()
	f.ticker = tick
	f.mu.Unlock()
}

func testDeps(clock *fakeClock, conn *fakeConnector) Deps {
	return Deps{
		Connector: conn,
		Clock:     clock,
		Bus:       events.NewBus(zap.NewNop()),
		Store:     state.NewMemoryStore(),
		Metrics:   metrics.NewNoop(),
		Log:       zap.NewNop(),
		Engine:    config.EngineConfig{GraceDelay: time.Millisecond, SettleDelay: time.Millisecond},
	}
}

// newTestInstance builds an instance that the test drives directly, without
// the run loop, so every transition is synchronous.
func newTestInstance(t *testing.T, cfg Config, clock *fakeClock, conn *fakeConnector, sd seed) *Instance {
	t.Helper()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	inst := newInstance("test", cfg, testDeps(clock, conn), sd, nil)
	inst.status = StatusMonitoring
	inst.statusView.Store(StatusMonitoring)
	return inst
}

// runNext executes the next command scheduled through the instance's queue.
func runNext(t *testing.T, s *Instance) {
	t.Helper()
	select {
	case cmd := <-s.cmds:
		cmd(context.Background())
	case <-time.After(2 * time.Second):
		t.Fatal("expected a scheduled command, got none")
	}
}

func collectKinds(ch <-chan events.Envelope) []events.Kind {
	var kinds []events.Kind
	for {
		select {
		case envelope := <-ch:
			kinds = append(kinds, envelope.Event.Kind())
		default:
			return kinds
		}
	}
}

func hasKind(kinds []events.Kind, want events.Kind) bool {
	for _, kind := range kinds {
		if kind == want {
			return true
		}
	}
	return false
}
