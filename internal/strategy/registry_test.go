package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"funding-bot/internal/connector"
	"funding-bot/internal/state"
)

func registryFixture(t *testing.T) (*Registry, *fakeClock, *fakeConnector, *state.MemoryStore) {
	t.Helper()
	clock := newFakeClock()
	conn := &fakeConnector{}
	conn.setTicker(connector.Ticker{
		Symbol:          "BTCUSDT",
		LastPrice:       100,
		FundingRate:     0.01,
		NextFundingTime: clock.Now().Add(time.Hour),
	})
	deps := testDeps(clock, conn)
	store := deps.Store.(*state.MemoryStore)
	return NewRegistry(deps), clock, conn, store
}

func TestRegistryStartAndStop(t *testing.T) {
	registry, _, conn, store := registryFixture(t)
	ctx := context.Background()

	id, err := registry.Start(ctx, collectionConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if conn.leverage != 10 {
		t.Fatalf("leverage = %d, want 10", conn.leverage)
	}
	if _, ok := registry.Get(id); !ok {
		t.Fatal("started instance not reachable")
	}
	if record, ok, _ := store.GetRecord(ctx, id); !ok || record.Symbol != "BTCUSDT" {
		t.Fatalf("record = %v/%+v, want persisted BTCUSDT record", ok, record)
	}

	if err := registry.Stop(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := registry.Get(id); ok {
		t.Fatal("instance still reachable after stop")
	}
	record, _, _ := store.GetRecord(ctx, id)
	if record.Status != state.StatusCancelled {
		t.Fatalf("record status = %s, want CANCELLED", record.Status)
	}
	if err := registry.Stop(ctx, id); err == nil {
		t.Fatal("expected error stopping an unknown id")
	}
}

func TestRegistryStartRejectsInvalidConfig(t *testing.T) {
	registry, _, _, _ := registryFixture(t)
	cfg := collectionConfig()
	cfg.MarginUSD = 0
	if _, err := registry.Start(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRegistryStopClosesHeldSlots(t *testing.T) {
	registry, _, conn, _ := registryFixture(t)
	ctx := context.Background()

	id, err := registry.Start(ctx, collectionConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, _ := registry.Get(id)
	inst.stop() // freeze the loop so the slot seed below is race-free
	inst.first = Position{Exists: true, Side: connector.SideSell, Size: 10, EntryPrice: 100, TakeProfit: 10, StopLoss: 120}

	if err := registry.Stop(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	closed := conn.closedSides()
	if len(closed) != 1 || closed[0] != connector.SideSell {
		t.Fatalf("closed = %v, want one Sell close", closed)
	}
}

func TestRestoreOnBootResumesLiveRecords(t *testing.T) {
	registry, clock, _, store := registryFixture(t)
	ctx := context.Background()

	live := state.StrategyRecord{
		ID:                "live-1",
		Symbol:            "BTCUSDT",
		Mode:              string(ModeFundingCollection),
		Side:              string(ChooseAuto),
		Leverage:          10,
		MarginUSD:         100,
		ExecutionDelaySec: 5,
		Status:            state.StatusWaiting,
		FundingRate:       0.01,
		NextFundingTimeMS: clock.Now().Add(time.Hour).UnixMilli(),
		CreatedAtMS:       clock.Now().UnixMilli(),
	}
	if err := store.SaveRecord(ctx, live); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	restored, err := registry.RestoreOnBoot(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}
	inst, ok := registry.Get("live-1")
	if !ok {
		t.Fatal("restored instance not reachable")
	}
	if got := inst.secondsRemaining(); got < 3590 || got > 3600 {
		t.Fatalf("seconds remaining = %d, want about 3600", got)
	}
	registry.Shutdown()
}

func TestRestoreOnBootCompletesStaleRecords(t *testing.T) {
	registry, clock, _, store := registryFixture(t)
	ctx := context.Background()

	stale := state.StrategyRecord{
		ID:                "stale-1",
		Symbol:            "BTCUSDT",
		Mode:              string(ModeFundingCollection),
		Side:              string(ChooseAuto),
		Leverage:          10,
		MarginUSD:         100,
		Status:            state.StatusExecuting,
		NextFundingTimeMS: clock.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := store.SaveRecord(ctx, stale); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	restored, err := registry.RestoreOnBoot(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 0 {
		t.Fatalf("restored = %d, want 0", restored)
	}
	if _, ok := registry.Get("stale-1"); ok {
		t.Fatal("stale record must not be resumed")
	}
	record, _, _ := store.GetRecord(ctx, "stale-1")
	if record.Status != state.StatusCompleted {
		t.Fatalf("record status = %s, want COMPLETED", record.Status)
	}
}

func TestRestoreStartFailureRollsBack(t *testing.T) {
	registry, clock, conn, store := registryFixture(t)
	ctx := context.Background()

	record := state.StrategyRecord{
		ID:                "sub-1",
		Symbol:            "BTCUSDT",
		Mode:              string(ModeFundingCollection),
		Side:              string(ChooseAuto),
		Leverage:          10,
		MarginUSD:         100,
		Status:            state.StatusWaiting,
		NextFundingTimeMS: clock.Now().Add(time.Hour).UnixMilli(),
	}
	if err := store.SaveRecord(ctx, record); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	conn.subErr = errors.New("stream unavailable")

	restored, err := registry.RestoreOnBoot(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 0 {
		t.Fatalf("restored = %d, want 0", restored)
	}
	if _, ok := registry.Get("sub-1"); ok {
		t.Fatal("failed instance left reachable in the registry")
	}
	if got := registry.List(); len(got) != 0 {
		t.Fatalf("list = %d entries, want none", len(got))
	}
	stored, _, _ := store.GetRecord(ctx, "sub-1")
	if stored.Status != state.StatusError {
		t.Fatalf("record status = %s, want ERROR", stored.Status)
	}
}

func TestRestoreOnBootIsolatesBrokenRecords(t *testing.T) {
	registry, clock, _, store := registryFixture(t)
	ctx := context.Background()

	broken := state.StrategyRecord{
		ID:     "broken-1",
		Mode:   string(ModeFundingCollection),
		Status: state.StatusActive,
		// no symbol, no margin
	}
	good := state.StrategyRecord{
		ID:                "good-1",
		Symbol:            "BTCUSDT",
		Mode:              string(ModeFundingCollection),
		Side:              string(ChooseAuto),
		Leverage:          10,
		MarginUSD:         100,
		Status:            state.StatusWaiting,
		NextFundingTimeMS: clock.Now().Add(time.Hour).UnixMilli(),
	}
	if err := store.SaveRecord(ctx, broken); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := store.SaveRecord(ctx, good); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	restored, err := registry.RestoreOnBoot(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}
	record, _, _ := store.GetRecord(ctx, "broken-1")
	if record.Status != state.StatusError {
		t.Fatalf("broken record status = %s, want ERROR", record.Status)
	}
	registry.Shutdown()
}

func TestShutdownStopsEverythingWithoutCancelling(t *testing.T) {
	registry, _, conn, store := registryFixture(t)
	ctx := context.Background()

	id, err := registry.Start(ctx, collectionConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	registry.Shutdown()

	if _, ok := registry.Get(id); ok {
		t.Fatal("instance still reachable after shutdown")
	}
	if len(conn.closedSides()) != 0 {
		t.Fatal("shutdown must not close positions")
	}
	record, _, _ := store.GetRecord(ctx, id)
	if record.Status == state.StatusCancelled {
		t.Fatal("shutdown must leave the record restorable, not cancelled")
	}
}
