package trader

import (
	"context"
	"testing"
	"time"

	"github.com/calebhsu/perptrader/pkg/models"
	"github.com/calebhsu/perptrader/pkg/tradelog"
)

func trendSetup(cfg TrendConfig) (*TrendEngine, *fakeGateway, *MarketState) {
	gw, coord, state := newHarness()
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	e := NewTrendEngine(coord, state, cfg, quietLogger(), tradelog.New(tradelog.DefaultCapacity))
	return e, gw, state
}

func TestCrossoverEntryOncePerMinute(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{
		Quantity:       0.01,
		LossLimit:      50,
		TrailingProfit: 100,
		TickSize:       0.1,
	})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	candles := closedCandles(30, 100)
	flat := models.PositionSnapshot{Symbol: "BTCUSDT"}

	// First tick records the previous price below the SMA.
	setMarket(state, 99.9, candles, nil, flat)
	e.tick(context.Background())
	if len(gw.created) != 0 {
		t.Fatal("no entry without a crossover")
	}

	// Price crosses above: one market buy.
	setMarket(state, 100.1, candles, nil, flat)
	e.tick(context.Background())
	markets := gw.ordersOfType(models.OrderTypeMarket)
	if len(markets) != 1 || markets[0].Side != models.OrderSideBuy {
		t.Fatalf("expected one market BUY, got %+v", markets)
	}
	if markets[0].Quantity != 0.01 {
		t.Fatalf("entry quantity not rounded as configured: %v", markets[0].Quantity)
	}

	// Opposite crossover in the same calendar minute is suppressed even with
	// the lock released.
	e.coord.SyncOpenOrders(nil)
	base = base.Add(20 * time.Second)
	setMarket(state, 99.9, candles, nil, flat)
	e.tick(context.Background())
	if len(gw.ordersOfType(models.OrderTypeMarket)) != 1 {
		t.Fatal("second entry within the same minute must be suppressed")
	}

	// Next minute allows a new crossover.
	base = base.Add(time.Minute)
	setMarket(state, 100.1, candles, nil, flat)
	e.tick(context.Background())
	if len(gw.ordersOfType(models.OrderTypeMarket)) != 2 {
		t.Fatal("entry should fire again in a new minute")
	}
}

func TestCooldownSuppressesEntry(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{Quantity: 0.01, Cooldown: time.Minute, TickSize: 0.1})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }
	e.cooldownUntil = base.Add(30 * time.Second)

	candles := closedCandles(30, 100)
	flat := models.PositionSnapshot{Symbol: "BTCUSDT"}

	setMarket(state, 99.9, candles, nil, flat)
	e.tick(context.Background())
	setMarket(state, 100.1, candles, nil, flat)
	e.tick(context.Background())
	if len(gw.created) != 0 {
		t.Fatal("entry during cooldown must be suppressed")
	}

	// Once the cooldown lapses the same crossover setup enters.
	base = base.Add(2 * time.Minute)
	setMarket(state, 99.9, candles, nil, flat)
	e.tick(context.Background())
	setMarket(state, 100.1, candles, nil, flat)
	e.tick(context.Background())
	if len(gw.ordersOfType(models.OrderTypeMarket)) != 1 {
		t.Fatal("entry should fire after the cooldown lapses")
	}
}

func TestEntryRequiresFullSMAWindow(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{Quantity: 0.01, TickSize: 0.1})
	flat := models.PositionSnapshot{Symbol: "BTCUSDT"}

	candles := closedCandles(29, 100)
	setMarket(state, 99.9, candles, nil, flat)
	e.tick(context.Background())
	setMarket(state, 100.1, candles, nil, flat)
	e.tick(context.Background())
	if len(gw.created) != 0 {
		t.Fatal("no entry with fewer than 30 closed candles")
	}
}

func TestProtectiveOrdersPlacedForPosition(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{
		Quantity:       1,
		LossLimit:      5,
		TrailingProfit: 10,
		CallbackRate:   0.5,
		TickSize:       0.1,
	})
	long := models.PositionSnapshot{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 100}

	// First tick places the base stop.
	setMarket(state, 100, closedCandles(30, 100), nil, long)
	e.tick(context.Background())
	stops := gw.ordersOfType(models.OrderTypeStopMarket)
	if len(stops) != 1 {
		t.Fatalf("expected one stop, got %d", len(stops))
	}
	if stops[0].Side != models.OrderSideSell || stops[0].StopPrice != 95 {
		t.Fatalf("unexpected base stop: %+v", stops[0])
	}
	if !stops[0].ClosePosition {
		t.Fatal("base stop should close the whole position")
	}

	// With the stop resting, the next tick arms the trailing stop.
	e.coord.SyncOpenOrders(nil)
	resting := []models.Order{
		{OrderID: 1, Type: models.OrderTypeStopMarket, Side: models.OrderSideSell, StopPrice: 95, Status: models.OrderStatusNew},
	}
	setMarket(state, 100, closedCandles(30, 100), resting, long)
	e.tick(context.Background())
	trailing := gw.ordersOfType(models.OrderTypeTrailingStopMarket)
	if len(trailing) != 1 {
		t.Fatalf("expected one trailing stop, got %d", len(trailing))
	}
	if trailing[0].ActivationPrice != 110 || trailing[0].CallbackRate != 0.5 {
		t.Fatalf("unexpected trailing stop: %+v", trailing[0])
	}
	if !trailing[0].ReduceOnly {
		t.Fatal("trailing stop must be reduce-only")
	}
}

func TestProfitLockWalksStopForward(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{
		Quantity:          1,
		LossLimit:         5,
		TrailingProfit:    10,
		CallbackRate:      0.5,
		ProfitLockTrigger: 2,
		ProfitLockOffset:  1,
		TickSize:          0.1,
	})
	long := models.PositionSnapshot{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 104}
	resting := []models.Order{
		{OrderID: 1, Type: models.OrderTypeStopMarket, Side: models.OrderSideSell, StopPrice: 95, Status: models.OrderStatusNew},
		{OrderID: 2, Type: models.OrderTypeTrailingStopMarket, Side: models.OrderSideSell, ActivationPrice: 110, Status: models.OrderStatusNew},
	}

	setMarket(state, 104, closedCandles(30, 100), resting, long)
	e.tick(context.Background())

	if len(gw.cancelled) != 1 || gw.cancelled[0] != 1 {
		t.Fatalf("old stop should be cancelled first, got %v", gw.cancelled)
	}
	stops := gw.ordersOfType(models.OrderTypeStopMarket)
	if len(stops) != 1 {
		t.Fatalf("expected one replacement stop, got %d", len(stops))
	}
	// pnl 4, trigger 2, offset 1: two steps past breakeven.
	if stops[0].StopPrice != 102 {
		t.Fatalf("expected walked stop at 102, got %v", stops[0].StopPrice)
	}
	if stops[0].StopPrice >= 104 {
		t.Fatal("stop must stay on the valid side of the last price")
	}
}

func TestProfitLockStopsAtActivation(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{
		Quantity:          1,
		LossLimit:         5,
		TrailingProfit:    10,
		ProfitLockTrigger: 2,
		ProfitLockOffset:  1,
		TickSize:          0.1,
	})
	long := models.PositionSnapshot{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 110}
	resting := []models.Order{
		{OrderID: 1, Type: models.OrderTypeStopMarket, Side: models.OrderSideSell, StopPrice: 102, Status: models.OrderStatusNew},
		{OrderID: 2, Type: models.OrderTypeTrailingStopMarket, Side: models.OrderSideSell, ActivationPrice: 110, Status: models.OrderStatusNew},
	}

	// Last price has crossed the activation: the trailing stop owns the exit
	// now, the stepped lock must not touch the stop.
	setMarket(state, 110.2, closedCandles(30, 100), resting, long)
	e.tick(context.Background())
	if len(gw.cancelled) != 0 || len(gw.created) != 0 {
		t.Fatal("no stop replacement once the activation price is crossed")
	}
}

func TestProfitLockRequiresImprovement(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{
		Quantity:          1,
		LossLimit:         5,
		TrailingProfit:    10,
		ProfitLockTrigger: 2,
		ProfitLockOffset:  1,
		TickSize:          0.1,
	})
	long := models.PositionSnapshot{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 104}
	// The resting stop already sits at the step target.
	resting := []models.Order{
		{OrderID: 1, Type: models.OrderTypeStopMarket, Side: models.OrderSideSell, StopPrice: 102, Status: models.OrderStatusNew},
		{OrderID: 2, Type: models.OrderTypeTrailingStopMarket, Side: models.OrderSideSell, ActivationPrice: 110, Status: models.OrderStatusNew},
	}

	setMarket(state, 104, closedCandles(30, 100), resting, long)
	e.tick(context.Background())
	if len(gw.cancelled) != 0 || len(gw.created) != 0 {
		t.Fatal("stop must only be replaced when the move improves by a tick")
	}
}

func TestForcedExitFlushesAndCloses(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{
		Quantity:  1,
		LossLimit: 5,
		Cooldown:  time.Minute,
		TickSize:  0.1,
	})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	long := models.PositionSnapshot{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 94, UnrealizedProfit: -6}
	resting := []models.Order{
		{OrderID: 1, Type: models.OrderTypeStopMarket, Side: models.OrderSideSell, StopPrice: 95, Status: models.OrderStatusNew},
	}

	setMarket(state, 94, closedCandles(30, 100), resting, long)
	e.tick(context.Background())

	if gw.cancelAllCalls != 1 {
		t.Fatalf("expected one cancel-all flush, got %d", gw.cancelAllCalls)
	}
	markets := gw.ordersOfType(models.OrderTypeMarket)
	if len(markets) != 1 || markets[0].Side != models.OrderSideSell || !markets[0].ReduceOnly {
		t.Fatalf("expected one reduce-only market SELL, got %+v", markets)
	}
	if !e.cooldownUntil.Equal(base.Add(time.Minute)) {
		t.Fatalf("cooldown not armed: %v", e.cooldownUntil)
	}
	if e.trades != 1 {
		t.Fatalf("trade counter not incremented: %d", e.trades)
	}
}

func TestForcedExitIdempotentWhileCloseInFlight(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{Quantity: 1, LossLimit: 5, TickSize: 0.1})
	long := models.PositionSnapshot{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 94}

	setMarket(state, 94, closedCandles(30, 100), nil, long)
	e.tick(context.Background())
	// The close is in flight (market type locked); repeated breaches must not
	// submit a second close.
	e.tick(context.Background())
	e.tick(context.Background())

	if len(gw.ordersOfType(models.OrderTypeMarket)) != 1 {
		t.Fatalf("expected exactly one market close, got %d", len(gw.ordersOfType(models.OrderTypeMarket)))
	}
}

func TestCooldownArmsWhenExchangeStopCloses(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{
		Quantity:       1,
		LossLimit:      5,
		TrailingProfit: 10,
		Cooldown:       time.Minute,
		TickSize:       0.1,
	})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	// One managed tick, then the resting stop fires on the exchange and the
	// next snapshot is flat.
	long := models.PositionSnapshot{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 100}
	setMarket(state, 100, closedCandles(30, 100), nil, long)
	e.tick(context.Background())

	flat := models.PositionSnapshot{Symbol: "BTCUSDT"}
	setMarket(state, 99.9, closedCandles(30, 100), nil, flat)
	e.tick(context.Background())

	if !e.cooldownUntil.Equal(base.Add(time.Minute)) {
		t.Fatalf("cooldown not armed on flat transition: %v", e.cooldownUntil)
	}

	// A crossover inside the cooldown window must not enter.
	before := len(gw.ordersOfType(models.OrderTypeMarket))
	setMarket(state, 100.1, closedCandles(30, 100), nil, flat)
	e.tick(context.Background())
	if len(gw.ordersOfType(models.OrderTypeMarket)) != before {
		t.Fatal("entry during post-stop cooldown must be suppressed")
	}
}

func TestForcedExitDeferredOnSlippage(t *testing.T) {
	e, gw, state := trendSetup(TrendConfig{
		Quantity:      1,
		LossLimit:     5,
		SlippageLimit: 0.001,
		TickSize:      0.1,
	})
	// Best bid has drifted far below mark: defer the close this tick.
	long := models.PositionSnapshot{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 100}
	state.mu.Lock()
	state.ticker = models.Ticker{Symbol: "BTCUSDT", LastPrice: 94, BidPrice: 94, AskPrice: 94.2}
	state.candles = closedCandles(30, 100)
	state.account = models.AccountSnapshot{Positions: map[string]models.PositionSnapshot{"BTCUSDT": long}}
	state.haveOrders = true
	state.haveTicker = true
	state.mu.Unlock()

	e.tick(context.Background())
	if len(gw.ordersOfType(models.OrderTypeMarket)) != 0 {
		t.Fatal("close must be deferred when price deviates beyond the slippage limit")
	}
}
