package trader

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calebhsu/perptrader/pkg/coordinator"
	"github.com/calebhsu/perptrader/pkg/models"
	"github.com/calebhsu/perptrader/pkg/pricing"
	"github.com/calebhsu/perptrader/pkg/tradelog"
)

type TrendConfig struct {
	Symbol            string
	Quantity          float64
	LossLimit         float64 // dollars
	TrailingProfit    float64 // dollars of move before the trailing stop arms
	CallbackRate      float64 // percent, e.g. 0.5
	ProfitLockTrigger float64 // dollars of profit before the stop starts walking
	ProfitLockOffset  float64 // dollars per step
	Cooldown          time.Duration
	TickInterval      time.Duration
	SlippageLimit     float64 // fraction of mark, forced-exit abort threshold
	FlatEpsilon       float64
	EntryEpsilon      float64
	SMAPeriod         int
	TickSize          float64
}

// TrendSnapshot is the read-only view exposed to the dashboard.
type TrendSnapshot struct {
	Ready         bool                    `json:"ready"`
	Symbol        string                  `json:"symbol"`
	LastPrice     float64                 `json:"last_price"`
	SMA           float64                 `json:"sma"`
	Position      models.PositionSnapshot `json:"position"`
	RealizedPnL   float64                 `json:"realized_pnl"`
	UnrealizedPnL float64                 `json:"unrealized_pnl"`
	SessionVolume float64                 `json:"session_volume"`
	Trades        int                     `json:"trades"`
	CooldownUntil time.Time               `json:"cooldown_until"`
	OpenOrders    []models.Order          `json:"open_orders"`
	TradeLog      []tradelog.Entry        `json:"trade_log"`
}

// TrendEngine runs the SMA-crossover strategy: enter on a crossover, protect
// with a base stop and a trailing stop, walk the stop forward as profit
// accumulates, and force-exit on the loss limit.
type TrendEngine struct {
	coord   *coordinator.Coordinator
	state   *MarketState
	cfg     TrendConfig
	logger  *logrus.Entry
	journal *tradelog.Log

	ticking int32
	stopCh  chan struct{}
	now     func() time.Time

	mu              sync.Mutex
	wasPositioned   bool
	prevPrice       float64
	lastSMA         float64
	lastEntryMinute int64
	cooldownUntil   time.Time
	realizedPnL     float64
	trades          int
	volume          float64
	onUpdate        func(TrendSnapshot)
}

func NewTrendEngine(coord *coordinator.Coordinator, state *MarketState, cfg TrendConfig, logger *logrus.Logger, journal *tradelog.Log) *TrendEngine {
	if cfg.SMAPeriod <= 0 {
		cfg.SMAPeriod = 30
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.FlatEpsilon <= 0 {
		cfg.FlatEpsilon = 1e-5
	}
	if cfg.EntryEpsilon <= 0 {
		cfg.EntryEpsilon = 1e-8
	}
	return &TrendEngine{
		coord:           coord,
		state:           state,
		cfg:             cfg,
		logger:          logger.WithFields(logrus.Fields{"engine": "trend", "symbol": cfg.Symbol}),
		journal:         journal,
		stopCh:          make(chan struct{}),
		now:             time.Now,
		lastEntryMinute: -1,
	}
}

// Subscribe registers the dashboard update callback. At most one subscriber;
// a second call replaces the first.
func (e *TrendEngine) Subscribe(h func(TrendSnapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = h
}

func (e *TrendEngine) Unsubscribe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = nil
}

func (e *TrendEngine) Run(ctx context.Context) {
	e.logger.WithField("interval", e.cfg.TickInterval).Info("Trend engine started")
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *TrendEngine) Stop() {
	close(e.stopCh)
}

// tick is the single decision pass. A tick still in progress ignores a new
// timer firing.
func (e *TrendEngine) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.ticking, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.ticking, 0)
	defer e.notify()

	snap := e.state.view()
	if !snap.haveTicker || !snap.haveOrders {
		return
	}

	pos := snap.account.Position(e.cfg.Symbol)
	if pos.Flat(e.cfg.FlatEpsilon) {
		e.noteFlatTransition()
		e.manageFlat(ctx, snap)
	} else {
		e.mu.Lock()
		e.wasPositioned = true
		e.mu.Unlock()
		e.managePosition(ctx, snap, pos)
	}
}

// noteFlatTransition arms the cooldown when the position snapshot returns to
// flat after being managed. This covers closes executed by the exchange's own
// resting stop, which the engine never submits itself.
func (e *TrendEngine) noteFlatTransition() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.wasPositioned {
		return
	}
	e.wasPositioned = false
	until := e.now().Add(e.cfg.Cooldown)
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
	e.journal.Append("exit", "position flat, cooldown until %s", until.Format(time.RFC3339))
}

func (e *TrendEngine) manageFlat(ctx context.Context, snap stateView) {
	closes := closedCloses(snap.candles)
	price := snap.ticker.LastPrice

	e.mu.Lock()
	prev := e.prevPrice
	e.prevPrice = price
	cooldownUntil := e.cooldownUntil
	lastEntryMinute := e.lastEntryMinute
	e.mu.Unlock()

	sma, ok := pricing.SMA(closes, e.cfg.SMAPeriod)
	if !ok {
		return
	}
	e.mu.Lock()
	e.lastSMA = sma
	e.mu.Unlock()

	if prev <= 0 || price <= 0 {
		return
	}

	var side models.OrderSide
	switch {
	case prev < sma && price > sma:
		side = models.OrderSideBuy
	case prev > sma && price < sma:
		side = models.OrderSideSell
	default:
		return
	}

	now := e.now()
	if now.Before(cooldownUntil) {
		e.logger.WithField("until", cooldownUntil).Debug("Entry suppressed by cooldown")
		return
	}
	minute := now.Unix() / 60
	if minute == lastEntryMinute {
		return
	}

	// Clear any leftover resting orders before opening.
	var stale []int64
	for _, o := range snap.orders {
		if o.Type != models.OrderTypeMarket && o.Status.Active() {
			stale = append(stale, o.OrderID)
		}
	}
	if len(stale) > 0 {
		if err := e.coord.CancelOrders(ctx, stale); err != nil {
			e.logger.WithError(err).Error("Failed to clear resting orders before entry")
			return
		}
	}

	mark := e.markOr(snap, price)
	order, err := e.coord.SubmitMarket(ctx, snap.orders, side, e.cfg.Quantity, price, mark)
	if err != nil {
		e.logEntrySkip(err, "entry")
		return
	}

	e.mu.Lock()
	e.lastEntryMinute = minute
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"side": side, "price": price, "sma": sma, "order_id": order.OrderID,
	}).Info("Crossover entry")
	e.journal.Append("entry", "%s crossover at %.4f (sma %.4f)", side, price, sma)
}

func (e *TrendEngine) managePosition(ctx context.Context, snap stateView, pos models.PositionSnapshot) {
	if math.Abs(pos.EntryPrice) < e.cfg.EntryEpsilon {
		return
	}

	qty := pos.Quantity()
	long := pos.Direction(e.cfg.FlatEpsilon) == models.DirectionLong
	closeSide := models.OrderSideSell
	if !long {
		closeSide = models.OrderSideBuy
	}
	last := snap.ticker.LastPrice
	if last <= 0 {
		return
	}
	mark := e.markOr(snap, last)

	pnl := (last - pos.EntryPrice) * pos.PositionAmt
	if pnl <= -e.cfg.LossLimit || pos.UnrealizedProfit <= -e.cfg.LossLimit {
		e.forceExit(ctx, snap, pos, closeSide, pnl)
		return
	}

	perUnitLoss := e.cfg.LossLimit / qty
	perUnitProfit := e.cfg.TrailingProfit / qty
	var baseStop, activation float64
	if long {
		baseStop = pos.EntryPrice - perUnitLoss
		activation = pos.EntryPrice + perUnitProfit
	} else {
		baseStop = pos.EntryPrice + perUnitLoss
		activation = pos.EntryPrice - perUnitProfit
	}

	stops := snap.openOf(models.OrderTypeStopMarket, closeSide)
	trailing := snap.openOf(models.OrderTypeTrailingStopMarket, closeSide)

	if len(stops) == 0 {
		if _, err := e.coord.SubmitStopMarket(ctx, snap.orders, closeSide, baseStop, qty, last, mark); err != nil {
			e.logEntrySkip(err, "stop placement")
		} else {
			e.journal.Append("protect", "base stop placed at %.4f", baseStop)
		}
		return
	}

	if len(trailing) == 0 {
		if _, err := e.coord.SubmitTrailingStop(ctx, snap.orders, closeSide, activation, e.cfg.CallbackRate, qty, mark); err != nil {
			e.logEntrySkip(err, "trailing stop placement")
		} else {
			e.journal.Append("protect", "trailing stop armed at %.4f (callback %.2f%%)", activation, e.cfg.CallbackRate)
		}
		return
	}

	e.stepProfitLock(ctx, snap, pos, stops[0], long, closeSide, last, mark, activation, pnl, qty)
}

// stepProfitLock walks the resting stop toward the current price in discrete
// profit steps. It stops once the trailing stop's activation price has been
// crossed (that order takes over from there) and never proposes a stop past
// the activation price or on the wrong side of the last price.
func (e *TrendEngine) stepProfitLock(ctx context.Context, snap stateView, pos models.PositionSnapshot, stop models.Order, long bool, closeSide models.OrderSide, last, mark, activation, pnl, qty float64) {
	tick := e.cfg.TickSize
	if long && last >= activation-tick {
		return
	}
	if !long && last <= activation+tick {
		return
	}
	if pnl < e.cfg.ProfitLockTrigger || e.cfg.ProfitLockOffset <= 0 {
		return
	}

	steps := math.Floor((pnl - e.cfg.ProfitLockTrigger) / e.cfg.ProfitLockOffset)
	priceStep := e.cfg.ProfitLockOffset / qty

	var target float64
	if long {
		target = pos.EntryPrice + steps*priceStep
		if target > activation-tick {
			target = activation - tick
		}
		if target >= last-tick {
			return
		}
		// Replace only when the move is protective by at least one tick.
		if target < stop.StopPrice+tick {
			return
		}
	} else {
		target = pos.EntryPrice - steps*priceStep
		if target < activation+tick {
			target = activation + tick
		}
		if target <= last+tick {
			return
		}
		if target > stop.StopPrice-tick {
			return
		}
	}

	e.replaceStop(ctx, snap, stop, closeSide, target, qty, last, mark)
}

// replaceStop performs cancel-old then place-new. If the new stop fails to
// place, it tries to restore the old one; a failed restore leaves the
// position unprotected until the next tick and is logged as such.
func (e *TrendEngine) replaceStop(ctx context.Context, snap stateView, old models.Order, side models.OrderSide, target, qty, last, mark float64) {
	if err := e.coord.CancelOrder(ctx, old.OrderID); err != nil {
		e.logger.WithError(err).Error("Failed to cancel stop for profit lock")
		return
	}

	if _, err := e.coord.SubmitStopMarket(ctx, snap.orders, side, target, qty, last, mark); err != nil {
		e.logger.WithError(err).WithField("target", target).Error("Failed to place improved stop, restoring previous")
		if _, rerr := e.coord.SubmitStopMarket(ctx, snap.orders, side, old.StopPrice, qty, last, mark); rerr != nil {
			e.logger.WithError(rerr).Error("Failed to restore previous stop, position unprotected until next tick")
			e.journal.Append("risk", "stop restore failed, position unprotected")
		}
		return
	}

	e.logger.WithFields(logrus.Fields{"from": old.StopPrice, "to": target}).Info("Profit lock stepped stop forward")
	e.journal.Append("protect", "stop walked from %.4f to %.4f", old.StopPrice, target)
}

// forceExit flushes resting orders and market-closes the full position. The
// close is aborted for this tick when the best closing price has drifted too
// far from mark; the breach re-fires next tick.
func (e *TrendEngine) forceExit(ctx context.Context, snap stateView, pos models.PositionSnapshot, closeSide models.OrderSide, pnl float64) {
	if err := e.coord.CancelAll(ctx); err != nil {
		e.logger.WithError(err).Error("Failed to flush orders before forced exit")
		return
	}

	best := snap.ticker.AskPrice
	if closeSide == models.OrderSideSell {
		best = snap.ticker.BidPrice
	}
	if best <= 0 {
		best = snap.ticker.LastPrice
	}
	mark := e.markOr(snap, best)
	if e.cfg.SlippageLimit > 0 && mark > 0 && math.Abs(best-mark)/mark > e.cfg.SlippageLimit {
		e.logger.WithFields(logrus.Fields{"best": best, "mark": mark}).Warn("Close price too far from mark, deferring exit")
		return
	}

	qty := pos.Quantity()
	order, err := e.coord.MarketClose(ctx, snap.orders, closeSide, qty, best, mark)
	if err != nil {
		e.logEntrySkip(err, "forced exit")
		return
	}

	e.mu.Lock()
	e.cooldownUntil = e.now().Add(e.cfg.Cooldown)
	e.realizedPnL += pnl
	e.trades++
	e.volume += qty * best
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{"pnl": pnl, "order_id": order.OrderID}).Warn("Loss limit hit, position closed")
	e.journal.Append("exit", "forced close %s %.6f at %.4f (pnl %.2f)", closeSide, qty, best, pnl)
}

// logEntrySkip classifies a coordinator error. Locked and guard-rejected
// operations are ordinary skips that the next tick retries with fresh state.
func (e *TrendEngine) logEntrySkip(err error, op string) {
	switch err {
	case coordinator.ErrLocked:
		e.logger.WithField("op", op).Debug("Operation skipped, order type locked")
	case coordinator.ErrGuardRejected:
		e.logger.WithField("op", op).Debug("Operation skipped by price guard")
	default:
		e.logger.WithError(err).WithField("op", op).Error("Operation failed")
	}
}

func (e *TrendEngine) markOr(snap stateView, fallback float64) float64 {
	pos := snap.account.Position(e.cfg.Symbol)
	if pos.MarkPrice > 0 {
		return pos.MarkPrice
	}
	return fallback
}

// Snapshot builds the current dashboard view.
func (e *TrendEngine) Snapshot() TrendSnapshot {
	snap := e.state.view()
	pos := snap.account.Position(e.cfg.Symbol)

	e.mu.Lock()
	defer e.mu.Unlock()
	return TrendSnapshot{
		Ready:         snap.haveTicker && snap.haveOrders,
		Symbol:        e.cfg.Symbol,
		LastPrice:     snap.ticker.LastPrice,
		SMA:           e.lastSMA,
		Position:      pos,
		RealizedPnL:   e.realizedPnL,
		UnrealizedPnL: pos.UnrealizedProfit,
		SessionVolume: e.volume,
		Trades:        e.trades,
		CooldownUntil: e.cooldownUntil,
		OpenOrders:    snap.orders,
		TradeLog:      e.journal.Entries(),
	}
}

func (e *TrendEngine) notify() {
	e.mu.Lock()
	h := e.onUpdate
	e.mu.Unlock()
	if h != nil {
		h(e.Snapshot())
	}
}

// closedCloses extracts close prices of finished candles, oldest first.
func closedCloses(candles []models.Candle) []float64 {
	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.Closed {
			closes = append(closes, c.Close)
		}
	}
	return closes
}
