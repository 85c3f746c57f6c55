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
	"github.com/calebhsu/perptrader/pkg/reconcile"
	"github.com/calebhsu/perptrader/pkg/tradelog"
)

type Imbalance string

const (
	ImbalanceBalanced     Imbalance = "balanced"
	ImbalanceBuyDominant  Imbalance = "buy_dominant"
	ImbalanceSellDominant Imbalance = "sell_dominant"
)

type MakerConfig struct {
	Symbol         string
	BidOffset      float64
	AskOffset      float64
	Quantity       float64
	PriceTolerance float64
	DepthLevels    int
	ImbalanceRatio float64 // skip quoting a side beyond this ratio
	CollapseRatio  float64 // emergency-exit threshold while positioned
	LossLimit      float64
	TickInterval   time.Duration
	SlippageLimit  float64
	FlatEpsilon    float64
	TickSize       float64
}

// MakerSnapshot is the read-only dashboard view of the maker engine.
type MakerSnapshot struct {
	Ready         bool                    `json:"ready"`
	Symbol        string                  `json:"symbol"`
	TopBid        float64                 `json:"top_bid"`
	TopAsk        float64                 `json:"top_ask"`
	Spread        float64                 `json:"spread"`
	Imbalance     Imbalance               `json:"imbalance"`
	Position      models.PositionSnapshot `json:"position"`
	RealizedPnL   float64                 `json:"realized_pnl"`
	SessionVolume float64                 `json:"session_volume"`
	Trades        int                     `json:"trades"`
	DesiredOrders []models.DesiredOrder   `json:"desired_orders"`
	OpenOrders    []models.Order          `json:"open_orders"`
	TradeLog      []tradelog.Entry        `json:"trade_log"`
}

// MakerEngine quotes both sides of the book at fixed offsets from the top,
// reconciling the resting quote against the desired one every tick instead of
// blindly re-quoting. When positioned it quotes a single reduce-only close
// and watches the opposing depth for collapse.
type MakerEngine struct {
	coord   *coordinator.Coordinator
	state   *MarketState
	cfg     MakerConfig
	logger  *logrus.Entry
	journal *tradelog.Log

	ticking int32
	stopCh  chan struct{}
	now     func() time.Time

	mu          sync.Mutex
	flushed     bool // startup cancel-all done
	imbalance   Imbalance
	desired     []models.DesiredOrder
	realizedPnL float64
	trades      int
	volume      float64
	onUpdate    func(MakerSnapshot)
}

func NewMakerEngine(coord *coordinator.Coordinator, state *MarketState, cfg MakerConfig, logger *logrus.Logger, journal *tradelog.Log) *MakerEngine {
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 10
	}
	if cfg.ImbalanceRatio <= 0 {
		cfg.ImbalanceRatio = 3
	}
	if cfg.CollapseRatio <= 0 {
		cfg.CollapseRatio = 6
	}
	if cfg.FlatEpsilon <= 0 {
		cfg.FlatEpsilon = 1e-5
	}
	return &MakerEngine{
		coord:     coord,
		state:     state,
		cfg:       cfg,
		logger:    logger.WithFields(logrus.Fields{"engine": "maker", "symbol": cfg.Symbol}),
		journal:   journal,
		stopCh:    make(chan struct{}),
		now:       time.Now,
		imbalance: ImbalanceBalanced,
	}
}

func (e *MakerEngine) Subscribe(h func(MakerSnapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = h
}

func (e *MakerEngine) Unsubscribe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = nil
}

func (e *MakerEngine) Run(ctx context.Context) {
	e.logger.WithField("interval", e.cfg.TickInterval).Info("Maker engine started")
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

func (e *MakerEngine) Stop() {
	close(e.stopCh)
}

func (e *MakerEngine) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.ticking, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.ticking, 0)
	defer e.notify()

	snap := e.state.view()
	if !snap.haveOrders {
		return
	}

	// Discard whatever survived the last run, exactly once per process.
	e.mu.Lock()
	flushed := e.flushed
	e.mu.Unlock()
	if !flushed {
		if err := e.coord.CancelAll(ctx); err != nil {
			e.logger.WithError(err).Error("Startup flush failed")
			return
		}
		e.mu.Lock()
		e.flushed = true
		e.mu.Unlock()
		e.journal.Append("startup", "stale resting orders flushed")
		return
	}

	if len(snap.book.Bids) == 0 || len(snap.book.Asks) == 0 {
		return
	}

	bidDepth := snap.book.BidDepth(e.cfg.DepthLevels)
	askDepth := snap.book.AskDepth(e.cfg.DepthLevels)
	imb := classifyImbalance(bidDepth, askDepth, e.cfg.ImbalanceRatio)
	e.mu.Lock()
	e.imbalance = imb
	e.mu.Unlock()

	pos := snap.account.Position(e.cfg.Symbol)
	if !pos.Flat(e.cfg.FlatEpsilon) {
		if e.depthCollapsed(pos, bidDepth, askDepth) {
			e.emergencyExit(ctx, snap, pos, "opposing depth collapsed")
			return
		}
		if e.lossLimitBreached(snap, pos) {
			e.emergencyExit(ctx, snap, pos, "loss limit breached")
			return
		}
	}

	desired := e.computeDesired(snap, pos, imb)
	e.mu.Lock()
	e.desired = desired
	e.mu.Unlock()

	open := activeLimitOrders(snap.orders)
	toCancel, toPlace := reconcile.Diff(open, desired, e.cfg.PriceTolerance)

	if len(toCancel) > 0 {
		ids := make([]int64, 0, len(toCancel))
		for _, o := range toCancel {
			ids = append(ids, o.OrderID)
		}
		if err := e.coord.CancelOrders(ctx, ids); err != nil {
			e.logger.WithError(err).Error("Failed to cancel mismatched quotes")
			return
		}
	}

	mark := e.markOr(snap, pos)
	for _, d := range toPlace {
		if d.Quantity <= 0 {
			continue
		}
		if _, err := e.coord.SubmitLimit(ctx, snap.orders, d.Side, d.Price, d.Quantity, mark, d.ReduceOnly); err != nil {
			e.logSkip(err, "quote placement")
		}
	}
}

// computeDesired builds the quote for this tick: two-sided when flat, a
// single reduce-only close when positioned. Sides flagged by the imbalance
// check are skipped rather than quoted into a one-sided book.
func (e *MakerEngine) computeDesired(snap stateView, pos models.PositionSnapshot, imb Imbalance) []models.DesiredOrder {
	topBid := snap.book.Bids[0].Price
	topAsk := snap.book.Asks[0].Price

	if !pos.Flat(e.cfg.FlatEpsilon) {
		long := pos.Direction(e.cfg.FlatEpsilon) == models.DirectionLong
		d := models.DesiredOrder{Quantity: pos.Quantity(), ReduceOnly: true}
		if long {
			d.Side = models.OrderSideSell
			d.Price = pricing.RoundPrice(topAsk+e.cfg.AskOffset, e.cfg.TickSize)
		} else {
			d.Side = models.OrderSideBuy
			d.Price = pricing.RoundPrice(topBid-e.cfg.BidOffset, e.cfg.TickSize)
		}
		return []models.DesiredOrder{d}
	}

	var desired []models.DesiredOrder
	if imb != ImbalanceSellDominant {
		desired = append(desired, models.DesiredOrder{
			Side:     models.OrderSideBuy,
			Price:    pricing.RoundPrice(topBid-e.cfg.BidOffset, e.cfg.TickSize),
			Quantity: e.cfg.Quantity,
		})
	}
	if imb != ImbalanceBuyDominant {
		desired = append(desired, models.DesiredOrder{
			Side:     models.OrderSideSell,
			Price:    pricing.RoundPrice(topAsk+e.cfg.AskOffset, e.cfg.TickSize),
			Quantity: e.cfg.Quantity,
		})
	}
	return desired
}

// depthCollapsed reports whether the side that would absorb our close has
// vanished or is outnumbered beyond the collapse ratio.
func (e *MakerEngine) depthCollapsed(pos models.PositionSnapshot, bidDepth, askDepth float64) bool {
	long := pos.Direction(e.cfg.FlatEpsilon) == models.DirectionLong
	supporting, opposing := askDepth, bidDepth
	if long {
		supporting, opposing = bidDepth, askDepth
	}
	if supporting <= 0 {
		return true
	}
	return opposing/supporting >= e.cfg.CollapseRatio
}

func (e *MakerEngine) lossLimitBreached(snap stateView, pos models.PositionSnapshot) bool {
	if e.cfg.LossLimit <= 0 {
		return false
	}
	// P&L derived from the price a close would actually achieve.
	best := snap.book.Bids[0].Price
	if pos.Direction(e.cfg.FlatEpsilon) == models.DirectionShort {
		best = snap.book.Asks[0].Price
	}
	pnl := (best - pos.EntryPrice) * pos.PositionAmt
	return pnl <= -e.cfg.LossLimit || pos.UnrealizedProfit <= -e.cfg.LossLimit
}

// emergencyExit flushes every resting order and market-closes the position
// regardless of P&L.
func (e *MakerEngine) emergencyExit(ctx context.Context, snap stateView, pos models.PositionSnapshot, reason string) {
	e.logger.WithField("reason", reason).Warn("Emergency exit")
	e.journal.Append("risk", "emergency exit: %s", reason)

	if err := e.coord.CancelAll(ctx); err != nil {
		e.logger.WithError(err).Error("Failed to flush orders during emergency exit")
		return
	}

	long := pos.Direction(e.cfg.FlatEpsilon) == models.DirectionLong
	closeSide := models.OrderSideBuy
	best := snap.book.Asks[0].Price
	if long {
		closeSide = models.OrderSideSell
		best = snap.book.Bids[0].Price
	}
	mark := e.markOr(snap, pos)
	if e.cfg.SlippageLimit > 0 && mark > 0 && math.Abs(best-mark)/mark > e.cfg.SlippageLimit {
		e.logger.WithFields(logrus.Fields{"best": best, "mark": mark}).Warn("Close price too far from mark, deferring exit")
		return
	}

	qty := pos.Quantity()
	if _, err := e.coord.MarketClose(ctx, snap.orders, closeSide, qty, best, mark); err != nil {
		e.logSkip(err, "emergency close")
		return
	}

	pnl := (best - pos.EntryPrice) * pos.PositionAmt
	e.mu.Lock()
	e.realizedPnL += pnl
	e.trades++
	e.volume += qty * best
	e.mu.Unlock()
	e.journal.Append("exit", "emergency close %s %.6f at %.4f (pnl %.2f)", closeSide, qty, best, pnl)
}

func (e *MakerEngine) logSkip(err error, op string) {
	switch err {
	case coordinator.ErrLocked:
		e.logger.WithField("op", op).Debug("Operation skipped, order type locked")
	case coordinator.ErrGuardRejected:
		e.logger.WithField("op", op).Debug("Operation skipped by price guard")
	default:
		e.logger.WithError(err).WithField("op", op).Error("Operation failed")
	}
}

func (e *MakerEngine) markOr(snap stateView, pos models.PositionSnapshot) float64 {
	if pos.MarkPrice > 0 {
		return pos.MarkPrice
	}
	if snap.ticker.LastPrice > 0 {
		return snap.ticker.LastPrice
	}
	if len(snap.book.Bids) > 0 && len(snap.book.Asks) > 0 {
		return (snap.book.Bids[0].Price + snap.book.Asks[0].Price) / 2
	}
	return 0
}

func (e *MakerEngine) Snapshot() MakerSnapshot {
	snap := e.state.view()
	pos := snap.account.Position(e.cfg.Symbol)

	var topBid, topAsk float64
	if len(snap.book.Bids) > 0 {
		topBid = snap.book.Bids[0].Price
	}
	if len(snap.book.Asks) > 0 {
		topAsk = snap.book.Asks[0].Price
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return MakerSnapshot{
		Ready:         snap.haveOrders && topBid > 0 && topAsk > 0,
		Symbol:        e.cfg.Symbol,
		TopBid:        topBid,
		TopAsk:        topAsk,
		Spread:        topAsk - topBid,
		Imbalance:     e.imbalance,
		Position:      pos,
		RealizedPnL:   e.realizedPnL,
		SessionVolume: e.volume,
		Trades:        e.trades,
		DesiredOrders: append([]models.DesiredOrder(nil), e.desired...),
		OpenOrders:    snap.orders,
		TradeLog:      e.journal.Entries(),
	}
}

func (e *MakerEngine) notify() {
	e.mu.Lock()
	h := e.onUpdate
	e.mu.Unlock()
	if h != nil {
		h(e.Snapshot())
	}
}

func classifyImbalance(bidDepth, askDepth, ratio float64) Imbalance {
	switch {
	case askDepth <= 0 && bidDepth <= 0:
		return ImbalanceBalanced
	case askDepth <= 0 || bidDepth/askDepth >= ratio:
		return ImbalanceBuyDominant
	case bidDepth <= 0 || askDepth/bidDepth >= ratio:
		return ImbalanceSellDominant
	default:
		return ImbalanceBalanced
	}
}

// activeLimitOrders filters the reconciler's input down to resting limit
// orders; protective stop types are managed elsewhere.
func activeLimitOrders(orders []models.Order) []models.Order {
	var out []models.Order
	for _, o := range orders {
		if o.Type == models.OrderTypeLimit && o.Status.Active() {
			out = append(out, o)
		}
	}
	return out
}
