// Package coordinator is the single choke point for order mutations. It
// guarantees at most one in-flight operation per order type, defends against
// stale-price execution, and normalizes every price and quantity to the
// exchange's granularity before anything reaches the wire.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calebhsu/perptrader/pkg/binance"
	"github.com/calebhsu/perptrader/pkg/models"
	"github.com/calebhsu/perptrader/pkg/pricing"
	"github.com/calebhsu/perptrader/pkg/tradelog"
)

// ErrLocked means an operation of this order type is already in flight.
// Callers skip the attempt and retry on a later tick.
var ErrLocked = errors.New("coordinator: order type locked")

// ErrGuardRejected means a price sanity guard refused the submission. The
// operation is skipped, not retried; the next tick re-evaluates with fresh
// prices.
var ErrGuardRejected = errors.New("coordinator: guard rejected")

// DefaultLockTimeout is the auto-release deadline for a held lock. It is the
// safety valve against a hung network call leaving a strategy permanently
// stuck on one order type.
const DefaultLockTimeout = 3 * time.Second

type Config struct {
	Symbol           string
	TickSize         float64
	StepSize         float64
	MaxMarkDeviation float64 // fraction, e.g. 0.05
	LockTimeout      time.Duration
}

// opState is the lock/timer/pending triple for one order type. The
// generation counter makes a late timer firing after an explicit unlock a
// strict no-op.
type opState struct {
	locked    bool
	gen       uint64
	timer     *time.Timer
	pendingID int64
}

type Coordinator struct {
	client  binance.Client
	cfg     Config
	logger  *logrus.Entry
	journal *tradelog.Log

	mu  sync.Mutex
	ops map[models.OrderType]*opState
}

func New(client binance.Client, cfg Config, logger *logrus.Logger, journal *tradelog.Log) *Coordinator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	ops := make(map[models.OrderType]*opState, len(models.OrderTypes))
	for _, typ := range models.OrderTypes {
		ops[typ] = &opState{}
	}
	return &Coordinator{
		client:  client,
		cfg:     cfg,
		logger:  logger.WithFields(logrus.Fields{"component": "coordinator", "symbol": cfg.Symbol}),
		journal: journal,
		ops:     ops,
	}
}

// IsLocked reports whether an operation of typ is in flight.
func (c *Coordinator) IsLocked(typ models.OrderType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[typ].locked
}

// Lock marks typ as in flight and arms the auto-release timer.
func (c *Coordinator) Lock(typ models.OrderType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockLocked(typ)
}

func (c *Coordinator) lockLocked(typ models.OrderType) {
	st := c.ops[typ]
	if st.timer != nil {
		st.timer.Stop()
	}
	st.locked = true
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(c.cfg.LockTimeout, func() {
		c.onLockTimeout(typ, gen)
	})
}

func (c *Coordinator) onLockTimeout(typ models.OrderType, gen uint64) {
	c.mu.Lock()
	st := c.ops[typ]
	if !st.locked || st.gen != gen {
		c.mu.Unlock()
		return
	}
	st.locked = false
	st.pendingID = 0
	st.timer = nil
	c.mu.Unlock()

	lockTimeouts.Inc()
	c.logger.WithField("order_type", typ).Warn("Lock timed out without confirmation, releasing")
	c.journal.Append("lock", "%s lock released by timeout", typ)
}

// Unlock releases typ and clears its pending order id. Idempotent.
func (c *Coordinator) Unlock(typ models.OrderType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlockLocked(typ)
}

func (c *Coordinator) unlockLocked(typ models.OrderType) {
	st := c.ops[typ]
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.locked = false
	st.pendingID = 0
	st.gen++
}

func (c *Coordinator) setPending(typ models.OrderType, orderID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops[typ].pendingID = orderID
}

// PendingID returns the most recently submitted order id for typ, 0 if none.
func (c *Coordinator) PendingID(typ models.OrderType) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[typ].pendingID
}

// SyncOpenOrders is the push-triggered unlock pass: when the pending order of
// a type is absent from the open-order snapshot, or no longer resting, the
// exchange has resolved the operation and the lock can be released.
func (c *Coordinator) SyncOpenOrders(open []models.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for typ, st := range c.ops {
		if st.pendingID == 0 {
			continue
		}
		resolved := true
		for i := range open {
			if open[i].OrderID == st.pendingID {
				resolved = !open[i].Status.Active()
				break
			}
		}
		if resolved {
			c.logger.WithFields(logrus.Fields{
				"order_type": typ,
				"order_id":   st.pendingID,
			}).Debug("Pending order resolved by push update")
			c.unlockLocked(typ)
		}
	}
}

// Deduplicate cancels all but the most recently updated open order of the
// given type and side. Duplicates are a known consequence of replace races;
// orders that vanished before we cancel them count as success.
func (c *Coordinator) Deduplicate(ctx context.Context, open []models.Order, typ models.OrderType, side models.OrderSide) error {
	var dupes []models.Order
	for _, o := range open {
		if o.Type == typ && o.Side == side && o.Status.Active() {
			dupes = append(dupes, o)
		}
	}
	if len(dupes) <= 1 {
		return nil
	}

	sort.Slice(dupes, func(i, j int) bool {
		return dupes[i].UpdateTime > dupes[j].UpdateTime
	})

	for _, o := range dupes[1:] {
		if err := c.client.CancelOrder(ctx, c.cfg.Symbol, o.OrderID); err != nil {
			if binance.IsUnknownOrder(err) {
				c.logger.WithField("order_id", o.OrderID).Debug("Duplicate already gone")
				continue
			}
			return fmt.Errorf("failed to cancel duplicate %d: %w", o.OrderID, err)
		}
		duplicateCancels.Inc()
		c.journal.Append("dedup", "cancelled duplicate %s %s order %d", typ, side, o.OrderID)
	}
	return nil
}

// SubmitLimit places a limit order at price, guarded against mark deviation.
func (c *Coordinator) SubmitLimit(ctx context.Context, open []models.Order, side models.OrderSide, price, qty, mark float64, reduceOnly bool) (models.Order, error) {
	price = pricing.RoundPrice(price, c.cfg.TickSize)
	if !c.checkMark(models.OrderTypeLimit, side, price, mark) {
		return models.Order{}, ErrGuardRejected
	}
	return c.submit(ctx, open, models.OrderRequest{
		Symbol:      c.cfg.Symbol,
		Side:        side,
		Type:        models.OrderTypeLimit,
		Price:       price,
		Quantity:    pricing.RoundQuantity(qty, c.cfg.StepSize),
		ReduceOnly:  reduceOnly,
		TimeInForce: models.TimeInForceGTC,
	})
}

// SubmitMarket places a market order. refPrice is the price the caller
// expects to trade near (usually the last trade price); it is what the mark
// guard checks, since a market order has no limit of its own.
func (c *Coordinator) SubmitMarket(ctx context.Context, open []models.Order, side models.OrderSide, qty, refPrice, mark float64) (models.Order, error) {
	if !c.checkMark(models.OrderTypeMarket, side, refPrice, mark) {
		return models.Order{}, ErrGuardRejected
	}
	return c.submit(ctx, open, models.OrderRequest{
		Symbol:   c.cfg.Symbol,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: pricing.RoundQuantity(qty, c.cfg.StepSize),
	})
}

// SubmitStopMarket places a resting STOP_MARKET that closes the position when
// stopPrice trades. The stop must not trigger immediately against lastPrice.
func (c *Coordinator) SubmitStopMarket(ctx context.Context, open []models.Order, side models.OrderSide, stopPrice, qty, lastPrice, mark float64) (models.Order, error) {
	stopPrice = pricing.RoundPrice(stopPrice, c.cfg.TickSize)
	if !pricing.ValidStopPrice(side, stopPrice, lastPrice) {
		guardRejections.WithLabelValues("stop_vs_last").Inc()
		c.logger.WithFields(logrus.Fields{
			"side": side, "stop_price": stopPrice, "last_price": lastPrice,
		}).Warn("Stop price would trigger immediately, skipping")
		return models.Order{}, ErrGuardRejected
	}
	if !c.checkMark(models.OrderTypeStopMarket, side, stopPrice, mark) {
		return models.Order{}, ErrGuardRejected
	}
	return c.submit(ctx, open, models.OrderRequest{
		Symbol:        c.cfg.Symbol,
		Side:          side,
		Type:          models.OrderTypeStopMarket,
		StopPrice:     stopPrice,
		Quantity:      pricing.RoundQuantity(qty, c.cfg.StepSize),
		ClosePosition: true,
	})
}

// SubmitTrailingStop places a TRAILING_STOP_MARKET armed at activationPrice
// with the given callback percentage.
func (c *Coordinator) SubmitTrailingStop(ctx context.Context, open []models.Order, side models.OrderSide, activationPrice, callbackRate, qty, mark float64) (models.Order, error) {
	activationPrice = pricing.RoundPrice(activationPrice, c.cfg.TickSize)
	if !c.checkMark(models.OrderTypeTrailingStopMarket, side, activationPrice, mark) {
		return models.Order{}, ErrGuardRejected
	}
	return c.submit(ctx, open, models.OrderRequest{
		Symbol:          c.cfg.Symbol,
		Side:            side,
		Type:            models.OrderTypeTrailingStopMarket,
		ActivationPrice: activationPrice,
		CallbackRate:    callbackRate,
		Quantity:        pricing.RoundQuantity(qty, c.cfg.StepSize),
		ReduceOnly:      true,
	})
}

// MarketClose flattens qty of the position with a reduce-only market order.
func (c *Coordinator) MarketClose(ctx context.Context, open []models.Order, side models.OrderSide, qty, refPrice, mark float64) (models.Order, error) {
	if !c.checkMark(models.OrderTypeMarket, side, refPrice, mark) {
		return models.Order{}, ErrGuardRejected
	}
	return c.submit(ctx, open, models.OrderRequest{
		Symbol:     c.cfg.Symbol,
		Side:       side,
		Type:       models.OrderTypeMarket,
		Quantity:   pricing.RoundQuantity(qty, c.cfg.StepSize),
		ReduceOnly: true,
	})
}

// CancelOrder cancels one order, treating "already gone" as success.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID int64) error {
	err := c.client.CancelOrder(ctx, c.cfg.Symbol, orderID)
	if err != nil && binance.IsUnknownOrder(err) {
		c.logger.WithField("order_id", orderID).Debug("Order already gone on cancel")
		return nil
	}
	return err
}

// CancelOrders cancels a batch, tolerating already-gone orders.
func (c *Coordinator) CancelOrders(ctx context.Context, orderIDs []int64) error {
	if len(orderIDs) == 0 {
		return nil
	}
	err := c.client.CancelOrders(ctx, c.cfg.Symbol, orderIDs)
	if err != nil && binance.IsUnknownOrder(err) {
		return nil
	}
	return err
}

// CancelAll flushes every resting order for the symbol.
func (c *Coordinator) CancelAll(ctx context.Context) error {
	err := c.client.CancelAllOrders(ctx, c.cfg.Symbol)
	if err != nil && binance.IsUnknownOrder(err) {
		return nil
	}
	return err
}

func (c *Coordinator) checkMark(typ models.OrderType, side models.OrderSide, price, mark float64) bool {
	if pricing.WithinMarkRange(side, price, mark, c.cfg.MaxMarkDeviation) {
		return true
	}
	guardRejections.WithLabelValues("mark_deviation").Inc()
	c.logger.WithFields(logrus.Fields{
		"order_type": typ, "side": side, "price": price, "mark": mark,
	}).Warn("Price deviates too far from mark, skipping")
	c.journal.Append("guard", "%s %s at %v rejected against mark %v", typ, side, price, mark)
	return false
}

// submit runs the common tail of every submission: dedup, lock, send, record
// pending. The lock stays held on success until the push stream confirms the
// order (SyncOpenOrders) or the timeout fires; failure releases it at once.
func (c *Coordinator) submit(ctx context.Context, open []models.Order, req models.OrderRequest) (models.Order, error) {
	if req.Quantity <= 0 && !req.ClosePosition {
		return models.Order{}, fmt.Errorf("coordinator: quantity rounds to zero for %s %s", req.Type, req.Side)
	}

	c.mu.Lock()
	if c.ops[req.Type].locked {
		c.mu.Unlock()
		return models.Order{}, ErrLocked
	}
	c.mu.Unlock()

	if err := c.Deduplicate(ctx, open, req.Type, req.Side); err != nil {
		return models.Order{}, err
	}

	c.Lock(req.Type)
	order, err := c.client.CreateOrder(ctx, req)
	if err != nil {
		c.Unlock(req.Type)
		if binance.IsUnknownOrder(err) {
			c.logger.WithField("order_type", req.Type).Debug("Target order already gone on submit")
			return models.Order{}, nil
		}
		return models.Order{}, fmt.Errorf("failed to submit %s %s: %w", req.Type, req.Side, err)
	}
	c.setPending(req.Type, order.OrderID)

	ordersSubmitted.WithLabelValues(string(req.Type)).Inc()
	c.journal.Append("order", "submitted %s %s qty=%v price=%v stop=%v id=%d",
		req.Type, req.Side, req.Quantity, req.Price, req.StopPrice, order.OrderID)
	return order, nil
}
