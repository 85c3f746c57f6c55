package trader

import (
	"sync"

	"github.com/calebhsu/perptrader/pkg/binance"
	"github.com/calebhsu/perptrader/pkg/coordinator"
	"github.com/calebhsu/perptrader/pkg/models"
)

// MarketState caches the latest full-replace snapshots from the push streams.
// Stream callbacks only ever swap snapshots and run the coordinator's
// lock-sync pass; order mutations happen exclusively inside engine ticks.
type MarketState struct {
	mu sync.RWMutex

	account    models.AccountSnapshot
	orders     []models.Order
	book       models.OrderBook
	ticker     models.Ticker
	candles    []models.Candle
	haveOrders bool
	haveTicker bool
}

// NewMarketState returns an empty snapshot cache.
func NewMarketState() *MarketState {
	return &MarketState{}
}

// stateView is a consistent copy taken at the start of a tick.
type stateView struct {
	account    models.AccountSnapshot
	orders     []models.Order
	book       models.OrderBook
	ticker     models.Ticker
	candles    []models.Candle
	haveOrders bool
	haveTicker bool
}

// Bind wires the stream manager into the cache. Every open-orders push also
// runs the coordinator's pending-order reconciliation so locks release as
// soon as the exchange resolves an operation.
func (ms *MarketState) Bind(sm *binance.StreamManager, coord *coordinator.Coordinator, onUpdate func()) {
	sm.SubscribeAccount(func(acct models.AccountSnapshot) {
		ms.mu.Lock()
		ms.account = acct
		ms.mu.Unlock()
		if onUpdate != nil {
			onUpdate()
		}
	})
	sm.SubscribeOrders(func(orders []models.Order) {
		ms.mu.Lock()
		ms.orders = orders
		ms.haveOrders = true
		ms.mu.Unlock()
		coord.SyncOpenOrders(orders)
		if onUpdate != nil {
			onUpdate()
		}
	})
	sm.SubscribeDepth(func(book models.OrderBook) {
		ms.mu.Lock()
		ms.book = book
		ms.mu.Unlock()
	})
	sm.SubscribeTicker(func(t models.Ticker) {
		ms.mu.Lock()
		ms.ticker = t
		ms.haveTicker = true
		ms.mu.Unlock()
	})
	sm.SubscribeKlines(func(candles []models.Candle) {
		ms.mu.Lock()
		ms.candles = candles
		ms.mu.Unlock()
	})
}

func (ms *MarketState) view() stateView {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	v := stateView{
		account:    ms.account,
		book:       ms.book,
		ticker:     ms.ticker,
		haveOrders: ms.haveOrders,
		haveTicker: ms.haveTicker,
	}
	v.orders = make([]models.Order, len(ms.orders))
	copy(v.orders, ms.orders)
	v.candles = make([]models.Candle, len(ms.candles))
	copy(v.candles, ms.candles)
	return v
}

// openOf returns the cached open orders matching type and side.
func (v stateView) openOf(typ models.OrderType, side models.OrderSide) []models.Order {
	var out []models.Order
	for _, o := range v.orders {
		if o.Type == typ && o.Side == side && o.Status.Active() {
			out = append(out, o)
		}
	}
	return out
}
