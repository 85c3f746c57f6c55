package trader

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/calebhsu/perptrader/pkg/coordinator"
	"github.com/calebhsu/perptrader/pkg/models"
	"github.com/calebhsu/perptrader/pkg/tradelog"
)

// fakeGateway records every order mutation the engines issue.
type fakeGateway struct {
	created        []models.OrderRequest
	cancelled      []int64
	cancelAllCalls int
	nextID         int64

	createErr error
}

func (f *fakeGateway) CreateOrder(_ context.Context, req models.OrderRequest) (models.Order, error) {
	if f.createErr != nil {
		return models.Order{}, f.createErr
	}
	f.created = append(f.created, req)
	f.nextID++
	return models.Order{
		OrderID: f.nextID,
		Symbol:  req.Symbol,
		Side:    req.Side,
		Type:    req.Type,
		Status:  models.OrderStatusNew,
	}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeGateway) CancelOrders(_ context.Context, _ string, orderIDs []int64) error {
	f.cancelled = append(f.cancelled, orderIDs...)
	return nil
}

func (f *fakeGateway) CancelAllOrders(context.Context, string) error {
	f.cancelAllCalls++
	return nil
}

func (f *fakeGateway) OpenOrders(context.Context, string) ([]models.Order, error) {
	return nil, nil
}

func (f *fakeGateway) Account(context.Context) (models.AccountSnapshot, error) {
	return models.AccountSnapshot{}, nil
}

func (f *fakeGateway) Klines(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, nil
}

// ordersOfType filters the recorded create requests.
func (f *fakeGateway) ordersOfType(typ models.OrderType) []models.OrderRequest {
	var out []models.OrderRequest
	for _, r := range f.created {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newHarness() (*fakeGateway, *coordinator.Coordinator, *MarketState) {
	gw := &fakeGateway{}
	coord := coordinator.New(gw, coordinator.Config{
		Symbol:           "BTCUSDT",
		TickSize:         0.1,
		StepSize:         0.001,
		MaxMarkDeviation: 0.5,
	}, quietLogger(), tradelog.New(tradelog.DefaultCapacity))
	return gw, coord, NewMarketState()
}

// closedCandles builds n closed candles all closing at price.
func closedCandles(n int, price float64) []models.Candle {
	candles := make([]models.Candle, n)
	for i := range candles {
		candles[i] = models.Candle{Close: price, Closed: true}
	}
	return candles
}

func setMarket(ms *MarketState, last float64, candles []models.Candle, orders []models.Order, pos models.PositionSnapshot) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.ticker = models.Ticker{Symbol: "BTCUSDT", LastPrice: last, BidPrice: last - 0.1, AskPrice: last + 0.1}
	ms.candles = candles
	ms.orders = orders
	ms.account = models.AccountSnapshot{
		Positions: map[string]models.PositionSnapshot{"BTCUSDT": pos},
	}
	ms.haveOrders = true
	ms.haveTicker = true
}
