// Package binance is the exchange gateway: REST commands and push streams for
// USD-margined perpetual futures. The trading core only sees the Client
// interface and the typed stream subscriptions; everything Binance-specific
// (string prices, listen keys, error codes) stays behind this boundary.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/calebhsu/perptrader/pkg/models"
	"github.com/calebhsu/perptrader/pkg/pricing"
)

// Client is the command surface the trading core depends on. Implementations
// must surface "order already gone" so that IsUnknownOrder recognizes it.
type Client interface {
	CreateOrder(ctx context.Context, req models.OrderRequest) (models.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelOrders(ctx context.Context, symbol string, orderIDs []int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	Account(ctx context.Context) (models.AccountSnapshot, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// Filters carries the symbol's exchange granularity.
type Filters struct {
	TickSize float64
	StepSize float64
}

// RestClient implements Client over the Binance futures REST API.
type RestClient struct {
	client  *futures.Client
	limiter *rate.Limiter
	logger  *logrus.Entry

	mu      sync.RWMutex
	filters map[string]Filters
}

// cancelBatchSize is the exchange limit on one batch-cancel call.
const cancelBatchSize = 10

func NewRestClient(apiKey, apiSecret string, testnet bool, logger *logrus.Logger) *RestClient {
	futures.UseTestnet = testnet
	return &RestClient{
		client: futures.NewClient(apiKey, apiSecret),
		// The futures API allows 1200 request weight units per minute;
		// staying below 10 calls/sec leaves room for bursts of cancels.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.WithField("component", "binance"),
		filters: make(map[string]Filters),
	}
}

// SymbolFilters fetches tick and step size for symbol from exchange info.
func (c *RestClient) SymbolFilters(ctx context.Context, symbol string) (Filters, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Filters{}, err
	}
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return Filters{}, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := Filters{}
		for _, raw := range s.Filters {
			switch raw["filterType"] {
			case "PRICE_FILTER":
				if v, ok := raw["tickSize"].(string); ok {
					f.TickSize, _ = strconv.ParseFloat(v, 64)
				}
			case "LOT_SIZE":
				if v, ok := raw["stepSize"].(string); ok {
					f.StepSize, _ = strconv.ParseFloat(v, 64)
				}
			}
		}
		if f.TickSize == 0 || f.StepSize == 0 {
			return f, fmt.Errorf("incomplete filters for %s", symbol)
		}
		c.mu.Lock()
		c.filters[symbol] = f
		c.mu.Unlock()
		return f, nil
	}
	return Filters{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func (c *RestClient) CreateOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.Order{}, err
	}

	c.mu.RLock()
	f := c.filters[req.Symbol]
	c.mu.RUnlock()

	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type))

	// closePosition orders take no quantity; the exchange rejects both.
	if req.Quantity > 0 && !req.ClosePosition {
		svc = svc.Quantity(formatWith(req.Quantity, f.StepSize))
	}
	if req.Price > 0 {
		svc = svc.Price(formatWith(req.Price, f.TickSize))
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(formatWith(req.StopPrice, f.TickSize)).WorkingType(futures.WorkingTypeMarkPrice)
	}
	if req.ActivationPrice > 0 {
		svc = svc.ActivationPrice(formatWith(req.ActivationPrice, f.TickSize))
	}
	if req.CallbackRate > 0 {
		svc = svc.CallbackRate(formatFloat(req.CallbackRate))
	}
	if req.TimeInForce != "" {
		svc = svc.TimeInForce(futures.TimeInForceType(req.TimeInForce))
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return models.Order{}, err
	}

	return models.Order{
		OrderID:         resp.OrderID,
		ClientOrderID:   resp.ClientOrderID,
		Symbol:          resp.Symbol,
		Side:            models.OrderSide(resp.Side),
		Type:            models.OrderType(resp.Type),
		Status:          models.OrderStatus(resp.Status),
		Price:           parseFloat(resp.Price),
		StopPrice:       parseFloat(resp.StopPrice),
		ActivationPrice: parseFloat(resp.ActivatePrice),
		Quantity:        parseFloat(resp.OrigQuantity),
		ExecutedQty:     parseFloat(resp.ExecutedQuantity),
		ReduceOnly:      resp.ReduceOnly,
		ClosePosition:   resp.ClosePosition,
		CreatedAt:       time.Now(),
		UpdateTime:      resp.UpdateTime,
	}, nil
}

func (c *RestClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil && IsUnknownOrder(err) {
		return fmt.Errorf("cancel %d: %w", orderID, ErrUnknownOrder)
	}
	return err
}

func (c *RestClient) CancelOrders(ctx context.Context, symbol string, orderIDs []int64) error {
	for start := 0; start < len(orderIDs); start += cancelBatchSize {
		end := start + cancelBatchSize
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		batch := orderIDs[start:end]

		if len(batch) == 1 {
			if err := c.CancelOrder(ctx, symbol, batch[0]); err != nil && !IsUnknownOrder(err) {
				return err
			}
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.client.NewCancelMultipleOrdersService().
			Symbol(symbol).
			OrderIDList(batch).
			Do(ctx)
		if err != nil {
			// The batch endpoint fails as a unit; fall back to one-by-one
			// so a single already-gone order cannot poison the batch.
			c.logger.WithError(err).Warn("Batch cancel failed, retrying individually")
			for _, id := range batch {
				if cerr := c.CancelOrder(ctx, symbol, id); cerr != nil && !IsUnknownOrder(cerr) {
					return cerr
				}
			}
		}
	}
	return nil
}

func (c *RestClient) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
}

func (c *RestClient) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	orders, err := c.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}

	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func (c *RestClient) Account(ctx context.Context) (models.AccountSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.AccountSnapshot{}, err
	}
	account, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.AccountSnapshot{}, fmt.Errorf("failed to fetch account: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return models.AccountSnapshot{}, err
	}
	// PositionRisk carries the mark price the account endpoint omits.
	risks, err := c.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return models.AccountSnapshot{}, fmt.Errorf("failed to fetch position risk: %w", err)
	}

	snap := models.AccountSnapshot{
		AvailableBalance: parseFloat(account.AvailableBalance),
		Positions:        make(map[string]models.PositionSnapshot, len(risks)),
		UpdatedAt:        time.Now(),
	}
	for _, p := range risks {
		snap.Positions[p.Symbol] = models.PositionSnapshot{
			Symbol:           p.Symbol,
			PositionAmt:      parseFloat(p.PositionAmt),
			EntryPrice:       parseFloat(p.EntryPrice),
			UnrealizedProfit: parseFloat(p.UnRealizedProfit),
			MarkPrice:        parseFloat(p.MarkPrice),
		}
	}
	return snap, nil
}

func (c *RestClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	klines, err := c.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for i, k := range klines {
		candles = append(candles, models.Candle{
			Symbol:   symbol,
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
			OpenTime: time.UnixMilli(k.OpenTime),
			// The last kline in a history response is still forming.
			Closed: i < len(klines)-1,
		})
	}
	return candles, nil
}

func (c *RestClient) startUserStream(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.client.NewStartUserStreamService().Do(ctx)
}

func (c *RestClient) keepaliveUserStream(ctx context.Context, listenKey string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
}

func convertOrder(o *futures.Order) models.Order {
	return models.Order{
		OrderID:         o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            models.OrderSide(o.Side),
		Type:            models.OrderType(o.Type),
		Status:          models.OrderStatus(o.Status),
		Price:           parseFloat(o.Price),
		StopPrice:       parseFloat(o.StopPrice),
		ActivationPrice: parseFloat(o.ActivatePrice),
		Quantity:        parseFloat(o.OrigQuantity),
		ExecutedQty:     parseFloat(o.ExecutedQuantity),
		ReduceOnly:      o.ReduceOnly,
		ClosePosition:   o.ClosePosition,
		CreatedAt:       time.UnixMilli(o.Time),
		UpdateTime:      o.UpdateTime,
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatWith renders v at the increment's precision when the symbol filters
// are known, falling back to the shortest exact form.
func formatWith(v, increment float64) string {
	if increment <= 0 {
		return formatFloat(v)
	}
	return pricing.FormatPrice(v, increment)
}
