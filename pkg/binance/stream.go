package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/calebhsu/perptrader/pkg/models"
)

const (
	mainnetStreamURL = "wss://fstream.binance.com"
	testnetStreamURL = "wss://stream.binancefuture.com"

	// Binance expires a listen key after 60 minutes without a keepalive.
	listenKeyInterval = 30 * time.Minute

	klineWindow = 120
)

// Stream callbacks. Each delivers a full-replace snapshot, never a diff.
type (
	AccountHandler func(models.AccountSnapshot)
	OrdersHandler  func([]models.Order)
	DepthHandler   func(models.OrderBook)
	TickerHandler  func(models.Ticker)
	KlinesHandler  func([]models.Candle)
)

// StreamManager owns the market-data and user-data websocket connections for
// one symbol and fans full-replace snapshots out to at most one subscriber per
// stream. Order and account events arrive as diffs from the exchange; the
// manager re-queries REST so subscribers always see whole state.
type StreamManager struct {
	rest           *RestClient
	symbol         string
	interval       string
	reconnectDelay time.Duration
	logger         *logrus.Entry

	mu        sync.Mutex
	onAccount AccountHandler
	onOrders  OrdersHandler
	onDepth   DepthHandler
	onTicker  TickerHandler
	onKlines  KlinesHandler

	ticker  models.Ticker
	candles []models.Candle
}

func NewStreamManager(rest *RestClient, symbol, klineInterval string, reconnectDelay time.Duration, logger *logrus.Logger) *StreamManager {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &StreamManager{
		rest:           rest,
		symbol:         symbol,
		interval:       klineInterval,
		reconnectDelay: reconnectDelay,
		logger:         logger.WithField("component", "stream"),
	}
}

// SubscribeAccount registers the account snapshot handler. At most one
// handler per stream; a second call replaces the first.
func (sm *StreamManager) SubscribeAccount(h AccountHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onAccount = h
}

func (sm *StreamManager) SubscribeOrders(h OrdersHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onOrders = h
}

func (sm *StreamManager) SubscribeDepth(h DepthHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onDepth = h
}

func (sm *StreamManager) SubscribeTicker(h TickerHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onTicker = h
}

func (sm *StreamManager) SubscribeKlines(h KlinesHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onKlines = h
}

// Start connects both streams and publishes initial snapshots. It returns
// after the first snapshots are delivered; the read loops run until ctx ends.
func (sm *StreamManager) Start(ctx context.Context, testnet bool) error {
	base := mainnetStreamURL
	if testnet {
		base = testnetStreamURL
	}

	// Seed the kline window from history so SMA is available immediately.
	candles, err := sm.rest.Klines(ctx, sm.symbol, sm.interval, klineWindow)
	if err != nil {
		return fmt.Errorf("failed to seed klines: %w", err)
	}
	sm.mu.Lock()
	sm.candles = candles
	sm.mu.Unlock()
	sm.publishKlines()

	if err := sm.publishUserSnapshots(ctx); err != nil {
		return err
	}

	sym := strings.ToLower(sm.symbol)
	marketURL := fmt.Sprintf("%s/stream?streams=%s@depth20@100ms/%s@bookTicker/%s@aggTrade/%s@kline_%s",
		base, sym, sym, sym, sym, sm.interval)

	go sm.serve(ctx, "market", func(ctx context.Context) (string, error) {
		return marketURL, nil
	}, sm.handleMarketMessage)

	go sm.serve(ctx, "user", func(ctx context.Context) (string, error) {
		key, err := sm.rest.startUserStream(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to start user stream: %w", err)
		}
		go sm.keepalive(ctx, key)
		return base + "/ws/" + key, nil
	}, sm.handleUserMessage)

	return nil
}

// serve dials, reads until failure, and reconnects after the configured
// delay. A fresh URL is requested per attempt (listen keys expire).
func (sm *StreamManager) serve(ctx context.Context, name string, urlFn func(context.Context) (string, error), handle func(context.Context, []byte)) {
	for {
		if ctx.Err() != nil {
			return
		}

		url, err := urlFn(ctx)
		if err != nil {
			sm.logger.WithError(err).WithField("stream", name).Error("Failed to prepare stream URL")
			sm.sleep(ctx)
			continue
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			sm.logger.WithError(err).WithField("stream", name).Error("Failed to connect")
			sm.sleep(ctx)
			continue
		}
		sm.logger.WithField("stream", name).Info("Stream connected")

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					sm.logger.WithError(err).WithField("stream", name).Warn("Stream read failed, reconnecting")
				}
				break
			}
			handle(ctx, payload)
		}
		conn.Close()
		sm.sleep(ctx)
	}
}

func (sm *StreamManager) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(sm.reconnectDelay):
	}
}

func (sm *StreamManager) keepalive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sm.rest.keepaliveUserStream(ctx, listenKey); err != nil {
				sm.logger.WithError(err).Warn("Listen key keepalive failed")
			}
		}
	}
}

// combinedMessage is the envelope of the combined market stream.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (sm *StreamManager) handleMarketMessage(_ context.Context, payload []byte) {
	var msg combinedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		sm.logger.WithError(err).Debug("Dropping malformed stream message")
		return
	}

	switch {
	case strings.Contains(msg.Stream, "@depth"):
		sm.handleDepth(msg.Data)
	case strings.Contains(msg.Stream, "@bookTicker"):
		sm.handleBookTicker(msg.Data)
	case strings.Contains(msg.Stream, "@aggTrade"):
		sm.handleAggTrade(msg.Data)
	case strings.Contains(msg.Stream, "@kline"):
		sm.handleKline(msg.Data)
	}
}

type depthEvent struct {
	Time int64       `json:"E"`
	Bids [][2]string `json:"b"`
	Asks [][2]string `json:"a"`
}

func (sm *StreamManager) handleDepth(data json.RawMessage) {
	var ev depthEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	book := models.OrderBook{
		Symbol:    sm.symbol,
		Bids:      parseLevels(ev.Bids),
		Asks:      parseLevels(ev.Asks),
		Timestamp: time.UnixMilli(ev.Time),
	}

	sm.mu.Lock()
	h := sm.onDepth
	sm.mu.Unlock()
	if h != nil {
		h(book)
	}
}

func parseLevels(raw [][2]string) []models.OrderBookLevel {
	levels := make([]models.OrderBookLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, models.OrderBookLevel{
			Price: parseFloat(l[0]),
			Size:  parseFloat(l[1]),
		})
	}
	return levels
}

type bookTickerEvent struct {
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
	Time     int64  `json:"E"`
}

func (sm *StreamManager) handleBookTicker(data json.RawMessage) {
	var ev bookTickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	sm.mu.Lock()
	sm.ticker.Symbol = sm.symbol
	sm.ticker.BidPrice = parseFloat(ev.BidPrice)
	sm.ticker.BidSize = parseFloat(ev.BidQty)
	sm.ticker.AskPrice = parseFloat(ev.AskPrice)
	sm.ticker.AskSize = parseFloat(ev.AskQty)
	sm.ticker.Timestamp = time.UnixMilli(ev.Time)
	snap := sm.ticker
	h := sm.onTicker
	sm.mu.Unlock()
	if h != nil {
		h(snap)
	}
}

type aggTradeEvent struct {
	Price string `json:"p"`
	Time  int64  `json:"T"`
}

func (sm *StreamManager) handleAggTrade(data json.RawMessage) {
	var ev aggTradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	sm.mu.Lock()
	sm.ticker.Symbol = sm.symbol
	sm.ticker.LastPrice = parseFloat(ev.Price)
	sm.ticker.Timestamp = time.UnixMilli(ev.Time)
	snap := sm.ticker
	h := sm.onTicker
	sm.mu.Unlock()
	if h != nil {
		h(snap)
	}
}

type klineEvent struct {
	Kline struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func (sm *StreamManager) handleKline(data json.RawMessage) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	candle := models.Candle{
		Symbol:   sm.symbol,
		Open:     parseFloat(ev.Kline.Open),
		High:     parseFloat(ev.Kline.High),
		Low:      parseFloat(ev.Kline.Low),
		Close:    parseFloat(ev.Kline.Close),
		Volume:   parseFloat(ev.Kline.Volume),
		OpenTime: time.UnixMilli(ev.Kline.OpenTime),
		Closed:   ev.Kline.Closed,
	}

	sm.mu.Lock()
	n := len(sm.candles)
	if n > 0 && sm.candles[n-1].OpenTime.Equal(candle.OpenTime) {
		sm.candles[n-1] = candle
	} else {
		sm.candles = append(sm.candles, candle)
		if len(sm.candles) > klineWindow {
			sm.candles = sm.candles[len(sm.candles)-klineWindow:]
		}
	}
	sm.mu.Unlock()

	sm.publishKlines()
}

func (sm *StreamManager) publishKlines() {
	sm.mu.Lock()
	h := sm.onKlines
	snap := make([]models.Candle, len(sm.candles))
	copy(snap, sm.candles)
	sm.mu.Unlock()
	if h != nil {
		h(snap)
	}
}

// userEvent only needs the discriminator; the payload details are discarded
// because snapshots are re-fetched over REST.
type userEvent struct {
	Event string `json:"e"`
}

func (sm *StreamManager) handleUserMessage(ctx context.Context, payload []byte) {
	var ev userEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}

	switch ev.Event {
	case "ORDER_TRADE_UPDATE", "ACCOUNT_UPDATE":
		if err := sm.publishUserSnapshots(ctx); err != nil {
			sm.logger.WithError(err).Warn("Failed to refresh user snapshots")
		}
	case "listenKeyExpired":
		sm.logger.Warn("Listen key expired, user stream will reconnect")
	}
}

func (sm *StreamManager) publishUserSnapshots(ctx context.Context) error {
	orders, err := sm.rest.OpenOrders(ctx, sm.symbol)
	if err != nil {
		return err
	}
	account, err := sm.rest.Account(ctx)
	if err != nil {
		return err
	}

	sm.mu.Lock()
	oh := sm.onOrders
	ah := sm.onAccount
	sm.mu.Unlock()

	if oh != nil {
		oh(orders)
	}
	if ah != nil {
		ah(account)
	}
	return nil
}
