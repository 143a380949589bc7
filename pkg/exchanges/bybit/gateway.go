// Package bybit implements the market-data and execution gateways for Bybit
// linear perpetuals: REST through bybit.go.api, pushes over v5 websockets.
package bybit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	exchange "bot-core/pkg/exchanges/common"
)

const (
	category = "linear"

	publicMainnet  = "wss://stream.bybit.com/v5/public/linear"
	publicTestnet  = "wss://stream-testnet.bybit.com/v5/public/linear"
	privateMainnet = "wss://stream.bybit.com/v5/private"
	privateTestnet = "wss://stream-testnet.bybit.com/v5/private"

	// retCode when the requested leverage equals the current one
	codeLeverageNotModified = 110043
)

// Config holds credentials and endpoints.
type Config struct {
	APIKey       string
	APISecret    string
	Testnet      bool
	RateLimit    float64 // REST calls per second
	SizeDecimals int
	// Overrides for tests.
	RESTURL    string
	PublicURL  string
	PrivateURL string
}

// Gateway talks to one Bybit account.
type Gateway struct {
	http     *bybit_api.Client
	throttle *exchange.Throttle
	cfg      Config

	mu      sync.Mutex
	private *privateStream
}

// New creates a gateway. Streams are opened lazily.
func New(cfg Config) *Gateway {
	base := bybit_api.MAINNET
	if cfg.Testnet {
		base = bybit_api.TESTNET
	}
	if cfg.RESTURL != "" {
		base = cfg.RESTURL
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = publicMainnet
		if cfg.Testnet {
			cfg.PublicURL = publicTestnet
		}
	}
	if cfg.PrivateURL == "" {
		cfg.PrivateURL = privateMainnet
		if cfg.Testnet {
			cfg.PrivateURL = privateTestnet
		}
	}
	if cfg.SizeDecimals <= 0 {
		cfg.SizeDecimals = exchange.DefaultSizeDecimals
	}
	return &Gateway{
		http:     bybit_api.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit_api.WithBaseURL(base)),
		throttle: exchange.NewThrottle("BYBIT", cfg.RateLimit, 5),
		cfg:      cfg,
	}
}

// GetHistory pages klines backwards from to until from is covered.
func (g *Gateway) GetHistory(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]exchange.Candle, error) {
	iv, err := Interval(timeframe)
	if err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now()
	}
	var all []exchange.Candle
	end := to
	for page := 0; page < 10; page++ {
		params := map[string]interface{}{
			"category": category,
			"symbol":   symbol,
			"interval": iv,
			"limit":    1000,
			"end":      end.UnixMilli(),
		}
		if !from.IsZero() {
			params["start"] = from.UnixMilli()
		}
		if err := g.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := g.http.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get klines: %w", err)
		}
		var result struct {
			List [][]string `json:"list"`
		}
		if err := decode(resp, &result); err != nil {
			return nil, fmt.Errorf("failed to parse kline response: %w", err)
		}
		batch := parseKlines(result.List)
		all = append(batch, all...)
		if len(batch) < 1000 || from.IsZero() || !batch[0].OpenTime.After(from) {
			break
		}
		end = batch[0].OpenTime.Add(-time.Millisecond)
	}
	return dedupe(all), nil
}

func dedupe(c []exchange.Candle) []exchange.Candle {
	out := c[:0]
	for i, x := range c {
		if i > 0 && x.OpenTime.Equal(out[len(out)-1].OpenTime) {
			out[len(out)-1] = x
			continue
		}
		out = append(out, x)
	}
	return out
}

// GetOrderBook returns a depth snapshot.
func (g *Gateway) GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	if depth <= 0 {
		depth = 25
	}
	if err := g.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category, "symbol": symbol, "limit": depth}).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get order book: %w", err)
	}
	var result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		TS   int64      `json:"ts"`
	}
	if err := decode(resp, &result); err != nil {
		return nil, err
	}
	book := &exchange.OrderBook{Symbol: symbol, Time: time.UnixMilli(result.TS)}
	for _, l := range result.Bids {
		if len(l) >= 2 {
			book.Bids = append(book.Bids, exchange.BookLevel{Price: parseFloat(l[0]), Qty: parseFloat(l[1])})
		}
	}
	for _, l := range result.Asks {
		if len(l) >= 2 {
			book.Asks = append(book.Asks, exchange.BookLevel{Price: parseFloat(l[0]), Qty: parseFloat(l[1])})
		}
	}
	return book, nil
}

// GetFundingRate returns the current funding rate from the ticker.
func (g *Gateway) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return 0, err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category, "symbol": symbol}).GetMarketTickers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ticker: %w", err)
	}
	var result struct {
		List []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	if err := decode(resp, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("no ticker for %s", symbol)
	}
	return parseFloat(result.List[0].FundingRate), nil
}

// GetAccountInfo reads the unified wallet.
func (g *Gateway) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(map[string]interface{}{"accountType": "UNIFIED"}).GetAccountWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}
	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
		} `json:"list"`
	}
	if err := decode(resp, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, errors.New("empty wallet response")
	}
	w := result.List[0]
	return &exchange.AccountInfo{
		Equity:     parseFloat(w.TotalEquity),
		Available:  parseFloat(w.TotalAvailableBalance),
		MarginUsed: parseFloat(w.TotalInitialMargin),
	}, nil
}

// GetPositions lists non-empty linear positions.
func (g *Gateway) GetPositions(ctx context.Context) ([]exchange.PositionInfo, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category, "settleCoin": "USDT"}).GetPositionList(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
		} `json:"list"`
	}
	if err := decode(resp, &result); err != nil {
		return nil, err
	}
	out := make([]exchange.PositionInfo, 0, len(result.List))
	for _, p := range result.List {
		size := signedSize(p.Side, p.Size)
		if size == 0 {
			continue
		}
		out = append(out, exchange.PositionInfo{
			Symbol:        p.Symbol,
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnrealisedPnl),
			Leverage:      parseFloat(p.Leverage),
		})
	}
	return out, nil
}

// SetLeverage sets both sides to leverage.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	lev := strconv.FormatFloat(leverage, 'f', 2, 64)
	if err := g.throttle.Wait(ctx); err != nil {
		return err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category, "symbol": symbol, "buyLeverage": lev, "sellLeverage": lev}).SetPositionLeverage(ctx)
	if err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	var ignored map[string]any
	if err := decode(resp, &ignored); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeLeverageNotModified {
			return nil
		}
		return err
	}
	return nil
}

// PlaceMarketOrder submits a market order and reads back its execution.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty float64, reduceOnly bool) (*exchange.OrderResult, error) {
	params := map[string]interface{}{
		"category":  category,
		"symbol":    symbol,
		"side":      sideParam(side),
		"orderType": "Market",
		"qty":       exchange.FormatQty(qty, g.cfg.SizeDecimals),
	}
	if reduceOnly {
		params["reduceOnly"] = true
	}
	id, err := g.placeOrder(ctx, params)
	if err != nil {
		return rejectedOr(err)
	}
	res := &exchange.OrderResult{OrderID: id, Status: exchange.StatusNew}
	if st, err := g.orderState(ctx, symbol, id); err == nil {
		res.Status, res.FilledQty, res.AvgPrice = st.Status, st.FilledQty, st.AvgPrice
	}
	return res, nil
}

// PlaceStopOrder submits a reduce-only conditional market order.
func (g *Gateway) PlaceStopOrder(ctx context.Context, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	prefix := linkPrefixSL
	if req.Kind == exchange.TriggerTakeProfit {
		prefix = linkPrefixTP
	}
	link := req.ClientID
	if link != "" {
		link = prefix + strings.ReplaceAll(link, "-", "")
		if len(link) > 36 {
			link = link[:36]
		}
	}
	params := map[string]interface{}{
		"category":         category,
		"symbol":           req.Symbol,
		"side":             sideParam(req.Side),
		"orderType":        "Market",
		"qty":              exchange.FormatQty(req.Qty, g.cfg.SizeDecimals),
		"triggerPrice":     exchange.FormatPrice(req.TriggerPrice),
		"triggerDirection": triggerDirection(req),
		"triggerBy":        "LastPrice",
		"reduceOnly":       true,
		"closeOnTrigger":   req.Kind == exchange.TriggerStopLoss,
	}
	if link != "" {
		params["orderLinkId"] = link
	}
	id, err := g.placeOrder(ctx, params)
	if err != nil {
		return rejectedOr(err)
	}
	return &exchange.OrderResult{OrderID: id, ClientID: req.ClientID, Status: exchange.StatusUntriggered}, nil
}

func (g *Gateway) placeOrder(ctx context.Context, params map[string]interface{}) (string, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := decode(resp, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// rejectedOr turns a venue-side refusal into a REJECTED ack; transport
// errors stay errors so callers may retry them.
func rejectedOr(err error) (*exchange.OrderResult, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &exchange.OrderResult{Status: exchange.StatusRejected}, exchange.Permanent(err)
	}
	return nil, err
}

type orderState struct {
	Status    exchange.OrderStatus
	FilledQty float64
	AvgPrice  float64
}

func (g *Gateway) orderState(ctx context.Context, symbol, orderID string) (orderState, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return orderState{}, err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category, "symbol": symbol, "orderId": orderID}).GetOpenOrders(ctx)
	if err != nil {
		return orderState{}, err
	}
	var result struct {
		List []wsOrder `json:"list"`
	}
	if err := decode(resp, &result); err != nil {
		return orderState{}, err
	}
	if len(result.List) == 0 {
		return orderState{}, fmt.Errorf("order %s not found", orderID)
	}
	o := result.List[0]
	return orderState{Status: mapStatus(o.OrderStatus), FilledQty: parseFloat(o.CumExecQty), AvgPrice: parseFloat(o.AvgPrice)}, nil
}

// CancelOrder cancels one order.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.throttle.Wait(ctx); err != nil {
		return err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category, "symbol": symbol, "orderId": orderID}).CancelOrder(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	var ignored map[string]any
	return decode(resp, &ignored)
}

// CancelAll cancels every open order of symbol, conditional ones included.
func (g *Gateway) CancelAll(ctx context.Context, symbol string) error {
	if err := g.throttle.Wait(ctx); err != nil {
		return err
	}
	resp, err := g.http.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category, "symbol": symbol}).CancelAllOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel all orders: %w", err)
	}
	var ignored map[string]any
	return decode(resp, &ignored)
}
