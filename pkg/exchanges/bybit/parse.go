package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	exchange "bot-core/pkg/exchanges/common"
)

// Link id prefixes mark protective orders so pushed updates carry their kind.
const (
	linkPrefixSL = "sl-"
	linkPrefixTP = "tp-"
)

var intervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720", "1d": "D",
}

// Interval maps a timeframe such as "15m" to the venue kline interval.
func Interval(tf string) (string, error) {
	iv, ok := intervals[tf]
	if !ok {
		return "", fmt.Errorf("bybit: unsupported timeframe %q", tf)
	}
	return iv, nil
}

// decode unwraps a ServerResponse into out.
func decode(resp any, out any) error {
	sr, ok := resp.(*bybit_api.ServerResponse)
	if !ok || sr == nil {
		return fmt.Errorf("invalid response type")
	}
	if sr.RetCode != 0 {
		return &APIError{Code: sr.RetCode, Msg: sr.RetMsg}
	}
	raw, err := json.Marshal(sr.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// APIError is a non-zero retCode.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string { return fmt.Sprintf("API error: %s (code: %d)", e.Msg, e.Code) }

// parseKlines converts REST rows [start, open, high, low, close, volume, turnover]
// (newest first) into candles oldest first.
func parseKlines(rows [][]string) []exchange.Candle {
	out := make([]exchange.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		out = append(out, exchange.Candle{
			OpenTime: time.UnixMilli(parseInt64(r[0])).UTC(),
			Open:     parseFloat(r[1]),
			High:     parseFloat(r[2]),
			Low:      parseFloat(r[3]),
			Close:    parseFloat(r[4]),
			Volume:   parseFloat(r[5]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

type wsEnvelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

type wsKline struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

// parseKlineMessage decodes a public kline push for symbol/timeframe.
func parseKlineMessage(msg []byte, symbol, timeframe string) ([]exchange.CandleUpdate, error) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(env.Topic, "kline.") {
		return nil, nil
	}
	var rows []wsKline
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("kline data: %w", err)
	}
	out := make([]exchange.CandleUpdate, 0, len(rows))
	for _, k := range rows {
		out = append(out, exchange.CandleUpdate{
			Symbol:    symbol,
			Timeframe: timeframe,
			IsClosed:  k.Confirm,
			Candle: exchange.Candle{
				OpenTime: time.UnixMilli(k.Start).UTC(),
				Open:     parseFloat(k.Open),
				High:     parseFloat(k.High),
				Low:      parseFloat(k.Low),
				Close:    parseFloat(k.Close),
				Volume:   parseFloat(k.Volume),
			},
		})
	}
	return out, nil
}

type wsOrder struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderStatus string `json:"orderStatus"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	UpdatedTime string `json:"updatedTime"`
}

type wsPosition struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	EntryPrice  string `json:"entryPrice"`
	MarkPrice   string `json:"markPrice"`
	UpdatedTime string `json:"updatedTime"`
}

// parsePrivateMessage decodes order and position pushes.
func parsePrivateMessage(msg []byte) ([]exchange.VenueEvent, error) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	switch env.Topic {
	case "order":
		var rows []wsOrder
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("order data: %w", err)
		}
		out := make([]exchange.VenueEvent, 0, len(rows))
		for _, o := range rows {
			out = append(out, exchange.VenueEvent{
				Type:      exchange.VenueOrderUpdate,
				Symbol:    o.Symbol,
				OrderID:   o.OrderID,
				Status:    mapStatus(o.OrderStatus),
				Kind:      kindFromLink(o.OrderLinkID),
				FilledQty: parseFloat(o.CumExecQty),
				AvgPrice:  parseFloat(o.AvgPrice),
				Time:      parseMillis(o.UpdatedTime),
			})
		}
		return out, nil
	case "position":
		var rows []wsPosition
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("position data: %w", err)
		}
		out := make([]exchange.VenueEvent, 0, len(rows))
		for _, p := range rows {
			out = append(out, exchange.VenueEvent{
				Type:     exchange.VenuePositionUpdate,
				Symbol:   p.Symbol,
				Size:     signedSize(p.Side, p.Size),
				AvgPrice: parseFloat(p.MarkPrice),
				Time:     parseMillis(p.UpdatedTime),
			})
		}
		return out, nil
	}
	return nil, nil
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "New", "Created", "Triggered", "Active":
		return exchange.StatusNew
	case "PartiallyFilled":
		return exchange.StatusPartial
	case "Filled":
		return exchange.StatusFilled
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return exchange.StatusCanceled
	case "Rejected":
		return exchange.StatusRejected
	case "Untriggered":
		return exchange.StatusUntriggered
	}
	return exchange.StatusUnknown
}

func kindFromLink(link string) exchange.TriggerKind {
	switch {
	case strings.HasPrefix(link, linkPrefixSL):
		return exchange.TriggerStopLoss
	case strings.HasPrefix(link, linkPrefixTP):
		return exchange.TriggerTakeProfit
	}
	return ""
}

func sideParam(s exchange.Side) string {
	if s == exchange.SideSell {
		return "Sell"
	}
	return "Buy"
}

// triggerDirection is 1 when the trigger fires on a rise, 2 on a fall.
func triggerDirection(req exchange.StopOrderRequest) int {
	rises := (req.Kind == exchange.TriggerStopLoss) == (req.Side == exchange.SideBuy)
	if rises {
		return 1
	}
	return 2
}

func signedSize(side, size string) float64 {
	v := parseFloat(size)
	if side == "Sell" {
		return -v
	}
	return v
}

// signAuth returns the private-stream auth signature.
func signAuth(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt64(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	return time.UnixMilli(parseInt64(s)).UTC()
}
