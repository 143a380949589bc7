package bybit

import (
	"testing"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exchange "bot-core/pkg/exchanges/common"
)

func TestInterval(t *testing.T) {
	iv, err := Interval("15m")
	require.NoError(t, err)
	assert.Equal(t, "15", iv)

	iv, err = Interval("1d")
	require.NoError(t, err)
	assert.Equal(t, "D", iv)

	_, err = Interval("7m")
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	var out struct {
		OrderID string `json:"orderId"`
	}
	err := decode(&bybit_api.ServerResponse{RetCode: 0, Result: map[string]any{"orderId": "abc"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "abc", out.OrderID)

	err = decode(&bybit_api.ServerResponse{RetCode: 110007, RetMsg: "insufficient balance"}, &out)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 110007, apiErr.Code)

	assert.Error(t, decode("nope", &out))
}

func TestParseKlines_OldestFirst(t *testing.T) {
	rows := [][]string{
		{"1700000120000", "3", "4", "2", "3.5", "10", "0"},
		{"1700000060000", "2", "3", "1", "2.5", "11", "0"},
		{"bad"},
	}
	candles := parseKlines(rows)
	require.Len(t, candles, 2)
	assert.Equal(t, time.UnixMilli(1700000060000).UTC(), candles[0].OpenTime)
	assert.Equal(t, 3.5, candles[1].Close)
}

func TestParseKlineMessage(t *testing.T) {
	msg := []byte(`{"topic":"kline.5.BTCUSDT","data":[{"start":1700000000000,"open":"100","high":"101","low":"99","close":"100.5","volume":"7","confirm":true}]}`)
	ups, err := parseKlineMessage(msg, "BTCUSDT", "5m")
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.True(t, ups[0].IsClosed)
	assert.Equal(t, "5m", ups[0].Timeframe)
	assert.Equal(t, 100.5, ups[0].Candle.Close)

	ups, err = parseKlineMessage([]byte(`{"op":"subscribe","success":true}`), "BTCUSDT", "5m")
	require.NoError(t, err)
	assert.Empty(t, ups)
}

func TestParsePrivateMessage(t *testing.T) {
	order := []byte(`{"topic":"order","data":[{"symbol":"ETHUSDT","orderId":"1","orderLinkId":"sl-abc","orderStatus":"Filled","avgPrice":"1990","cumExecQty":"0.5","updatedTime":"1700000000000"}]}`)
	evs, err := parsePrivateMessage(order)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, exchange.VenueOrderUpdate, evs[0].Type)
	assert.Equal(t, exchange.StatusFilled, evs[0].Status)
	assert.Equal(t, exchange.TriggerStopLoss, evs[0].Kind)
	assert.Equal(t, 0.5, evs[0].FilledQty)

	pos := []byte(`{"topic":"position","data":[{"symbol":"ETHUSDT","side":"Sell","size":"0.5","markPrice":"2000"}]}`)
	evs, err = parsePrivateMessage(pos)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, exchange.VenuePositionUpdate, evs[0].Type)
	assert.Equal(t, -0.5, evs[0].Size)
}

func TestTriggerDirection(t *testing.T) {
	tests := []struct {
		kind exchange.TriggerKind
		side exchange.Side
		want int
	}{
		{exchange.TriggerStopLoss, exchange.SideSell, 2},   // long stop, price falls
		{exchange.TriggerTakeProfit, exchange.SideSell, 1}, // long target, price rises
		{exchange.TriggerStopLoss, exchange.SideBuy, 1},
		{exchange.TriggerTakeProfit, exchange.SideBuy, 2},
	}
	for _, tt := range tests {
		got := triggerDirection(exchange.StopOrderRequest{Kind: tt.kind, Side: tt.side})
		assert.Equal(t, tt.want, got, "%s %s", tt.kind, tt.side)
	}
}

func TestMapStatusAndLink(t *testing.T) {
	assert.Equal(t, exchange.StatusUntriggered, mapStatus("Untriggered"))
	assert.Equal(t, exchange.StatusCanceled, mapStatus("Deactivated"))
	assert.Equal(t, exchange.StatusUnknown, mapStatus("???"))
	assert.Equal(t, exchange.TriggerTakeProfit, kindFromLink("tp-123"))
	assert.Equal(t, exchange.TriggerKind(""), kindFromLink("manual"))
}

func TestSignAuth(t *testing.T) {
	a := signAuth("secret", 1700000000000)
	assert.Len(t, a, 64)
	assert.Equal(t, a, signAuth("secret", 1700000000000))
	assert.NotEqual(t, a, signAuth("other", 1700000000000))
}
