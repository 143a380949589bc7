package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exchange "bot-core/pkg/exchanges/common"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribe_StreamsKlines(t *testing.T) {
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req.Args[0]
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe","success":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"kline.1.BTCUSDT","data":[{"start":1700000000000,"open":"1","high":"2","low":"0.5","close":"1.5","volume":"3","confirm":false}]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	g := New(Config{PublicURL: wsURL(srv)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, stop, err := g.Subscribe(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, "kline.1.BTCUSDT", <-subscribed)

	select {
	case u := <-ch:
		assert.Equal(t, "BTCUSDT", u.Symbol)
		assert.False(t, u.IsClosed)
		assert.Equal(t, 1.5, u.Candle.Close)
	case <-ctx.Done():
		t.Fatal("no kline received")
	}

	stop()
	for range ch {
	}
}

func TestSubscribeUpdates_AuthenticatesAndFansOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var auth struct {
			Op   string `json:"op"`
			Args []any  `json:"args"`
		}
		if err := conn.ReadJSON(&auth); err != nil || auth.Op != "auth" || len(auth.Args) != 3 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"auth","success":false,"ret_msg":"bad"}`))
			return
		}
		expires := int64(auth.Args[1].(float64))
		ok := auth.Args[0] == "key" && auth.Args[2] == signAuth("secret", expires)
		resp, _ := json.Marshal(map[string]any{"op": "auth", "success": ok})
		_ = conn.WriteMessage(websocket.TextMessage, resp)
		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"position","data":[{"symbol":"OTHER","side":"Buy","size":"1"}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"order","data":[{"symbol":"ETHUSDT","orderId":"9","orderLinkId":"tp-x","orderStatus":"Filled","avgPrice":"2100","cumExecQty":"1"}]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	g := New(Config{APIKey: "key", APISecret: "secret", PrivateURL: wsURL(srv)})
	defer g.Close()

	ch, unsubscribe := g.SubscribeUpdates("ETHUSDT")
	defer unsubscribe()

	select {
	case ev := <-ch:
		assert.Equal(t, "ETHUSDT", ev.Symbol)
		assert.Equal(t, exchange.StatusFilled, ev.Status)
		assert.Equal(t, exchange.TriggerTakeProfit, ev.Kind)
		assert.Equal(t, 2100.0, ev.AvgPrice)
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
	}
}

func TestSubscribe_RejectsUnknownTimeframe(t *testing.T) {
	g := New(Config{})
	_, _, err := g.Subscribe(context.Background(), "BTCUSDT", "7m")
	assert.Error(t, err)
}

func TestPing_RequiresCredentials(t *testing.T) {
	assert.ErrorIs(t, New(Config{}).Ping(context.Background()), errNotAuthenticated)
}
