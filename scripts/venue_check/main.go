package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"bot-core/pkg/config"
	exchange "bot-core/pkg/exchanges/common"
	"bot-core/pkg/exchanges/bybit"
)

// venue_check exercises the Bybit gateway end to end with real credentials.
//
// Usage (testnet recommended):
//
//	BYBIT_API_KEY=... BYBIT_API_SECRET=... BYBIT_TESTNET=true go run ./scripts/venue_check
//
// Behaviour:
//
//	VENUE_CHECK_SYMBOL        (default "BTCUSDT")
//	VENUE_CHECK_STREAM_SECS   (default 15) how long to watch candle and account streams
//	VENUE_CHECK_PLACE_ORDERS  (default "false") when "true", opens and closes a
//	                          minimum-size market position with a stop-loss attached
//	VENUE_CHECK_QTY           (default 0.001) order size for the above
func main() {
	log.Println("=== Venue check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	symbol := getenv("VENUE_CHECK_SYMBOL", "BTCUSDT")
	streamSecs, _ := strconv.Atoi(getenv("VENUE_CHECK_STREAM_SECS", "15"))
	placeOrders := getenv("VENUE_CHECK_PLACE_ORDERS", "false") == "true"
	qty, _ := strconv.ParseFloat(getenv("VENUE_CHECK_QTY", "0.001"), 64)

	gw := bybit.New(bybit.Config{
		APIKey:    os.Getenv("BYBIT_API_KEY"),
		APISecret: os.Getenv("BYBIT_API_SECRET"),
		Testnet:   cfg.BybitTestnet,
		RateLimit: cfg.VenueRateLimit,
	})
	defer gw.Close()
	log.Printf("Config: symbol=%s testnet=%v placeOrders=%v", symbol, cfg.BybitTestnet, placeOrders)

	checkMarketData(gw, symbol)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = gw.Ping(ctx)
	cancel()
	if err != nil {
		log.Printf("[ACCOUNT] ping failed, skipping private checks: %v", err)
		log.Println("=== Venue check finished ===")
		return
	}
	checkAccount(gw)
	watchStreams(gw, symbol, time.Duration(streamSecs)*time.Second)
	if placeOrders {
		roundTrip(gw, symbol, qty)
	}
	log.Println("=== Venue check finished ===")
}

func checkMarketData(gw *bybit.Gateway, symbol string) {
	log.Println("---- [MARKET] Checking public endpoints ----")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now()
	candles, err := gw.GetHistory(ctx, symbol, "1m", now.Add(-100*time.Minute), now)
	if err != nil {
		log.Printf("[MARKET] GetHistory error: %v", err)
	} else if len(candles) > 0 {
		last := candles[len(candles)-1]
		log.Printf("[MARKET] %d candles, last %s close=%.4f", len(candles), last.OpenTime.Format(time.TimeOnly), last.Close)
	}

	book, err := gw.GetOrderBook(ctx, symbol, 25)
	if err != nil {
		log.Printf("[MARKET] GetOrderBook error: %v", err)
	} else if len(book.Bids) > 0 && len(book.Asks) > 0 {
		log.Printf("[MARKET] book bid=%.4f ask=%.4f levels=%d/%d", book.Bids[0].Price, book.Asks[0].Price, len(book.Bids), len(book.Asks))
	}

	rate, err := gw.GetFundingRate(ctx, symbol)
	if err != nil {
		log.Printf("[MARKET] GetFundingRate error: %v", err)
	} else {
		log.Printf("[MARKET] funding rate=%.6f", rate)
	}
}

func checkAccount(gw *bybit.Gateway) {
	log.Println("---- [ACCOUNT] Checking private endpoints ----")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := gw.GetAccountInfo(ctx)
	if err != nil {
		log.Printf("[ACCOUNT] GetAccountInfo error: %v", err)
	} else {
		log.Printf("[ACCOUNT] equity=%.2f available=%.2f margin=%.2f", info.Equity, info.Available, info.MarginUsed)
	}

	positions, err := gw.GetPositions(ctx)
	if err != nil {
		log.Printf("[ACCOUNT] GetPositions error: %v", err)
		return
	}
	log.Printf("[ACCOUNT] open positions=%d", len(positions))
	for _, p := range positions {
		log.Printf("[ACCOUNT]   %s size=%.4f entry=%.4f upnl=%.2f lev=%.1f", p.Symbol, p.Size, p.EntryPrice, p.UnrealizedPnL, p.Leverage)
	}
}

func watchStreams(gw *bybit.Gateway, symbol string, d time.Duration) {
	if d <= 0 {
		return
	}
	log.Printf("---- [STREAM] Watching %s for %s ----", symbol, d)
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	candles, stopCandles, err := gw.Subscribe(ctx, symbol, "1m")
	if err != nil {
		log.Printf("[STREAM] Subscribe error: %v", err)
		return
	}
	defer stopCandles()
	updates, stopUpdates := gw.SubscribeUpdates(symbol)
	defer stopUpdates()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("[STREAM] %d candle updates received", ticks)
			return
		case u, ok := <-candles:
			if !ok {
				log.Println("[STREAM] candle stream closed")
				return
			}
			ticks++
			if u.IsClosed {
				log.Printf("[STREAM] closed candle %s close=%.4f", u.Candle.OpenTime.Format(time.TimeOnly), u.Candle.Close)
			}
		case ev := <-updates:
			log.Printf("[STREAM] %s %s order=%s status=%s filled=%.4f size=%.4f", ev.Type, ev.Symbol, ev.OrderID, ev.Status, ev.FilledQty, ev.Size)
		}
	}
}

// roundTrip opens a tiny long, protects it, then closes everything.
func roundTrip(gw *bybit.Gateway, symbol string, qty float64) {
	log.Println("---- [ORDER] Placing a round trip ----")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.SetLeverage(ctx, symbol, 1); err != nil {
		log.Printf("[ORDER] SetLeverage error: %v", err)
	}
	res, err := gw.PlaceMarketOrder(ctx, symbol, exchange.SideBuy, qty, false)
	if err != nil {
		log.Printf("[ORDER] entry error: %v", err)
		return
	}
	log.Printf("[ORDER] entry id=%s status=%s filled=%.4f avg=%.4f", res.OrderID, res.Status, res.FilledQty, res.AvgPrice)
	if res.FilledQty <= 0 {
		return
	}

	stop, err := gw.PlaceStopOrder(ctx, exchange.StopOrderRequest{
		Symbol:       symbol,
		Side:         exchange.SideSell,
		Qty:          res.FilledQty,
		TriggerPrice: res.AvgPrice * 0.95,
		Kind:         exchange.TriggerStopLoss,
	})
	if err != nil {
		log.Printf("[ORDER] stop-loss error: %v", err)
	} else {
		log.Printf("[ORDER] stop-loss id=%s status=%s", stop.OrderID, stop.Status)
	}

	if err := gw.CancelAll(ctx, symbol); err != nil {
		log.Printf("[ORDER] CancelAll error: %v", err)
	}
	exit, err := gw.PlaceMarketOrder(ctx, symbol, exchange.SideSell, res.FilledQty, true)
	if err != nil {
		log.Printf("[ORDER] exit error: %v", err)
		return
	}
	log.Printf("[ORDER] exit id=%s status=%s avg=%.4f", exit.OrderID, exit.Status, exit.AvgPrice)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
