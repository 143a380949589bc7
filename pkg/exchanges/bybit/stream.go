package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	exchange "bot-core/pkg/exchanges/common"
)

const (
	pingInterval  = 20 * time.Second
	writeTimeout  = 10 * time.Second
	authLifetime  = 10 * time.Second
	updatesBuffer = 64
)

var reconnectPolicy = exchange.RetryPolicy{
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2,
	Jitter:        0.2,
}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func dial(ctx context.Context, url string) (*wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bybit ws: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	c.wmu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	_ = c.conn.Close()
}

// serve pings and reads until the connection fails or the stream is stopped.
func (c *wsConn) serve(ctx context.Context, done <-chan struct{}, handle func([]byte)) error {
	exit := make(chan struct{})
	defer close(exit)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := c.writeJSON(map[string]string{"op": "ping"}); err != nil {
					_ = c.conn.Close()
					return
				}
			case <-ctx.Done():
				c.close()
				return
			case <-done:
				c.close()
				return
			case <-exit:
				_ = c.conn.Close()
				return
			}
		}
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(msg)
	}
}

func stopped(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-done:
		return true
	default:
		return false
	}
}

// runStream keeps a stream alive, redialing with backoff after drops.
// first may be nil, in which case the first connection is dialed here.
func runStream(ctx context.Context, done <-chan struct{}, name string, first *wsConn, open func(context.Context) (*wsConn, error), handle func([]byte)) {
	conn := first
	if conn == nil {
		var err error
		if conn, err = open(ctx); err != nil {
			log.Printf("[BYBIT] %s connect failed: %v", name, err)
		}
	}
	attempt := 0
	for {
		if conn != nil {
			err := conn.serve(ctx, done, handle)
			if stopped(ctx, done) {
				return
			}
			log.Printf("[BYBIT] %s stream dropped: %v", name, err)
		}
		select {
		case <-time.After(reconnectPolicy.Backoff(attempt)):
		case <-ctx.Done():
			return
		case <-done:
			return
		}
		attempt++
		c, err := open(ctx)
		if err != nil {
			log.Printf("[BYBIT] %s reconnect failed (attempt %d): %v", name, attempt, err)
			conn = nil
			continue
		}
		log.Printf("[BYBIT] %s stream reconnected", name)
		conn, attempt = c, 0
	}
}

// Subscribe streams klines for symbol/timeframe. The stream reconnects on its
// own; the channel closes once stop is called or ctx ends.
func (g *Gateway) Subscribe(ctx context.Context, symbol, timeframe string) (<-chan exchange.CandleUpdate, func(), error) {
	iv, err := Interval(timeframe)
	if err != nil {
		return nil, nil, err
	}
	topic := "kline." + iv + "." + symbol
	open := func(ctx context.Context) (*wsConn, error) {
		c, err := dial(ctx, g.cfg.PublicURL)
		if err != nil {
			return nil, err
		}
		if err := c.writeJSON(map[string]any{"op": "subscribe", "args": []string{topic}}); err != nil {
			_ = c.conn.Close()
			return nil, err
		}
		return c, nil
	}
	first, err := open(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan exchange.CandleUpdate, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		defer close(out)
		runStream(ctx, done, topic, first, open, func(msg []byte) {
			updates, err := parseKlineMessage(msg, symbol, timeframe)
			if err != nil {
				log.Printf("[BYBIT] kline parse error: %v", err)
				return
			}
			for _, u := range updates {
				select {
				case out <- u:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		})
	}()
	return out, stop, nil
}

// privateStream fans order and position pushes out to per-symbol subscribers.
type privateStream struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan exchange.VenueEvent
	nextID int
	cancel context.CancelFunc
}

func (p *privateStream) dispatch(msg []byte) {
	events, err := parsePrivateMessage(msg)
	if err != nil {
		log.Printf("[BYBIT] private parse error: %v", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range events {
		for _, ch := range p.subs[ev.Symbol] {
			select {
			case ch <- ev:
			default:
				log.Printf("[BYBIT] update dropped for %s: subscriber full", ev.Symbol)
			}
		}
	}
}

func (g *Gateway) openPrivate(ctx context.Context) (*wsConn, error) {
	c, err := dial(ctx, g.cfg.PrivateURL)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*wsConn, error) {
		_ = c.conn.Close()
		return nil, err
	}
	expires := time.Now().Add(authLifetime).UnixMilli()
	auth := map[string]any{"op": "auth", "args": []any{g.cfg.APIKey, expires, signAuth(g.cfg.APISecret, expires)}}
	if err := c.writeJSON(auth); err != nil {
		return fail(err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(writeTimeout))
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return fail(fmt.Errorf("auth response: %w", err))
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return fail(err)
	}
	if env.Op != "auth" || env.Success == nil || !*env.Success {
		return fail(fmt.Errorf("bybit ws auth rejected: %s", strings.TrimSpace(env.RetMsg)))
	}
	if err := c.writeJSON(map[string]any{"op": "subscribe", "args": []string{"order", "position"}}); err != nil {
		return fail(err)
	}
	return c, nil
}

// SubscribeUpdates returns pushed order and position events for symbol. The
// private stream is opened on first use and shared by all subscribers.
func (g *Gateway) SubscribeUpdates(symbol string) (<-chan exchange.VenueEvent, func()) {
	g.mu.Lock()
	if g.private == nil {
		ctx, cancel := context.WithCancel(context.Background())
		p := &privateStream{subs: make(map[string]map[int]chan exchange.VenueEvent), cancel: cancel}
		g.private = p
		go runStream(ctx, nil, "private", nil, g.openPrivate, p.dispatch)
	}
	p := g.private
	g.mu.Unlock()

	ch := make(chan exchange.VenueEvent, updatesBuffer)
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	if p.subs[symbol] == nil {
		p.subs[symbol] = make(map[int]chan exchange.VenueEvent)
	}
	p.subs[symbol][id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs[symbol], id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Close stops the private stream. Kline streams are owned by their callers.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.private == nil {
		return nil
	}
	g.private.cancel()
	g.private = nil
	return nil
}

var errNotAuthenticated = errors.New("bybit: private stream requires api credentials")

// Ping verifies the credentials by reading the wallet.
func (g *Gateway) Ping(ctx context.Context) error {
	if g.cfg.APIKey == "" || g.cfg.APISecret == "" {
		return errNotAuthenticated
	}
	_, err := g.GetAccountInfo(ctx)
	return err
}
