package binance

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crypto-surge-screener/internal/model"
)

// FeedState is the connection lifecycle state.
type FeedState int32

const (
	StateDisconnected FeedState = iota
	StateConnecting
	StateConnected
	StateShuttingDown
)

func (s FeedState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	}
	return "UNKNOWN"
}

const (
	// Exchange limit on stream names per SUBSCRIBE frame; each symbol
	// contributes two streams, so chunk at 50 symbols.
	symbolsPerSubscribe = 50

	defaultReconnectDelay = 5 * time.Second
	tickerFlushInterval   = time.Second
)

// FeedConfig configures the combined-stream feed.
type FeedConfig struct {
	URL      string // e.g. "wss://fstream.binance.com/stream"
	Exchange string // logical exchange name stamped on events

	// ReconnectDelay overrides the 5s reconnect backoff (tests only).
	ReconnectDelay time.Duration
}

// Feed maintains one combined-stream websocket connection, subscribing
// each tracked symbol to its kline_1m and ticker streams. Candle events
// are written through the sink as they arrive; ticker events are
// coalesced per symbol and flushed once a second.
type Feed struct {
	cfg  FeedConfig
	sink model.IngestSink

	mu         sync.Mutex
	state      FeedState
	conn       *websocket.Conn
	subscribed map[string]struct{} // symbols active on the current connection
	pending    map[string]struct{} // symbols waiting for a connection

	buf *tickerBuffer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks
	OnConnected func()
	OnReconnect func(attempt int)
	OnDrop      func(reason string)

	reconnectAttempts int
}

// NewFeed creates a feed writing through sink. Call Start before Connect.
func NewFeed(cfg FeedConfig, sink model.IngestSink) *Feed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Feed{
		cfg:        cfg,
		sink:       sink,
		subscribed: make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		buf:        newTickerBuffer(),
	}
}

// State returns the current lifecycle state.
func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Start launches the ticker flush loop. It does not connect.
func (f *Feed) Start(ctx context.Context) {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.flushLoop()
}

// Connect dials the stream endpoint and subscribes every pending
// symbol. Safe to call again after a drop; symbols subscribed on the
// previous connection are resubscribed.
func (f *Feed) Connect() error {
	f.mu.Lock()
	if f.state == StateShuttingDown || f.state == StateConnecting || f.state == StateConnected {
		f.mu.Unlock()
		return nil
	}
	f.state = StateConnecting
	f.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(f.cfg.URL, nil)
	if err != nil {
		f.mu.Lock()
		f.state = StateDisconnected
		f.mu.Unlock()
		f.scheduleReconnect()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.state = StateConnected
	f.reconnectAttempts = 0
	// Everything previously subscribed must be re-established on the
	// fresh connection.
	for sym := range f.subscribed {
		f.pending[sym] = struct{}{}
	}
	f.subscribed = make(map[string]struct{})
	toSubscribe := drainSet(f.pending)
	f.mu.Unlock()

	log.Printf("[feed] connected to %s", f.cfg.URL)
	if f.OnConnected != nil {
		f.OnConnected()
	}

	if err := f.subscribeSymbols(toSubscribe); err != nil {
		log.Printf("[feed] initial subscribe failed: %v", err)
	}

	f.wg.Add(1)
	go f.readLoop(conn)
	return nil
}

// Subscribe registers symbols for streaming. When connected the
// SUBSCRIBE frames go out immediately; otherwise the symbols wait in
// the pending set until the next (re)connect.
func (f *Feed) Subscribe(symbols []string) error {
	f.mu.Lock()
	if f.state != StateConnected {
		for _, s := range symbols {
			f.pending[s] = struct{}{}
		}
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	return f.subscribeSymbols(symbols)
}

// Subscribed returns the currently subscribed symbols, sorted.
func (f *Feed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Shutdown closes the connection and stops all loops. Terminal.
func (f *Feed) Shutdown() {
	f.mu.Lock()
	f.state = StateShuttingDown
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	f.flushTickers() // drain whatever the last second buffered
	log.Printf("[feed] shut down")
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// subscribeChunks splits symbols into SUBSCRIBE frames of at most
// symbolsPerSubscribe symbols, two streams each.
func subscribeChunks(symbols []string) []subscribeRequest {
	var reqs []subscribeRequest
	for start := 0; start < len(symbols); start += symbolsPerSubscribe {
		end := start + symbolsPerSubscribe
		if end > len(symbols) {
			end = len(symbols)
		}
		params := make([]string, 0, 2*(end-start))
		for _, sym := range symbols[start:end] {
			lower := strings.ToLower(sym)
			params = append(params, lower+"@kline_1m", lower+"@ticker")
		}
		reqs = append(reqs, subscribeRequest{
			Method: "SUBSCRIBE",
			Params: params,
			ID:     time.Now().UnixMilli(),
		})
	}
	return reqs
}

func (f *Feed) subscribeSymbols(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	for _, req := range subscribeChunks(symbols) {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			// Connection dropped mid-subscribe; reconnect will retry.
			f.mu.Lock()
			for _, s := range symbols {
				f.pending[s] = struct{}{}
			}
			f.mu.Unlock()
			return nil
		}
		if err := conn.WriteJSON(req); err != nil {
			f.mu.Lock()
			for _, s := range symbols {
				f.pending[s] = struct{}{}
			}
			f.mu.Unlock()
			return err
		}
	}
	f.mu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = struct{}{}
	}
	n := len(f.subscribed)
	f.mu.Unlock()
	log.Printf("[feed] subscribed %d symbols (%d total)", len(symbols), n)
	return nil
}

// ── wire formats ──

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventHeader struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
}

type klineEvent struct {
	Symbol string       `json:"s"`
	Kline  klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime    int64   `json:"t"`
	Open        float64 `json:"o,string"`
	High        float64 `json:"h,string"`
	Low         float64 `json:"l,string"`
	Close       float64 `json:"c,string"`
	Volume      float64 `json:"v,string"`
	QuoteVolume float64 `json:"q,string"`
	Trades      int64   `json:"n"`
	Closed      bool    `json:"x"`
}

type tickerEvent struct {
	Symbol             string  `json:"s"`
	LastPrice          float64 `json:"c,string"`
	PriceChangePercent float64 `json:"P,string"`
	Volume24h          float64 `json:"v,string"`
	QuoteVolume24h     float64 `json:"q,string"`
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	defer f.wg.Done()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			shuttingDown := f.state == StateShuttingDown
			if !shuttingDown {
				f.state = StateDisconnected
				f.conn = nil
			}
			f.mu.Unlock()

			if shuttingDown {
				return
			}
			log.Printf("[feed] read error: %v", err)
			if f.OnDrop != nil {
				f.OnDrop(err.Error())
			}
			f.scheduleReconnect()
			return
		}
		f.handleMessage(msg)
	}
}

func (f *Feed) handleMessage(msg []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Printf("[feed] dropping undecodable frame: %v (%s)", err, truncate(msg, 200))
		return
	}
	if len(env.Data) == 0 {
		// Subscribe acks and other control frames have no data field.
		return
	}
	var hdr eventHeader
	if err := json.Unmarshal(env.Data, &hdr); err != nil {
		log.Printf("[feed] dropping event without type tag: %v (%s)", err, truncate(env.Data, 200))
		return
	}

	switch hdr.EventType {
	case "kline":
		var ev klineEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Printf("[feed] bad kline event: %v", err)
			return
		}
		candle := model.Candle{
			Exchange:    f.cfg.Exchange,
			Symbol:      ev.Symbol,
			OpenTime:    time.UnixMilli(ev.Kline.OpenTime).UTC(),
			Open:        ev.Kline.Open,
			High:        ev.Kline.High,
			Low:         ev.Kline.Low,
			Close:       ev.Kline.Close,
			Volume:      ev.Kline.Volume,
			QuoteVolume: ev.Kline.QuoteVolume,
			Trades:      ev.Kline.Trades,
		}
		// Every update is upserted so the stored candle tracks the
		// in-progress bar; the close event (x=true) finalizes it.
		if err := f.sink.WriteCandles(f.ctx, []model.Candle{candle}); err != nil {
			log.Printf("[feed] write candle %s: %v", ev.Symbol, err)
		}

	case "24hrTicker":
		var ev tickerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Printf("[feed] bad ticker event: %v", err)
			return
		}
		f.buf.Put(model.TickerSnapshot{
			Exchange:           f.cfg.Exchange,
			Symbol:             ev.Symbol,
			LastPrice:          ev.LastPrice,
			PriceChangePercent: ev.PriceChangePercent,
			Volume24h:          ev.Volume24h,
			QuoteVolume24h:     ev.QuoteVolume24h,
			LastUpdated:        time.Now().UTC(),
		})

	default:
		log.Printf("[feed] dropping unhandled event type %q (%s)", hdr.EventType, hdr.Symbol)
	}
}

func (f *Feed) flushLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(tickerFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.flushTickers()
		}
	}
}

func (f *Feed) flushTickers() {
	tickers := f.buf.Drain()
	if len(tickers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sink.WriteTickers(ctx, tickers); err != nil {
		log.Printf("[feed] flush %d tickers: %v", len(tickers), err)
	}
}

func (f *Feed) scheduleReconnect() {
	f.mu.Lock()
	if f.state == StateShuttingDown {
		f.mu.Unlock()
		return
	}
	f.reconnectAttempts++
	attempt := f.reconnectAttempts
	f.mu.Unlock()

	log.Printf("[feed] reconnecting in %v (attempt %d)", f.cfg.ReconnectDelay, attempt)
	time.AfterFunc(f.cfg.ReconnectDelay, func() {
		if f.State() == StateShuttingDown {
			return
		}
		if f.OnReconnect != nil {
			f.OnReconnect(attempt)
		}
		if err := f.Connect(); err != nil {
			log.Printf("[feed] reconnect attempt %d failed: %v", attempt, err)
		}
	})
}

func drainSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
		delete(set, s)
	}
	sort.Strings(out)
	return out
}

// tickerBuffer coalesces ticker events per symbol between flushes.
// Only the latest snapshot per symbol survives a flush interval.
type tickerBuffer struct {
	mu sync.Mutex
	m  map[string]model.TickerSnapshot
}

func newTickerBuffer() *tickerBuffer {
	return &tickerBuffer{m: make(map[string]model.TickerSnapshot)}
}

// Put stores the snapshot, replacing any earlier one for the symbol.
func (b *tickerBuffer) Put(t model.TickerSnapshot) {
	b.mu.Lock()
	b.m[t.Exchange+":"+t.Symbol] = t
	b.mu.Unlock()
}

// Drain swaps the buffer for an empty one and returns the contents,
// sorted by symbol for deterministic write order.
func (b *tickerBuffer) Drain() []model.TickerSnapshot {
	b.mu.Lock()
	m := b.m
	b.m = make(map[string]model.TickerSnapshot)
	b.mu.Unlock()

	out := make([]model.TickerSnapshot, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Len reports the number of buffered symbols.
func (b *tickerBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}
