package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsBaseDelay      = 500 * time.Millisecond
	wsMaxDelay       = 5 * time.Second
	wsPingInterval   = 5 * time.Second
	wsMaxMissedPongs = 3
	wsReadTimeout    = 30 * time.Second
)

// WSURL derives the websocket endpoint from a REST base URL.
func WSURL(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Subscription names one feed. Only the fields the feed type uses are set.
type Subscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	User     string `json:"user,omitempty"`
	Interval string `json:"interval,omitempty"`
}

func (s Subscription) key() string {
	return s.Type + "|" + s.Coin + "|" + strings.ToLower(s.User) + "|" + s.Interval
}

func (s Subscription) String() string {
	parts := []string{s.Type}
	for _, p := range []string{s.Coin, s.User, s.Interval} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}

// TradesFeed, BboFeed, OrderUpdatesFeed and UserFillsFeed build the
// subscriptions the command line exposes.
func TradesFeed(coin string) Subscription { return Subscription{Type: "trades", Coin: coin} }
func BboFeed(coin string) Subscription    { return Subscription{Type: "bbo", Coin: coin} }
func OrderUpdatesFeed(user string) Subscription {
	return Subscription{Type: "orderUpdates", User: strings.ToLower(user)}
}
func UserFillsFeed(user string) Subscription {
	return Subscription{Type: "userFills", User: strings.ToLower(user)}
}

type outgoing struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

type incoming struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// EventKind separates connection state changes from data.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnected
	EventDisconnected
)

// Event is delivered on the worker's channel.
type Event struct {
	Kind    EventKind
	Channel string
	Data    json.RawMessage
}

// Trade is one public trade.
type Trade struct {
	Coin string          `json:"coin"`
	Side string          `json:"side"` // B or A
	Px   decimal.Decimal `json:"px"`
	Sz   decimal.Decimal `json:"sz"`
	Time int64           `json:"time"`
	Tid  uint64          `json:"tid"`
}

// Level is one side of the book top.
type Level struct {
	Px decimal.Decimal `json:"px"`
	Sz decimal.Decimal `json:"sz"`
	N  int             `json:"n"`
}

// Bbo is the best bid and offer. Either side may be nil on an empty book.
type Bbo struct {
	Coin string    `json:"coin"`
	Time int64     `json:"time"`
	Bbo  [2]*Level `json:"bbo"`
}

// OrderUpdate is a status change of one of the user's orders.
type OrderUpdate struct {
	Order struct {
		Coin      string          `json:"coin"`
		Side      string          `json:"side"`
		LimitPx   decimal.Decimal `json:"limitPx"`
		Sz        decimal.Decimal `json:"sz"`
		OrigSz    decimal.Decimal `json:"origSz"`
		Oid       uint64          `json:"oid"`
		Timestamp int64           `json:"timestamp"`
		Cloid     *string         `json:"cloid,omitempty"`
	} `json:"order"`
	Status          string `json:"status"`
	StatusTimestamp int64  `json:"statusTimestamp"`
}

// Fill is one execution of the user's order.
type Fill struct {
	Coin      string          `json:"coin"`
	Px        decimal.Decimal `json:"px"`
	Sz        decimal.Decimal `json:"sz"`
	Side      string          `json:"side"`
	Time      int64           `json:"time"`
	Oid       uint64          `json:"oid"`
	Fee       decimal.Decimal `json:"fee"`
	ClosedPnl decimal.Decimal `json:"closedPnl"`
	Hash      string          `json:"hash"`
}

// UserFills is a batch of fills. The first batch after subscribing is a
// snapshot of recent history.
type UserFills struct {
	IsSnapshot bool   `json:"isSnapshot"`
	User       string `json:"user"`
	Fills      []Fill `json:"fills"`
}

// Trades decodes a trades message.
func (e Event) Trades() ([]Trade, error) {
	var out []Trade
	return out, e.decode("trades", &out)
}

// Bbo decodes a bbo message.
func (e Event) Bbo() (*Bbo, error) {
	var out Bbo
	return &out, e.decode("bbo", &out)
}

// OrderUpdates decodes an orderUpdates message.
func (e Event) OrderUpdates() ([]OrderUpdate, error) {
	var out []OrderUpdate
	return out, e.decode("orderUpdates", &out)
}

// UserFills decodes a userFills message.
func (e Event) UserFills() (*UserFills, error) {
	var out UserFills
	return &out, e.decode("userFills", &out)
}

func (e Event) decode(channel string, out any) error {
	if e.Kind != EventMessage || e.Channel != channel {
		return fmt.Errorf("event is %q, not %q", e.Channel, channel)
	}
	return json.Unmarshal(e.Data, out)
}

// StreamWorker keeps one websocket open to the exchange, reconnecting with
// exponential backoff and restoring every subscription after a reconnect.
type StreamWorker struct {
	url    string
	events chan Event
	logger *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	subs      map[string]Subscription

	missedPongs atomic.Int32
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewStreamWorker creates a worker for url. Events beyond buffer are dropped.
func NewStreamWorker(url string, buffer int) *StreamWorker {
	return &StreamWorker{
		url:    url,
		events: make(chan Event, buffer),
		logger: slog.Default().With("module", "hyperliquid_stream"),
		subs:   make(map[string]Subscription),
	}
}

// Events returns the channel data and connection changes are delivered on.
func (w *StreamWorker) Events() <-chan Event {
	return w.events
}

// Subscribe adds sub. It is sent now when connected and on every reconnect.
func (w *StreamWorker) Subscribe(sub Subscription) error {
	w.mu.Lock()
	if _, ok := w.subs[sub.key()]; ok {
		w.mu.Unlock()
		return nil
	}
	w.subs[sub.key()] = sub
	connected := w.connected
	w.mu.Unlock()

	if !connected {
		return nil
	}
	return w.send(outgoing{Method: "subscribe", Subscription: &sub})
}

// Unsubscribe removes sub.
func (w *StreamWorker) Unsubscribe(sub Subscription) error {
	w.mu.Lock()
	_, ok := w.subs[sub.key()]
	delete(w.subs, sub.key())
	connected := w.connected
	w.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	return w.send(outgoing{Method: "unsubscribe", Subscription: &sub})
}

// Connect starts the WebSocket connection with automatic reconnection
func (w *StreamWorker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.connectionLoop(ctx)

	return nil
}

func (w *StreamWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Stream panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stream connection loop stopped")
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := calculateBackoff(retryCount)
			retryCount++
			w.logger.Warn("Stream connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
				slog.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		w.emit(Event{Kind: EventConnected})

		connCtx, stopPing := context.WithCancel(ctx)
		go w.pingLoop(connCtx)
		w.readLoop(ctx)
		stopPing()

		if ctx.Err() == nil {
			w.logger.Warn("Stream disconnected, reconnecting")
			w.emit(Event{Kind: EventDisconnected})
		}
	}
}

// calculateBackoff returns the delay for the current retry attempt
func calculateBackoff(retryCount int) time.Duration {
	if retryCount > 16 {
		return wsMaxDelay
	}
	delay := wsBaseDelay * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > wsMaxDelay {
		delay = wsMaxDelay
	}
	return delay
}

func (w *StreamWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	subs := make([]Subscription, 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()
	w.missedPongs.Store(0)

	sort.Slice(subs, func(i, j int) bool { return subs[i].key() < subs[j].key() })
	for i := range subs {
		if err := w.send(outgoing{Method: "subscribe", Subscription: &subs[i]}); err != nil {
			w.closeConnection()
			return fmt.Errorf("subscribe %s: %w", subs[i], err)
		}
	}

	w.logger.Info("Stream connected", slog.String("url", w.url), slog.Int("subscriptions", len(subs)))
	return nil
}

func (w *StreamWorker) send(msg outgoing) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *StreamWorker) threadSafeWrite(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	return conn.WriteMessage(messageType, data)
}

// pingLoop sends an application ping every interval and drops the
// connection once too many go unanswered.
func (w *StreamWorker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.missedPongs.Load() >= wsMaxMissedPongs {
				w.logger.Warn("Missed pongs, reconnecting", slog.Int("missed", int(w.missedPongs.Load())))
				w.closeConnection()
				return
			}
			if err := w.send(outgoing{Method: "ping"}); err != nil {
				w.logger.Warn("Stream ping failed", slog.Any("error", err))
				continue
			}
			w.missedPongs.Add(1)
		}
	}
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("Stream read error", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}

		w.handleMessage(message)
	}
}

func (w *StreamWorker) handleMessage(message []byte) {
	var msg incoming
	if err := json.Unmarshal(message, &msg); err != nil {
		w.logger.Debug("Stream message parse error", slog.Any("error", err))
		return
	}

	switch msg.Channel {
	case "pong":
		w.missedPongs.Store(0)
	case "subscriptionResponse":
		w.logger.Debug("Subscription confirmed", slog.String("data", string(msg.Data)))
	case "error":
		w.logger.Warn("Stream error message", slog.String("data", string(msg.Data)))
	default:
		w.emit(Event{Kind: EventMessage, Channel: msg.Channel, Data: msg.Data})
	}
}

func (w *StreamWorker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("Stream event channel full, dropping data", slog.String("channel", ev.Channel))
	}
}

func (w *StreamWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Disconnect closes the WebSocket connection
func (w *StreamWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
	w.logger.Info("Stream disconnected")
}

// IsConnected returns connection status
func (w *StreamWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}
