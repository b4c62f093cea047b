// Package reader owns the exchange websocket: one combined-stream
// connection, heartbeat supervision, reconnect with backoff, and a
// bounded tick queue feeding the indicator worker. Consumers never see
// connection state; a dead stream surfaces only as silence and then as
// replayed subscriptions once the reader is back.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"scalpflow/config"
	"scalpflow/internal/metrics"
	"scalpflow/internal/model"
	"scalpflow/logger"
)

// wsConn is the slice of *websocket.Conn the reader uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func gorillaDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// wsRequest is the exchange's stream management frame.
type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// streamEnvelope is the combined-stream wrapper around every payload.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeEvent struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	TradeTime int64  `json:"T"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
}

// Reader maintains the websocket connection and emits normalized ticks.
type Reader struct {
	cfg     config.StreamConfig
	url     string
	dial    dialFunc
	log     *logger.Log
	backoff *Backoff
	ticks   chan model.Tick
	fatal   chan error
	reqID   atomic.Int64

	mu         sync.Mutex
	conn       wsConn
	desired    map[string]struct{}
	subscribed map[string]struct{}

	Overflow   metrics.Counter
	Malformed  metrics.Counter
	Reconnects metrics.Counter
}

func NewReader(cfg config.StreamConfig, wsURL string) *Reader {
	return &Reader{
		cfg:        cfg,
		url:        wsURL,
		dial:       gorillaDial,
		log:        logger.GetLogger(),
		backoff:    NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		ticks:      make(chan model.Tick, cfg.TickBuffer),
		fatal:      make(chan error, 1),
		desired:    make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}
}

// Ticks is the bounded stream of normalized trades. When the consumer
// falls behind, the oldest queued tick is evicted so fresh prices win.
func (r *Reader) Ticks() <-chan model.Tick { return r.ticks }

// Fatal delivers at most one terminal error: the reconnect budget was
// exhausted and the reader has given up.
func (r *Reader) Fatal() <-chan error { return r.fatal }

// Run dials, reads, and reconnects until the context is cancelled or the
// retry budget runs out.
func (r *Reader) Run(ctx context.Context) {
	log := r.log.WithComponent("reader")
	log.WithFields(logger.Fields{
		"url":               r.url,
		"heartbeat_timeout": r.cfg.HeartbeatTimeout.String(),
	}).Info("stream reader started")

	for {
		conn, err := r.dial(ctx, r.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("dial failed")
			if !r.delay(ctx, log) {
				return
			}
			continue
		}

		r.attach(conn)
		if err := r.replaySubscriptions(); err != nil {
			log.WithError(err).Warn("subscription replay failed, reconnecting")
		} else {
			connectedAt := time.Now()
			r.readLoop(ctx, conn, log)
			if time.Since(connectedAt) >= r.cfg.HealthyAfter {
				r.backoff.Reset()
			}
		}
		r.detach(conn)
		conn.Close()

		if ctx.Err() != nil {
			log.Info("stream reader stopped")
			return
		}
		r.Reconnects.Inc()
		if !r.delay(ctx, log) {
			return
		}
	}
}

// delay sleeps the current backoff step. It returns false when the
// retry budget is spent or the context is cancelled.
func (r *Reader) delay(ctx context.Context, log *logger.Entry) bool {
	if r.cfg.MaxRetries >= 0 && r.backoff.Attempt() >= r.cfg.MaxRetries {
		err := fmt.Errorf("%w: gave up after %d attempts", model.ErrReconnectBudget, r.backoff.Attempt())
		log.WithError(err).Error("stream reconnect budget exhausted")
		select {
		case r.fatal <- err:
		default:
		}
		return false
	}

	d := r.backoff.Next()
	log.WithFields(logger.Fields{
		"delay":   d.String(),
		"attempt": r.backoff.Attempt(),
	}).Info("reconnecting after backoff")

	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// readLoop pumps messages until the connection breaks or goes silent
// past the heartbeat window.
func (r *Reader) readLoop(ctx context.Context, conn wsConn, log *logger.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.HeartbeatTimeout)); err != nil {
			log.WithError(err).Warn("set read deadline failed")
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(fmt.Errorf("%w: %v", model.ErrStreamStalled, err)).Warn("stream read failed")
			return
		}
		r.handleMessage(msg)
	}
}

func (r *Reader) handleMessage(raw []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.Malformed.Inc()
		metrics.EmitDropMetric(r.log, metrics.DropMetricMalformed, "", "envelope")
		return
	}
	if env.Stream == "" {
		// Subscription ack or other control response.
		return
	}

	var ev tradeEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil || ev.Event != "trade" {
		if err != nil {
			r.Malformed.Inc()
			metrics.EmitDropMetric(r.log, metrics.DropMetricMalformed, "", "payload")
		}
		return
	}

	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		r.Malformed.Inc()
		metrics.EmitDropMetric(r.log, metrics.DropMetricMalformed, ev.Symbol, "price")
		return
	}
	qty, err := strconv.ParseFloat(ev.Quantity, 64)
	if err != nil {
		r.Malformed.Inc()
		metrics.EmitDropMetric(r.log, metrics.DropMetricMalformed, ev.Symbol, "quantity")
		return
	}

	r.publish(model.Tick{
		Symbol:    ev.Symbol,
		Timestamp: time.UnixMilli(ev.TradeTime),
		Price:     price,
		Volume:    qty,
	})
}

// publish enqueues a tick, evicting the oldest queued tick when the
// buffer is full.
func (r *Reader) publish(t model.Tick) {
	select {
	case r.ticks <- t:
		return
	default:
	}

	select {
	case <-r.ticks:
		r.Overflow.Inc()
		metrics.EmitDropMetric(r.log, metrics.DropMetricTickOverflow, t.Symbol, "queue")
	default:
	}
	select {
	case r.ticks <- t:
	default:
	}
}

// UpdateSubscription declares the full set of symbols the reader should
// carry. The delta against the live connection is sent immediately; the
// desired set is replayed in full after every reconnect.
func (r *Reader) UpdateSubscription(symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desired := make(map[string]struct{}, len(symbols)*len(r.cfg.Channels))
	for _, sym := range symbols {
		for _, st := range r.streams(sym) {
			desired[st] = struct{}{}
		}
	}
	r.desired = desired

	return r.reconcileLocked()
}

// replaySubscriptions pushes the full desired set onto a fresh
// connection.
func (r *Reader) replaySubscriptions() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked()
}

// reconcileLocked sends the subscribe/unsubscribe delta between desired
// and subscribed. Idempotent: an empty delta sends nothing.
func (r *Reader) reconcileLocked() error {
	if r.conn == nil {
		return nil
	}

	var add, remove []string
	for st := range r.desired {
		if _, ok := r.subscribed[st]; !ok {
			add = append(add, st)
		}
	}
	for st := range r.subscribed {
		if _, ok := r.desired[st]; !ok {
			remove = append(remove, st)
		}
	}

	if len(add) > 0 {
		req := wsRequest{Method: "SUBSCRIBE", Params: add, ID: r.reqID.Add(1)}
		if err := r.conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		for _, st := range add {
			r.subscribed[st] = struct{}{}
		}
	}
	if len(remove) > 0 {
		req := wsRequest{Method: "UNSUBSCRIBE", Params: remove, ID: r.reqID.Add(1)}
		if err := r.conn.WriteJSON(req); err != nil {
			return fmt.Errorf("unsubscribe failed: %w", err)
		}
		for _, st := range remove {
			delete(r.subscribed, st)
		}
	}

	if len(add) > 0 || len(remove) > 0 {
		r.log.WithComponent("reader").WithFields(logger.Fields{
			"subscribed": len(r.subscribed),
			"added":      len(add),
			"removed":    len(remove),
		}).Info("stream subscriptions reconciled")
	}
	return nil
}

func (r *Reader) streams(symbol string) []string {
	out := make([]string, 0, len(r.cfg.Channels))
	for _, ch := range r.cfg.Channels {
		out = append(out, strings.ToLower(symbol)+"@"+ch)
	}
	return out
}

func (r *Reader) attach(conn wsConn) {
	r.mu.Lock()
	r.conn = conn
	r.subscribed = make(map[string]struct{})
	r.mu.Unlock()
}

func (r *Reader) detach(conn wsConn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
}
