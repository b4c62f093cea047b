package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scalpflow/config"
	"scalpflow/internal/model"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		Channels:         []string{"trade"},
		HeartbeatTimeout: 100 * time.Millisecond,
		BackoffBase:      time.Millisecond,
		BackoffCap:       5 * time.Millisecond,
		MaxRetries:       -1,
		HealthyAfter:     time.Hour,
		TickBuffer:       16,
	}
}

type fakeConn struct {
	mu       sync.Mutex
	deadline time.Time
	msgs     chan []byte
	writes   []wsRequest
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	dl := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		timeout = time.After(time.Until(dl))
	}
	select {
	case m := <-c.msgs:
		return websocket.TextMessage, m, nil
	case <-timeout:
		return 0, nil, errors.New("read timeout")
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	req, ok := v.(wsRequest)
	if !ok {
		return fmt.Errorf("unexpected frame type %T", v)
	}
	c.mu.Lock()
	c.writes = append(c.writes, req)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) requests() []wsRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wsRequest, len(c.writes))
	copy(out, c.writes)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) dial(context.Context, string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials > len(d.conns) {
		return nil, errors.New("connection refused")
	}
	return d.conns[d.dials-1], nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func tradeMsg(sym string, ts int64, price, qty string) []byte {
	return []byte(fmt.Sprintf(
		`{"stream":"%s@trade","data":{"e":"trade","s":"%s","T":%d,"p":"%s","q":"%s"}}`,
		strings.ToLower(sym), sym, ts, price, qty))
}

func TestBackoffCapAndMonotonic(t *testing.T) {
	base := time.Second
	cap := 32 * time.Second
	b := NewBackoff(base, cap)

	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		d := b.Next()
		if d > cap {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", i, d, cap)
		}
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v within one streak", i, d, prev)
		}
		prev = d
	}
	if prev != cap {
		t.Errorf("expected late attempts pinned at cap %v, got %v", cap, prev)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 32*time.Second)
	for i := 0; i < 6; i++ {
		b.Next()
	}
	if b.Attempt() != 6 {
		t.Fatalf("expected attempt 6, got %d", b.Attempt())
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("expected attempt 0 after reset, got %d", b.Attempt())
	}
	if d := b.Next(); d > time.Second+time.Second/4 {
		t.Errorf("first delay after reset should be near base, got %v", d)
	}
}

// A stream that goes silent past the heartbeat window must trigger
// exactly one reconnect, and the desired subscriptions must be replayed
// on the fresh connection.
func TestStallTriggersSingleReconnect(t *testing.T) {
	c1 := newFakeConn()
	c2 := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c1, c2}}

	r := NewReader(testStreamConfig(), "ws://test")
	r.dial = d.dial
	if err := r.UpdateSubscription([]string{"BTCUSDT"}); err != nil {
		t.Fatalf("update subscription: %v", err)
	}

	c1.msgs <- tradeMsg("BTCUSDT", 1700000000000, "100.5", "0.2")
	// c1 then stalls: no further messages.
	c2.msgs <- tradeMsg("BTCUSDT", 1700000001000, "101", "0.1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case tick := <-r.Ticks():
			if tick.Symbol != "BTCUSDT" {
				t.Errorf("unexpected symbol %q", tick.Symbol)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tick %d", i+1)
		}
	}

	if got := r.Reconnects.Value(); got != 1 {
		t.Errorf("expected exactly 1 reconnect, got %d", got)
	}
	if got := d.dialCount(); got != 2 {
		t.Errorf("expected 2 dials, got %d", got)
	}

	var replayed bool
	for _, req := range c2.requests() {
		if req.Method == "SUBSCRIBE" {
			for _, p := range req.Params {
				if p == "btcusdt@trade" {
					replayed = true
				}
			}
		}
	}
	if !replayed {
		t.Error("subscriptions were not replayed after reconnect")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after cancel")
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxRetries = 2
	d := &fakeDialer{} // every dial fails

	r := NewReader(cfg, "ws://test")
	r.dial = d.dial

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case err := <-r.Fatal():
		if !errors.Is(err, model.ErrReconnectBudget) {
			t.Errorf("expected ErrReconnectBudget, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after exhausting retries")
	}
	// The initial dial plus two retries.
	if got := d.dialCount(); got != 3 {
		t.Errorf("expected 3 dial attempts, got %d", got)
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	cfg := testStreamConfig()
	cfg.TickBuffer = 2
	r := NewReader(cfg, "ws://test")

	base := time.Now()
	for i := 0; i < 3; i++ {
		r.publish(model.Tick{Symbol: "BTCUSDT", Timestamp: base.Add(time.Duration(i) * time.Second), Price: float64(i)})
	}

	if got := r.Overflow.Value(); got != 1 {
		t.Errorf("expected 1 overflow drop, got %d", got)
	}

	first := <-r.Ticks()
	second := <-r.Ticks()
	if first.Price != 1 || second.Price != 2 {
		t.Errorf("expected oldest tick evicted, kept prices %v and %v", first.Price, second.Price)
	}
}

func TestSubscriptionReconciliation(t *testing.T) {
	r := NewReader(testStreamConfig(), "ws://test")
	c := newFakeConn()
	r.attach(c)

	if err := r.UpdateSubscription([]string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("update subscription: %v", err)
	}
	reqs := c.requests()
	if len(reqs) != 1 || reqs[0].Method != "SUBSCRIBE" || len(reqs[0].Params) != 2 {
		t.Fatalf("expected one SUBSCRIBE with 2 streams, got %+v", reqs)
	}

	// Same set again: reconciliation is idempotent, nothing is sent.
	if err := r.UpdateSubscription([]string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("update subscription: %v", err)
	}
	if got := len(c.requests()); got != 1 {
		t.Fatalf("expected no frames for unchanged set, got %d", got)
	}

	// Swap ETHUSDT for SOLUSDT: one subscribe, one unsubscribe.
	if err := r.UpdateSubscription([]string{"BTCUSDT", "SOLUSDT"}); err != nil {
		t.Fatalf("update subscription: %v", err)
	}
	var subbed, unsubbed []string
	for _, req := range c.requests()[1:] {
		switch req.Method {
		case "SUBSCRIBE":
			subbed = append(subbed, req.Params...)
		case "UNSUBSCRIBE":
			unsubbed = append(unsubbed, req.Params...)
		}
	}
	if len(subbed) != 1 || subbed[0] != "solusdt@trade" {
		t.Errorf("expected solusdt@trade subscribed, got %v", subbed)
	}
	if len(unsubbed) != 1 || unsubbed[0] != "ethusdt@trade" {
		t.Errorf("expected ethusdt@trade unsubscribed, got %v", unsubbed)
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	r := NewReader(testStreamConfig(), "ws://test")

	r.handleMessage([]byte(`not json`))
	r.handleMessage([]byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","T":1,"p":"bogus","q":"1"}}`))
	// Subscription acks are not malformed, just ignored.
	r.handleMessage([]byte(`{"result":null,"id":1}`))

	if got := r.Malformed.Value(); got != 2 {
		t.Errorf("expected 2 malformed drops, got %d", got)
	}
	select {
	case tick := <-r.Ticks():
		t.Errorf("unexpected tick from malformed input: %+v", tick)
	default:
	}
}
