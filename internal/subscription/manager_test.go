package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const testSubID = "0xabc"

var testAck = []byte(`{"jsonrpc":"2.0","id":1,"result":"` + testSubID + `"}`)

// recorder keeps a global order of dials, subscribes and pings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	id      int
	rec     *recorder
	reads   chan readResult
	pingErr error
	// silent peers never answer pings.
	silent bool

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	deadline time.Time
	writes   int
	onPong   func(string) error

	pings atomic.Int32
}

func newFakeConn(reads ...readResult) *fakeConn {
	c := &fakeConn{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
	for _, r := range reads {
		c.reads <- r
	}
	return c
}

// currentDeadline returns the read deadline in force. Once a session has
// installed its pong handler, a responsive peer never lets it expire.
func (c *fakeConn) currentDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onPong != nil && !c.silent {
		return time.Time{}
	}
	return c.deadline
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		deadline := c.currentDeadline()
		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			timeout = timer.C
		}

		select {
		case r := <-c.reads:
			if timer != nil {
				timer.Stop()
			}
			return websocket.TextMessage, r.data, r.err
		case <-c.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, errors.New("use of closed network connection")
		case <-timeout:
			if d := c.currentDeadline(); d.IsZero() || d.After(time.Now()) {
				continue
			}
			return 0, nil, errors.New("i/o timeout")
		}
	}
}

func (c *fakeConn) WriteMessage(_ int, _ []byte) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	c.rec.add(fmt.Sprintf("subscribe:%d", c.id))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	if messageType != websocket.PingMessage {
		return nil
	}
	if c.pingErr != nil {
		return c.pingErr
	}
	c.pings.Add(1)
	c.rec.add(fmt.Sprintf("ping:%d", c.id))

	c.mu.Lock()
	onPong := c.onPong
	c.mu.Unlock()
	if onPong != nil && !c.silent {
		return onPong("")
	}
	return nil
}

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.onPong = h
	c.mu.Unlock()
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type dialStep struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	rec   *recorder
	mu    sync.Mutex
	steps []dialStep
	times []time.Time
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	attempt := len(d.times) + 1
	d.times = append(d.times, time.Now())
	d.rec.add(fmt.Sprintf("dial:%d", attempt))

	if len(d.steps) == 0 {
		return nil, errors.New("no more connections")
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	step.conn.id = attempt
	step.conn.rec = d.rec
	return step.conn, nil
}

func (d *fakeDialer) attempts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

// stopHandler records hashes and cancels the run after want blocks.
type stopHandler struct {
	mu     sync.Mutex
	hashes []common.Hash
	want   int
	cancel context.CancelFunc
}

func (h *stopHandler) HandleBlock(_ context.Context, hash common.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hashes = append(h.hashes, hash)
	if len(h.hashes) >= h.want {
		h.cancel()
	}
}

func (h *stopHandler) received() []common.Hash {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]common.Hash(nil), h.hashes...)
}

func runManager(t *testing.T, cfg Config, d *fakeDialer, want int) (*stopHandler, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := &stopHandler{want: want, cancel: cancel}

	m := NewManager(cfg, d.dial, handler, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		return handler, err
	case <-time.After(5 * time.Second):
		cancel()
		<-done
		t.Fatalf("manager did not stop in time; events=%v", d.rec.snapshot())
		return nil, nil
	}
}

func TestManagerDispatchesHeadsInOrder(t *testing.T) {
	rec := &recorder{}
	second := "0x" + fmt.Sprintf("%064x", 2)
	conn := newFakeConn(
		readResult{data: testAck},
		readResult{data: headFrame(testSubID, testHash)},
		readResult{data: []byte(`not json`)},
		readResult{data: headFrame(testSubID, second)},
	)
	d := &fakeDialer{rec: rec, steps: []dialStep{{conn: conn}}}

	handler, err := runManager(t, Config{KeepAliveInterval: time.Hour, RetryDelay: time.Hour}, d, 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got := handler.received()
	if len(got) != 2 || got[0] != common.HexToHash(testHash) || got[1] != common.HexToHash(second) {
		t.Fatalf("hashes mismatch: %v", got)
	}
	if conn.writeCount() != 1 {
		t.Fatalf("expected one subscribe, got %d", conn.writeCount())
	}
	if !conn.isClosed() {
		t.Fatalf("connection left open")
	}
}

func TestManagerReconnectsImmediatelyAfterReadFailure(t *testing.T) {
	rec := &recorder{}
	first := newFakeConn(
		readResult{data: testAck},
		readResult{err: errors.New("connection reset by peer")},
	)
	second := newFakeConn(
		readResult{data: testAck},
		readResult{data: headFrame(testSubID, testHash)},
	)
	d := &fakeDialer{rec: rec, steps: []dialStep{{conn: first}, {conn: second}}}

	started := time.Now()
	handler, err := runManager(t, Config{KeepAliveInterval: time.Hour, RetryDelay: time.Hour}, d, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("reconnect waited %s", elapsed)
	}
	if len(handler.received()) != 1 {
		t.Fatalf("expected one block after reconnect")
	}
	if len(d.attempts()) != 2 {
		t.Fatalf("expected exactly 2 dials, got %d", len(d.attempts()))
	}
	if !first.isClosed() {
		t.Fatalf("first connection not closed")
	}
	if first.writeCount() != 1 || second.writeCount() != 1 {
		t.Fatalf("expected one subscribe per connection: %d %d", first.writeCount(), second.writeCount())
	}
}

func TestManagerWaitsRetryDelayAfterConnectFailure(t *testing.T) {
	rec := &recorder{}
	conn := newFakeConn(
		readResult{data: testAck},
		readResult{data: headFrame(testSubID, testHash)},
	)
	d := &fakeDialer{rec: rec, steps: []dialStep{
		{err: errors.New("connection refused")},
		{conn: conn},
	}}

	delay := 50 * time.Millisecond
	if _, err := runManager(t, Config{KeepAliveInterval: time.Hour, RetryDelay: delay}, d, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	attempts := d.attempts()
	if len(attempts) != 2 {
		t.Fatalf("expected 2 dials, got %d", len(attempts))
	}
	if gap := attempts[1].Sub(attempts[0]); gap < delay {
		t.Fatalf("retry after %s, want at least %s", gap, delay)
	}
}

func TestManagerRetriesRejectedSubscribe(t *testing.T) {
	rec := &recorder{}
	rejected := newFakeConn(readResult{data: []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"too many subscriptions"}}`)})
	silent := newFakeConn()
	ok := newFakeConn(
		readResult{data: testAck},
		readResult{data: headFrame(testSubID, testHash)},
	)
	d := &fakeDialer{rec: rec, steps: []dialStep{{conn: rejected}, {conn: silent}, {conn: ok}}}

	cfg := Config{KeepAliveInterval: time.Hour, RetryDelay: time.Millisecond, SubscribeTimeout: 20 * time.Millisecond}
	if _, err := runManager(t, cfg, d, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !rejected.isClosed() || !silent.isClosed() {
		t.Fatalf("failed connections not closed")
	}
	if len(d.attempts()) != 3 {
		t.Fatalf("expected 3 dials, got %d", len(d.attempts()))
	}
}

func TestManagerStopsKeepAliveBeforeNextSession(t *testing.T) {
	rec := &recorder{}
	first := newFakeConn(readResult{data: testAck})
	second := newFakeConn(readResult{data: testAck})
	d := &fakeDialer{rec: rec, steps: []dialStep{{conn: first}, {conn: second}}}

	go func() {
		for first.pings.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		first.reads <- readResult{err: errors.New("eof")}
		for second.pings.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		second.reads <- readResult{data: headFrame(testSubID, testHash)}
	}()

	cfg := Config{KeepAliveInterval: time.Millisecond, RetryDelay: time.Hour}
	if _, err := runManager(t, cfg, d, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	events := rec.snapshot()
	secondDial := -1
	lastFirstPing := -1
	for i, e := range events {
		switch e {
		case "dial:2":
			secondDial = i
		case "ping:1":
			lastFirstPing = i
		}
	}
	if secondDial < 0 {
		t.Fatalf("second dial missing: %v", events)
	}
	if lastFirstPing > secondDial {
		t.Fatalf("old keep-alive pinged after reconnect: %v", events)
	}
}

func TestManagerReconnectsAfterPingFailure(t *testing.T) {
	rec := &recorder{}
	first := newFakeConn(readResult{data: testAck})
	first.pingErr = errors.New("broken pipe")
	second := newFakeConn(
		readResult{data: testAck},
		readResult{data: headFrame(testSubID, testHash)},
	)
	d := &fakeDialer{rec: rec, steps: []dialStep{{conn: first}, {conn: second}}}

	cfg := Config{KeepAliveInterval: 5 * time.Millisecond, RetryDelay: time.Hour}
	if _, err := runManager(t, cfg, d, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !first.isClosed() {
		t.Fatalf("connection with failed ping not closed")
	}
	if len(d.attempts()) != 2 {
		t.Fatalf("expected 2 dials, got %d", len(d.attempts()))
	}
}

func TestManagerDropsSilentPeer(t *testing.T) {
	rec := &recorder{}
	first := newFakeConn(readResult{data: testAck})
	first.silent = true
	second := newFakeConn(readResult{data: testAck})
	d := &fakeDialer{rec: rec, steps: []dialStep{{conn: first}, {conn: second}}}

	go func() {
		for second.pings.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		second.reads <- readResult{data: headFrame(testSubID, testHash)}
	}()

	cfg := Config{KeepAliveInterval: 5 * time.Millisecond, RetryDelay: time.Hour}
	handler, err := runManager(t, cfg, d, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !first.isClosed() {
		t.Fatalf("silent connection not closed")
	}
	if len(d.attempts()) != 2 {
		t.Fatalf("expected 2 dials, got %d", len(d.attempts()))
	}
	if len(handler.received()) != 1 {
		t.Fatalf("expected one block from the answering peer")
	}
}

func TestManagerStopsDuringRetryDelay(t *testing.T) {
	rec := &recorder{}
	d := &fakeDialer{rec: rec}
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(Config{RetryDelay: time.Hour}, d.dial, &stopHandler{cancel: cancel}, nil)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for len(d.attempts()) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("manager ignored cancellation")
	}
}
