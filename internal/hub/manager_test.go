package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/auth"
	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
)

const testToken = "hub-secret"

type stubHandler struct {
	mu    sync.Mutex
	calls []event.Inbound
}

func (h *stubHandler) HandleMessage(_ context.Context, connID string, msg event.Inbound) (*event.Envelope, error) {
	h.mu.Lock()
	h.calls = append(h.calls, msg)
	h.mu.Unlock()
	switch msg.Type {
	case "status":
		env, err := event.New("status", map[string]string{"conn": connID})
		return &env, err
	case "silent":
		return nil, nil
	case "boom":
		return nil, errors.New("database exploded")
	default:
		return nil, xerrors.Errorf(xerrors.CodeNotFound, "unknown %s", msg.Type)
	}
}

type testServer struct {
	manager *Manager
	server  *httptest.Server
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	guard, err := auth.NewGuard(testToken)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	base := []Option{WithHandler(&stubHandler{}), WithClock(clock.Now), WithHeartbeatInterval(time.Second)}
	m := New(guard, append(base, opts...)...)
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{manager: m, server: srv, clock: clock}
}

func (ts *testServer) url(query string) string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http") + query
}

func dial(t *testing.T, ts *testServer) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url("?token="+testToken+"&client=test"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	env := readEnvelope(t, conn)
	if env.Type != event.TypeWelcome {
		t.Fatalf("expected welcome, got %s", env.Type)
	}
	var payload struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.ConnectionID == "" {
		t.Fatalf("welcome payload invalid: %s", env.Payload)
	}
	return conn, payload.ConnectionID
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func readEnvelope(t *testing.T, conn *websocket.Conn) event.Envelope {
	t.Helper()
	var env event.Envelope
	if err := json.Unmarshal(readRaw(t, conn), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close error, got %v", err)
		}
		return closeErr
	}
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandshakeRejectsMissingOrWrongCredential(t *testing.T) {
	ts := newTestServer(t)
	for _, query := range []string{"", "?token=wrong"} {
		conn, _, err := websocket.DefaultDialer.Dial(ts.url(query), nil)
		if err != nil {
			t.Fatalf("dial %q: %v", query, err)
		}
		closeErr := readClose(t, conn)
		if closeErr.Code != xerrors.CloseUnauthorized {
			t.Fatalf("expected close code 4001, got %d", closeErr.Code)
		}
		_ = conn.Close()
	}
	if ts.manager.Count() != 0 {
		t.Fatalf("rejected connections must not be registered")
	}
}

func TestHandshakeIgnoresAuthorizationHeader(t *testing.T) {
	ts := newTestServer(t)
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial(ts.url(""), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if code := readClose(t, conn).Code; code != xerrors.CloseUnauthorized {
		t.Fatalf("expected 4001, got %d", code)
	}
}

func TestWelcomeRegistersConnection(t *testing.T) {
	ts := newTestServer(t)
	_, id := dial(t, ts)

	infos := ts.manager.Connections()
	if len(infos) != 1 || infos[0].ID != id {
		t.Fatalf("unexpected connections: %+v", infos)
	}
	if infos[0].Metadata.Client != "test" {
		t.Fatalf("client metadata not captured: %+v", infos[0].Metadata)
	}
}

func TestPingRepliesPong(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := dial(t, ts)
	send(t, conn, `{"type":"ping"}`)
	if env := readEnvelope(t, conn); env.Type != event.TypePong {
		t.Fatalf("expected pong, got %s", env.Type)
	}
}

func TestInvalidJSONKeepsConnectionOpen(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := dial(t, ts)

	send(t, conn, `not json`)
	env := readEnvelope(t, conn)
	if env.Type != event.TypeError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
	var payload xerrors.Envelope
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error != xerrors.KindBadRequest || payload.StatusCode != http.StatusBadRequest || payload.Code != xerrors.CodeInvalidJSON {
		t.Fatalf("unexpected error payload: %+v", payload)
	}

	send(t, conn, `{"type":"ping"}`)
	if env := readEnvelope(t, conn); env.Type != event.TypePong {
		t.Fatalf("connection should still answer ping, got %s", env.Type)
	}
}

func TestHandlerRepliesAndErrors(t *testing.T) {
	ts := newTestServer(t)
	conn, id := dial(t, ts)

	send(t, conn, `{"type":"status"}`)
	env := readEnvelope(t, conn)
	if env.Type != "status" || !strings.Contains(string(env.Payload), id) {
		t.Fatalf("unexpected reply: %s %s", env.Type, env.Payload)
	}

	send(t, conn, `{"type":"nope"}`)
	var payload xerrors.Envelope
	_ = json.Unmarshal(readEnvelope(t, conn).Payload, &payload)
	if payload.Error != xerrors.KindNotFound {
		t.Fatalf("expected NotFound, got %+v", payload)
	}

	send(t, conn, `{"type":"boom"}`)
	_ = json.Unmarshal(readEnvelope(t, conn).Payload, &payload)
	if payload.Error != xerrors.KindInternal || strings.Contains(payload.Message, "exploded") {
		t.Fatalf("internal detail leaked: %+v", payload)
	}
}

func TestBroadcastFanOutWithFilter(t *testing.T) {
	ts := newTestServer(t)
	a, _ := dial(t, ts)
	b, _ := dial(t, ts)
	c, cID := dial(t, ts)

	env, _ := event.New(event.TypeTaskProgress, map[string]int{"step": 1})
	if n := ts.manager.Broadcast(env, Filter{Exclude: []string{cID}}); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	first := readRaw(t, a)
	second := readRaw(t, b)
	if string(first) != string(second) {
		t.Fatalf("broadcast bytes differ: %s vs %s", first, second)
	}

	send(t, c, `{"type":"ping"}`)
	if got := readEnvelope(t, c); got.Type != event.TypePong {
		t.Fatalf("excluded connection received %s", got.Type)
	}

	if n := ts.manager.Broadcast(env, Filter{IncludeOnly: []string{cID}}); n != 1 {
		t.Fatalf("expected single delivery, got %d", n)
	}
	if got := readEnvelope(t, c); got.Type != event.TypeTaskProgress {
		t.Fatalf("expected progress, got %s", got.Type)
	}
}

func TestSendUnicast(t *testing.T) {
	ts := newTestServer(t)
	conn, id := dial(t, ts)

	env, _ := event.New(event.TypeRuntimeNotice, map[string]string{"text": "hi"})
	if err := ts.manager.Send(id, env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := readEnvelope(t, conn); got.Type != event.TypeRuntimeNotice {
		t.Fatalf("expected notice, got %s", got.Type)
	}

	err := ts.manager.Send("missing", env)
	if !errors.Is(err, xerrors.New(xerrors.CodeNotFound, "")) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHeartbeatReapsStaleConnections(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := dial(t, ts)

	if reaped := ts.manager.Heartbeat(ts.clock.Now().Add(time.Second)); reaped != 0 {
		t.Fatalf("fresh connection reaped")
	}
	if reaped := ts.manager.Heartbeat(ts.clock.Now().Add(3 * time.Second)); reaped != 1 {
		t.Fatalf("expected one reaped connection, got %d", reaped)
	}
	closeErr := readClose(t, conn)
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "heartbeat timeout" {
		t.Fatalf("unexpected close: %d %q", closeErr.Code, closeErr.Text)
	}
	if ts.manager.Count() != 0 {
		t.Fatalf("reaped connection still registered")
	}
}

func TestShutdownClosesAllConnections(t *testing.T) {
	ts := newTestServer(t)
	a, _ := dial(t, ts)
	b, _ := dial(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		if code := readClose(t, conn).Code; code != websocket.CloseGoingAway {
			t.Fatalf("expected 1001, got %d", code)
		}
	}
	if ts.manager.Count() != 0 {
		t.Fatalf("connections left after shutdown: %d", ts.manager.Count())
	}

	_, resp, err := websocket.DefaultDialer.Dial(ts.url("?token="+testToken), nil)
	if err == nil {
		t.Fatalf("expected handshake to fail after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %+v", resp)
	}
}

type countingMetrics struct {
	mu         sync.Mutex
	conns      int
	broadcasts int
	closed     map[string]int
}

func (m *countingMetrics) SetConnections(n int) {
	m.mu.Lock()
	m.conns = n
	m.mu.Unlock()
}

func (m *countingMetrics) IncBroadcast() {
	m.mu.Lock()
	m.broadcasts++
	m.mu.Unlock()
}

func (m *countingMetrics) IncClosed(reason string) {
	m.mu.Lock()
	if m.closed == nil {
		m.closed = map[string]int{}
	}
	m.closed[reason]++
	m.mu.Unlock()
}

func TestMetricsRecorded(t *testing.T) {
	metrics := &countingMetrics{}
	ts := newTestServer(t, WithMetrics(metrics))
	dial(t, ts)

	env, _ := event.New(event.TypeTaskStarted, nil)
	ts.manager.Broadcast(env, Filter{})
	ts.manager.Heartbeat(ts.clock.Now().Add(time.Minute))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.broadcasts != 1 || metrics.conns != 0 || metrics.closed[reasonHeartbeat] != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestSlowConsumerIsClosed(t *testing.T) {
	c := newConnection("slow", nil, Metadata{}, time.Now(), 1)
	if !c.enqueue([]byte("a")) {
		t.Fatalf("first enqueue should succeed")
	}
	if c.enqueue([]byte("b")) {
		t.Fatalf("enqueue on full queue should fail")
	}
	if !c.isClosing() || c.closeCode != websocket.ClosePolicyViolation || c.reason != reasonSlow {
		t.Fatalf("slow consumer not closed: code=%d reason=%s", c.closeCode, c.reason)
	}
	if c.enqueue([]byte("c")) {
		t.Fatalf("closed connection must not accept frames")
	}
}

func TestWelcomeQueuedBeforeBroadcasts(t *testing.T) {
	guard, err := auth.NewGuard(testToken)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	m := New(guard, WithSendBuffer(4))
	c := newConnection("c1", nil, Metadata{}, time.Now(), 4)
	if !m.register(c) {
		t.Fatalf("register rejected on an open manager")
	}
	env, _ := event.New(event.TypeTaskProgress, map[string]int{"step": 1})
	if n := m.Broadcast(env, Filter{}); n != 1 {
		t.Fatalf("expected broadcast to reach 1 connection, got %d", n)
	}

	var first event.Envelope
	if err := json.Unmarshal(<-c.send, &first); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if first.Type != event.TypeWelcome {
		t.Fatalf("expected welcome first, got %s", first.Type)
	}
	var second event.Envelope
	if err := json.Unmarshal(<-c.send, &second); err != nil || second.Type != event.TypeTaskProgress {
		t.Fatalf("expected progress second, got %s (%v)", second.Type, err)
	}
}
