package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// Authenticator 校验 WebSocket 握手请求。
type Authenticator interface {
	AuthenticateHandshake(r *http.Request) error
}

// MessageHandler 处理连接发来的业务消息，返回需要单独回复的事件。
type MessageHandler interface {
	HandleMessage(ctx context.Context, connID string, msg event.Inbound) (*event.Envelope, error)
}

// Metrics 接收连接管理器的运行指标。
type Metrics interface {
	SetConnections(n int)
	IncBroadcast()
	IncClosed(reason string)
}

// Filter 限定广播的目标连接。
type Filter struct {
	Exclude     []string
	IncludeOnly []string
}

func (f Filter) allows(id string) bool {
	for _, ex := range f.Exclude {
		if ex == id {
			return false
		}
	}
	if len(f.IncludeOnly) == 0 {
		return true
	}
	for _, in := range f.IncludeOnly {
		if in == id {
			return true
		}
	}
	return false
}

// Manager 负责持久连接的握手、注册、广播、心跳与关闭。
type Manager struct {
	auth       Authenticator
	handler    MessageHandler
	metrics    Metrics
	upgrader   websocket.Upgrader
	sendBuffer int
	interval   time.Duration
	now        func() time.Time
	log        *slog.Logger
	audit      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
	wg     sync.WaitGroup
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithHandler 指定业务消息处理器。
func WithHandler(h MessageHandler) Option {
	return func(m *Manager) {
		m.handler = h
	}
}

// WithMetrics 指定指标记录器。
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithSendBuffer 设置每个连接的发送队列长度。
func WithSendBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sendBuffer = n
		}
	}
}

// WithHeartbeatInterval 设置心跳间隔，超过两个间隔没有活动的连接会被关闭。
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCheckOrigin 设置握手时的来源校验。
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(m *Manager) {
		m.upgrader.CheckOrigin = fn
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.audit = l
	}
}

// New 创建连接管理器。
func New(auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		auth:       auth,
		sendBuffer: 256,
		interval:   30 * time.Second,
		now:        time.Now,
		log:        logger.Named("hub"),
		conns:      make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.audit == nil {
		m.audit = logger.Audit()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// ServeHTTP 完成握手并校验凭证，失败时以 4001 关闭且不注册连接。
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		writeHTTPError(w, xerrors.New(xerrors.CodeUnavailable, "server shutting down"))
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("WebSocket 握手失败", "remote", r.RemoteAddr, "error", err)
		return
	}

	if m.auth == nil {
		m.reject(ws, r, xerrors.New(xerrors.CodeUnauthorized, "authenticator not configured"))
		return
	}
	if err := m.auth.AuthenticateHandshake(r); err != nil {
		m.reject(ws, r, err)
		return
	}

	now := m.now()
	meta := Metadata{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Client:     r.URL.Query().Get("client"),
	}
	c := newConnection(uuid.NewString(), ws, meta, now, m.sendBuffer)

	if !m.register(c) {
		frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	m.audit.Info("ws_connected", "connection_id", c.id, "remote", meta.RemoteAddr, "client", meta.Client)

	go c.writePump(m.wg.Done)
	go m.readPump(c)
}

// register 先把 welcome 放入发送队列再加入连接表，保证广播不会排在 welcome 之前。
// 管理器已关闭时返回 false。
func (m *Manager) register(c *Connection) bool {
	if welcome, err := event.New(event.TypeWelcome, map[string]string{"connectionId": c.id}); err == nil {
		m.enqueue(c, welcome)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.conns[c.id] = c
	m.wg.Add(2)
	count := len(m.conns)
	m.mu.Unlock()
	m.setConnections(count)
	return true
}

func (m *Manager) reject(ws *websocket.Conn, r *http.Request, err error) {
	m.audit.Warn("ws_rejected", "remote", r.RemoteAddr, "error", err.Error())
	frame := websocket.FormatCloseMessage(xerrors.CloseUnauthorized, "unauthorized")
	_ = ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
	_ = ws.Close()
}

func (m *Manager) readPump(c *Connection) {
	defer func() {
		m.remove(c)
		if c.shutdown(websocket.CloseNormalClosure, "", reasonClient) {
			m.incClosed(reasonClient)
		}
		m.wg.Done()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.touch(m.now())
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		c.touch(m.now())
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.isClosing() {
				m.log.Debug("WebSocket 读取失败", "connection_id", c.id, "error", err)
			}
			return
		}
		c.touch(m.now())
		m.dispatch(c, data)
	}
}

// dispatch 处理一条入站消息，错误以 error 事件回复且不会关闭连接。
func (m *Manager) dispatch(c *Connection, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("处理连接消息时发生 panic", "connection_id", c.id, "panic", fmt.Sprint(rec))
			m.replyError(c, xerrors.New(xerrors.CodeInternal, "panic"))
		}
	}()

	var msg event.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		m.replyError(c, xerrors.Wrap(xerrors.CodeInvalidJSON, err, "message is not valid JSON"))
		return
	}
	if msg.Type == event.TypePing {
		if pong, err := event.New(event.TypePong, nil); err == nil {
			m.enqueue(c, pong)
		}
		return
	}
	if m.handler == nil {
		m.replyError(c, xerrors.New(xerrors.CodeUnavailable, "runtime not attached"))
		return
	}
	reply, err := m.handler.HandleMessage(m.ctx, c.id, msg)
	if err != nil {
		m.replyError(c, err)
		return
	}
	if reply != nil {
		m.enqueue(c, *reply)
	}
}

func (m *Manager) replyError(c *Connection, err error) {
	if xerrors.Internal(err) {
		m.log.Error("连接消息处理失败", "connection_id", c.id, "error", err)
	}
	env, encErr := event.New(event.TypeError, xerrors.ToEnvelope(err))
	if encErr != nil {
		return
	}
	m.enqueue(c, env)
}

func (m *Manager) enqueue(c *Connection, env event.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		m.log.Error("事件序列化失败", "type", env.Type, "error", err)
		return false
	}
	return m.deliver(c, data)
}

func (m *Manager) deliver(c *Connection, data []byte) bool {
	if c.enqueue(data) {
		return true
	}
	if c.reason == reasonSlow && m.remove(c) {
		m.log.Warn("连接发送队列已满，关闭连接", "connection_id", c.id)
		m.incClosed(reasonSlow)
	}
	return false
}

// Broadcast 序列化一次事件，并把相同的字节投递给所有符合过滤条件的连接，返回投递数量。
func (m *Manager) Broadcast(env event.Envelope, filter Filter) int {
	data, err := env.Encode()
	if err != nil {
		m.log.Error("事件序列化失败", "type", env.Type, "error", err)
		return 0
	}
	delivered := 0
	for _, c := range m.snapshot() {
		if !filter.allows(c.id) {
			continue
		}
		if m.deliver(c, data) {
			delivered++
		}
	}
	if m.metrics != nil {
		m.metrics.IncBroadcast()
	}
	return delivered
}

// Sink 返回向所有连接广播的事件接收器。
func (m *Manager) Sink() event.Sink {
	return func(env event.Envelope) {
		m.Broadcast(env, Filter{})
	}
}

// Send 向单个连接发送事件。
func (m *Manager) Send(connID string, env event.Envelope) error {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return xerrors.Errorf(xerrors.CodeNotFound, "connection %s not found", connID)
	}
	if !m.enqueue(c, env) {
		return xerrors.Errorf(xerrors.CodeNotFound, "connection %s is closing", connID)
	}
	return nil
}

// Heartbeat 向所有连接发送 ping，并关闭超过两个心跳间隔没有活动的连接，返回被关闭的数量。
func (m *Manager) Heartbeat(now time.Time) int {
	limit := 2 * m.interval
	reaped := 0
	for _, c := range m.snapshot() {
		if now.Sub(c.lastActivity()) > limit {
			if c.shutdown(websocket.CloseNormalClosure, "heartbeat timeout", reasonHeartbeat) {
				m.incClosed(reasonHeartbeat)
			}
			m.remove(c)
			reaped++
			m.log.Info("心跳超时，关闭连接", "connection_id", c.id)
			continue
		}
		_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	}
	return reaped
}

// RunHeartbeat 按固定间隔执行心跳，直到 ctx 取消。
func (m *Manager) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Heartbeat(m.now())
		}
	}
}

// Shutdown 拒绝新的握手，向所有连接发送 1001 并等待连接协程全部退出。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	m.cancel()

	for _, c := range conns {
		if c.shutdown(websocket.CloseGoingAway, "server shutting down", reasonShutdown) {
			m.incClosed(reasonShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.Close()
		}
		return fmt.Errorf("等待连接关闭超时: %w", ctx.Err())
	}
}

// Count 返回当前打开的连接数量。
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Connections 按建立时间返回连接快照。
func (m *Manager) Connections() []Info {
	conns := m.snapshot()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt == out[j].ConnectedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt < out[j].ConnectedAt
	})
	return out
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if !c.isClosing() {
			out = append(out, c)
		}
	}
	return out
}

// remove 仅在映射中仍是同一个连接时删除，返回是否删除。
func (m *Manager) remove(c *Connection) bool {
	m.mu.Lock()
	current, ok := m.conns[c.id]
	if !ok || current != c {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, c.id)
	count := len(m.conns)
	m.mu.Unlock()
	m.setConnections(count)
	m.audit.Info("ws_closed", "connection_id", c.id, "reason", c.reason)
	return true
}

func (m *Manager) setConnections(n int) {
	if m.metrics != nil {
		m.metrics.SetConnections(n)
	}
}

func (m *Manager) incClosed(reason string) {
	if m.metrics != nil {
		m.metrics.IncClosed(reason)
	}
}

func writeHTTPError(w http.ResponseWriter, err error) {
	env := xerrors.ToEnvelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}
