package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/agent"
	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/hub"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/pool"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/relay"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// Transport 是编排器使用的 HTTP 服务能力。
type Transport interface {
	Listen() error
	Addr() string
	Errors() <-chan error
	AttachWebSocket(h http.Handler) error
	Shutdown(ctx context.Context) error
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Components 汇总编排器协调的组件。
type Components struct {
	HTTP    Transport
	Hub     *hub.Manager
	Pool    *pool.Pool
	Runtime *agent.Runtime
	// Relay 可选，非空时事件同时转发到外部消息系统。
	Relay *relay.Relay
}

// Orchestrator 按固定顺序启动与停止各组件，一个实例只能启动一次。
type Orchestrator struct {
	c               Components
	shutdownTimeout time.Duration
	log             *slog.Logger

	mu             sync.Mutex
	state          state
	stopHeartbeat  context.CancelFunc
	heartbeatDone  chan struct{}
	removeObserver func()
}

// Option 定义编排器的可选配置。
type Option func(*Orchestrator)

// WithShutdownTimeout 设置 Run 在退出时等待组件关闭的时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// New 创建编排器。
func New(c Components, opts ...Option) (*Orchestrator, error) {
	if c.HTTP == nil || c.Hub == nil || c.Pool == nil || c.Runtime == nil {
		return nil, errors.New("编排器缺少 HTTP 服务、连接管理器、执行池或运行时")
	}
	o := &Orchestrator{
		c:               c,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("server"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Start 依次：开始监听、挂载持久连接、启动心跳、注册广播观察者、连接执行池事件出口。
// 挂载失败时停止监听并返回错误，不保留任何已连接的部分。
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateIdle {
		return xerrors.New(xerrors.CodeConflict, "server already started")
	}

	if err := o.c.HTTP.Listen(); err != nil {
		return err
	}
	if err := o.c.HTTP.AttachWebSocket(o.c.Hub); err != nil {
		if stopErr := o.c.HTTP.Shutdown(ctx); stopErr != nil {
			o.log.Error("挂载失败后停止监听出错", "error", stopErr)
		}
		return fmt.Errorf("挂载持久连接失败: %w", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.c.Hub.RunHeartbeat(hbCtx)
	}()
	o.stopHeartbeat = cancel
	o.heartbeatDone = done

	sink := o.sink()
	o.removeObserver = o.c.Runtime.AddObserver(sink)
	o.c.Pool.SetSink(sink)
	o.c.Runtime.Bind(o.c.Pool, o.c.Hub)

	o.state = stateRunning
	o.log.Info("服务已启动", "addr", o.c.HTTP.Addr(), "pool_max", o.c.Pool.Max())
	return nil
}

func (o *Orchestrator) sink() event.Sink {
	broadcast := o.c.Hub.Sink()
	if o.c.Relay == nil {
		return broadcast
	}
	forward := o.c.Relay.Sink()
	return func(env event.Envelope) {
		broadcast(env)
		forward(env)
	}
}

// Stop 依次：停止心跳、释放全部执行上下文、注销观察者、关闭持久连接、停止监听。
// 每一步都会执行，失败只记录并汇总返回。
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateRunning {
		return nil
	}
	o.state = stateStopped

	var errs []error
	step := func(name string, err error) {
		if err != nil {
			o.log.Error("关闭步骤失败", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	o.stopHeartbeat()
	select {
	case <-o.heartbeatDone:
	case <-ctx.Done():
		step("heartbeat", ctx.Err())
	}

	step("pool", o.c.Pool.Close(ctx))

	o.removeObserver()
	o.c.Pool.SetSink(nil)

	step("hub", o.c.Hub.Shutdown(ctx))
	step("http", o.c.HTTP.Shutdown(ctx))
	if o.c.Relay != nil {
		step("relay", o.c.Relay.Close(ctx))
	}

	o.log.Info("服务已停止")
	return errors.Join(errs...)
}

// Run 启动服务并阻塞，直到 ctx 取消或 HTTP 服务出现致命错误，随后执行关闭流程。
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	return o.Wait(ctx)
}

// Wait 阻塞到 ctx 取消或 HTTP 服务退出，然后在超时限制内执行 Stop。
func (o *Orchestrator) Wait(ctx context.Context) error {
	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-o.c.HTTP.Errors():
		if ok && err != nil {
			runErr = fmt.Errorf("HTTP 服务异常退出: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, o.Stop(shutdownCtx))
}

// Addr 返回实际监听地址。
func (o *Orchestrator) Addr() string {
	return o.c.HTTP.Addr()
}
