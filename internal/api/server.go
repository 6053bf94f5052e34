package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/agent"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/auth"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/config"
	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/observability/alerting"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/pool"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// WebSocketPath 是持久连接的挂载路径。
const WebSocketPath = "/ws"

// TaskPool 是 HTTP 层使用的执行池能力。
type TaskPool interface {
	Acquire(taskID string) (agent.Handle, bool, error)
	Get(taskID string) (agent.Handle, bool)
	Info(taskID string) (pool.SlotInfo, bool)
	List() []pool.SlotInfo
	Release(ctx context.Context, taskID string) error
}

// Runtime 是 HTTP 层使用的共享运行时能力。
type Runtime interface {
	Version() string
	Status() agent.Status
	ListHistory(ctx context.Context, limit int) ([]storage.Record, error)
	TaskHistory(ctx context.Context, taskID string, limit int) ([]storage.Record, error)
}

// Config 描述 HTTP 服务的监听与防护参数。
type Config struct {
	Address      string
	TLS          config.TLSConfig
	Domain       string
	MaxBodyBytes int64
	RateLimit    config.RateLimitConfig
	CORSOrigins  []string
}

// Dependencies 汇总 HTTP 服务依赖的组件。
type Dependencies struct {
	Pool    TaskPool
	Runtime Runtime
	Guard   *auth.Guard
	Alerts  alerting.Dispatcher
	Metrics http.Handler
}

// Server 负责暴露 REST 接口与持久连接入口。
type Server struct {
	cfg     Config
	deps    Dependencies
	handler http.Handler
	limiter *limiterStore
	ws      atomic.Pointer[http.Handler]

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	errCh    chan error
	stopJan  context.CancelFunc
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Pool == nil || deps.Runtime == nil || deps.Guard == nil {
		return nil, errors.New("API 服务缺少执行池、运行时或认证组件")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{cfg: cfg, deps: deps}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = newLimiterStore(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL.Std())
	}
	s.handler = s.buildHandler()
	return s, nil
}

// Handler 返回完整的处理链，主要用于测试。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// buildHandler 组装处理链，外层先执行：
// 恢复与指标 → 域名校验 → CORS → 请求体读取 → 限流 → 认证 → 路由。
func (s *Server) buildHandler() http.Handler {
	router := chi.NewRouter()
	router.NotFound(s.handle(func(http.ResponseWriter, *http.Request) error {
		return xerrors.New(xerrors.CodeNotFound, "route not found")
	}))
	router.MethodNotAllowed(s.handle(func(w http.ResponseWriter, r *http.Request) error {
		return xerrors.Errorf(xerrors.CodeMethodNotAllowed, "method %s not allowed", r.Method)
	}))

	router.Get("/health", s.handle(s.handleHealth))
	router.Get("/version", s.handle(s.handleVersion))
	router.Get("/openapi.json", s.handleOpenAPI)
	router.Get("/openapi.json.gz", s.handleOpenAPIGzip)
	if s.deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	router.Get(WebSocketPath, s.handle(s.handleWebSocket))

	router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handle(s.handleStatus))
		r.Get("/history", s.handle(s.handleHistory))
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handle(s.handleCreateTask))
			r.Get("/", s.handle(s.handleListTasks))
			r.Get("/{id}", s.handle(s.handleGetTask))
			r.Delete("/{id}", s.handle(s.handleReleaseTask))
			r.Post("/{id}/messages", s.handle(s.handleTaskMessage))
			r.Post("/{id}/abort", s.handle(s.handleAbortTask))
		})
	})

	var h http.Handler = router
	h = s.authStage(h)
	h = s.rateLimitStage(h)
	h = s.bodyStage(h)
	h = s.corsStage().Handler(h)
	h = s.domainStage(h)
	h = s.instrument(h)
	return s.recoverStage(h)
}

func (s *Server) corsStage() *cors.Cors {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	})
}

// AttachWebSocket 挂载持久连接处理器，必须在服务开始监听之后调用。
func (s *Server) AttachWebSocket(h http.Handler) error {
	if h == nil {
		return errors.New("WebSocket 处理器不能为空")
	}
	s.mu.Lock()
	listening := s.listener != nil
	s.mu.Unlock()
	if !listening {
		return xerrors.New(xerrors.CodeUnavailable, "HTTP 服务尚未监听")
	}
	if !s.ws.CompareAndSwap(nil, &h) {
		return xerrors.New(xerrors.CodeConflict, "WebSocket 处理器已挂载")
	}
	return nil
}

// DetachWebSocket 卸载持久连接处理器，之后的握手返回 503。
func (s *Server) DetachWebSocket() {
	s.ws.Store(nil)
}

// Listen 绑定监听地址并在后台处理请求，致命错误通过 Errors 返回。
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return xerrors.New(xerrors.CodeConflict, "HTTP 服务已在监听")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.cfg.Address, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.cfg.TLS.Enabled() {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if s.cfg.TLS.Enabled() {
			serveErr = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	if s.limiter != nil {
		janCtx, cancel := context.WithCancel(context.Background())
		s.stopJan = cancel
		s.limiter.StartJanitor(janCtx)
	}

	s.server = srv
	s.listener = ln
	s.errCh = errCh
	logger.L().Info("HTTP 服务已启动", "addr", ln.Addr().String(), "tls", s.cfg.TLS.Enabled())
	return nil
}

// Addr 返回实际监听的地址，未监听时为空。
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Errors 返回服务运行期间的致命错误通道，服务停止后关闭。
func (s *Server) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCh
}

// Shutdown 停止接受新请求并等待处理中的请求完成。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	stop := s.stopJan
	s.server, s.listener, s.stopJan = nil, nil, nil
	s.mu.Unlock()

	s.DetachWebSocket()
	if stop != nil {
		stop()
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("关闭 HTTP 服务失败: %w", err)
	}
	return nil
}
