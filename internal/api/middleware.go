package api

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/observability/metrics"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

type bodyKey struct{}

type bufferedBody struct {
	data []byte
	err  error
}

// recoverStage 将处理过程中的 panic 转换为内部错误响应。
func (s *Server) recoverStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.L().Error("请求处理发生 panic",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				s.writeError(w, r, xerrors.New(xerrors.CodeInternal, fmt.Sprint(rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument 记录每个请求的指标，路由模板取自 chi 的路由上下文。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rctx := chi.NewRouteContext()
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := rctx.RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// domainStage 拒绝 Host 头与配置域名不完全一致的请求，端口也参与比较。
func (s *Server) domainStage(next http.Handler) http.Handler {
	domain := strings.ToLower(strings.TrimSpace(s.cfg.Domain))
	if domain == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.ToLower(r.Host) != domain {
			s.writeError(w, r, xerrors.Errorf(xerrors.CodeMisdirected, "host %q is not served here", r.Host))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodyStage 有上限地读取请求体，解析错误由需要请求体的处理器在认证之后报告。
func (s *Server) bodyStage(next http.Handler) http.Handler {
	limit := s.cfg.MaxBodyBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			next.ServeHTTP(w, r)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		_ = r.Body.Close()
		buffered := bufferedBody{data: data}
		switch {
		case err != nil:
			buffered = bufferedBody{err: xerrors.Wrap(xerrors.CodeInvalidArgument, err, "failed to read request body")}
		case int64(len(data)) > limit:
			buffered = bufferedBody{err: xerrors.Errorf(xerrors.CodeInvalidArgument, "request body exceeds %d bytes", limit)}
		}
		r.Body = io.NopCloser(bytes.NewReader(buffered.data))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyKey{}, buffered)))
	})
}

// rateLimitStage 按客户端地址限流。
func (s *Server) rateLimitStage(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, xerrors.New(xerrors.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authStage 校验共享凭证，持久连接由连接管理器在握手后自行校验。
func (s *Server) authStage(next http.Handler) http.Handler {
	guarded := s.deps.Guard.Middleware(s.writeError)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == WebSocketPath {
			next.ServeHTTP(w, r)
			return
		}
		guarded.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// statusRecorder 捕获响应状态码，并保留升级连接所需的 Hijack 能力。
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
