package auth

import (
	"net/http"
	"time"
)

// FailureFunc 负责将认证失败写回客户端。
type FailureFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware 返回一个 HTTP 中间件，公开路由直接放行，其余请求必须携带正确凭证。
func (g *Guard) Middleware(fail FailureFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.IsPublic(r) {
				next.ServeHTTP(w, r)
				return
			}
			// 认证请求。
			source, err := g.AuthenticateRequest(r)
			if err != nil {
				g.auditLogger().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"remote", r.RemoteAddr,
					"source", string(source),
					"error", err.Error(),
				)
				fail(w, r, err)
				return
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSource(r.Context(), source)))
			g.auditLogger().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"source", string(source),
			)
		})
	}
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap 让 http.ResponseController 能够访问底层连接。
func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
