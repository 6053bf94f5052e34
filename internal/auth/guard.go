package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// QueryParam 是携带凭证的查询参数名。
const QueryParam = "token"

// DefaultPublicPaths 是无需凭证即可访问的诊断路由。
var DefaultPublicPaths = []string{"/health", "/version", "/openapi.json", "/openapi.json.gz"}

var (
	// ErrMissingCredential 表示请求未携带凭证。
	ErrMissingCredential = xerrors.New(xerrors.CodeUnauthorized, "missing credential")
	// ErrInvalidCredential 表示凭证不匹配。
	ErrInvalidCredential = xerrors.New(xerrors.CodeUnauthorized, "invalid credential")
)

// Source 表示凭证的来源。
type Source string

const (
	SourceNone   Source = ""
	SourceHeader Source = "header"
	SourceQuery  Source = "query"
)

// Guard 校验唯一的共享凭证，HTTP 与 WebSocket 共用同一个实例。
type Guard struct {
	credential []byte
	public     map[string]struct{}
	audit      *slog.Logger
}

// Option 定义 Guard 的可选配置。
type Option func(*Guard)

// WithPublicPaths 覆盖默认的公开路由列表。
func WithPublicPaths(paths ...string) Option {
	return func(g *Guard) {
		g.public = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			g.public[p] = struct{}{}
		}
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.audit = l
	}
}

// NewGuard 根据共享凭证构造 Guard，凭证在进程生命周期内不可变。
func NewGuard(credential string, opts ...Option) (*Guard, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errors.New("访问凭证不能为空")
	}
	g := &Guard{credential: []byte(credential)}
	WithPublicPaths(DefaultPublicPaths...)(g)
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// IsPublic 判断请求是否可以跳过凭证校验：公开诊断路由与跨域预检请求。
func (g *Guard) IsPublic(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	_, ok := g.public[r.URL.Path]
	return ok
}

// AuthenticateRequest 校验 HTTP 请求。优先读取 Bearer 头，缺失时读取查询参数。
func (g *Guard) AuthenticateRequest(r *http.Request) (Source, error) {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return SourceHeader, g.verify(token)
	}
	if token := r.URL.Query().Get(QueryParam); token != "" {
		return SourceQuery, g.verify(token)
	}
	return SourceNone, ErrMissingCredential
}

// AuthenticateHandshake 校验 WebSocket 握手，仅接受查询参数中的凭证。
func (g *Guard) AuthenticateHandshake(r *http.Request) error {
	token := r.URL.Query().Get(QueryParam)
	if token == "" {
		return ErrMissingCredential
	}
	return g.verify(token)
}

func (g *Guard) verify(token string) error {
	if subtle.ConstantTimeCompare([]byte(token), g.credential) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

func (g *Guard) auditLogger() *slog.Logger {
	if g.audit != nil {
		return g.audit
	}
	return logger.Audit()
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
