package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/observability/alerting"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// handlerFunc 返回错误而不是直接写响应，由 handle 统一转换。
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle 是每个路由最外层的错误转换。
func (s *Server) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			s.writeError(w, r, err)
		}
	}
}

// writeError 输出统一的错误响应体；内部错误只在服务端记录细节。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := xerrors.ToEnvelope(err)
	if env.Error == xerrors.KindInternal {
		logger.L().Error("请求处理失败",
			"method", r.Method,
			"path", r.URL.Path,
			"code", string(xerrors.CodeOf(err)),
			"error", err,
		)
	}
	if s.deps.Alerts != nil && xerrors.AlertRequired(err) {
		ev := alerting.FromError(err, r.Method+" "+r.URL.Path)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if notifyErr := s.deps.Alerts.Notify(ctx, ev); notifyErr != nil {
				logger.L().Warn("发送告警失败", "code", string(ev.Code), "error", notifyErr)
			}
		}()
	}
	writeJSON(w, env.StatusCode, env)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeBody 解析 bodyStage 缓存的请求体。
func decodeBody(r *http.Request, v any) error {
	buffered, ok := r.Context().Value(bodyKey{}).(bufferedBody)
	if !ok {
		return xerrors.New(xerrors.CodeInvalidJSON, "request body is required")
	}
	if buffered.err != nil {
		return buffered.err
	}
	if len(buffered.data) == 0 {
		return xerrors.New(xerrors.CodeInvalidJSON, "request body is required")
	}
	if err := json.Unmarshal(buffered.data, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidJSON, err, "request body is not valid JSON")
	}
	return nil
}
