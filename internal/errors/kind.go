package errors

import (
	"fmt"
	"net/http"
)

// Kind 是对外可见的错误类别，决定边界上使用的状态码与关闭码。
type Kind string

const (
	KindAuthentication Kind = "Authentication"
	KindBadRequest     Kind = "BadRequest"
	KindNotFound       Kind = "NotFound"
	KindConflict       Kind = "Conflict"
	KindRateLimited    Kind = "RateLimited"
	KindInternal       Kind = "Internal"
	KindUnavailable    Kind = "Unavailable"
)

// WebSocket 关闭码。4001 位于应用自定义区间。
const (
	CloseUnauthorized  = 4001
	CloseInternalError = 1011
	CloseTryAgainLater = 1013
)

// Status 返回类别对应的 HTTP 状态码。
func (k Kind) Status() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode 返回需要终止持久连接时使用的关闭码，0 表示该类别不应关闭连接。
func (k Kind) CloseCode() int {
	switch k {
	case KindAuthentication:
		return CloseUnauthorized
	case KindInternal:
		return CloseInternalError
	case KindUnavailable:
		return CloseTryAgainLater
	default:
		return 0
	}
}

// Envelope 是 HTTP 与 WebSocket 共用的错误响应体。
type Envelope struct {
	Error      Kind   `json:"error"`
	Message    string `json:"message"`
	Code       Code   `json:"code"`
	StatusCode int    `json:"statusCode"`
}

// ToEnvelope 将任意错误转换为对外的错误响应体。
// 未登记的错误以及 Internal 类别的错误只返回通用描述，细节需由调用方记录日志。
func ToEnvelope(err error) Envelope {
	e, ok := From(err)
	if !ok || !Registered(e.Code()) {
		attr := AttributesOf(CodeInternal)
		return Envelope{
			Error:      KindInternal,
			Message:    attr.Message,
			Code:       CodeInternal,
			StatusCode: http.StatusInternalServerError,
		}
	}
	kind := e.Kind()
	message := e.Message()
	if kind == KindInternal {
		message = AttributesOf(CodeInternal).Message
	}
	return Envelope{
		Error:      kind,
		Message:    message,
		Code:       e.Code(),
		StatusCode: e.Status(),
	}
}

// Internal 判断错误在边界上是否会被视为内部错误。
func Internal(err error) bool {
	return ToEnvelope(err).Error == KindInternal
}

// Errorf 按格式化的描述构造错误。
func Errorf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}
