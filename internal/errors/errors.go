package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Kind      Kind
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	// Status 非零时覆盖 Kind 对应的 HTTP 状态码。
	Status int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeInternal: {
			Kind:     KindInternal,
			Message:  "internal server error",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeUnauthorized: {
			Kind:     KindAuthentication,
			Message:  "missing or invalid credential",
			Severity: SeverityWarning,
		},
		CodeInvalidArgument: {
			Kind:     KindBadRequest,
			Message:  "invalid argument",
			Severity: SeverityInfo,
		},
		CodeInvalidJSON: {
			Kind:     KindBadRequest,
			Message:  "malformed JSON payload",
			Severity: SeverityInfo,
		},
		CodeNotFound: {
			Kind:     KindNotFound,
			Message:  "resource not found",
			Severity: SeverityInfo,
		},
		CodeConflict: {
			Kind:     KindConflict,
			Message:  "resource conflict",
			Severity: SeverityWarning,
		},
		CodeRateLimited: {
			Kind:      KindRateLimited,
			Message:   "too many requests",
			Severity:  SeverityInfo,
			Retryable: true,
		},
		CodeUnavailable: {
			Kind:      KindUnavailable,
			Message:   "service unavailable",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeMisdirected: {
			Kind:     KindBadRequest,
			Message:  "misdirected request",
			Severity: SeverityWarning,
			Status:   421,
		},
		CodeMethodNotAllowed: {
			Kind:     KindBadRequest,
			Message:  "method not allowed",
			Severity: SeverityInfo,
			Status:   405,
		},
		CodeStorageFailure: {
			Kind:      KindInternal,
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeExecutorFailure: {
			Kind:      KindInternal,
			Message:   "executor failure",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeTimeout: {
			Kind:      KindUnavailable,
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
	}
)

const (
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeInvalidJSON      Code = "INVALID_JSON"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeMisdirected      Code = "MISDIRECTED_REQUEST"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeExecutorFailure  Code = "EXECUTOR_FAILURE"
	CodeTimeout          Code = "TIMEOUT"
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if attr.Kind == "" {
		attr.Kind = KindInternal
	}
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 INTERNAL_ERROR 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeInternal]
}

// Registered 判断错误码是否已注册。
func Registered(code Code) bool {
	registryMu.RLock()
	_, ok := registry[code]
	registryMu.RUnlock()
	return ok
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	attr := AttributesOf(e.code)
	return attr.Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	attr := AttributesOf(e.code)
	return attr.Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	attr := AttributesOf(e.code)
	return attr.Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeInternal
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// AlertRequired 判断是否需要触发告警。
func AlertRequired(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeInternal).Severity
}

// Kind 返回错误所属的类别。
func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return AttributesOf(e.code).Kind
}

// Status 返回对外暴露的 HTTP 状态码。
func (e *Error) Status() int {
	attr := AttributesOf(e.Code())
	if attr.Status != 0 {
		return attr.Status
	}
	return attr.Kind.Status()
}
