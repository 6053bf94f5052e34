package auth

import "context"

// sourceKey 是上下文中存储凭证来源的键类型。
type sourceKey struct{}

// WithSource 将通过认证的凭证来源存储到上下文中。
func WithSource(ctx context.Context, source Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext 从上下文中提取凭证来源，未认证的请求返回 SourceNone。
func SourceFromContext(ctx context.Context) Source {
	if ctx == nil {
		return SourceNone
	}
	if source, ok := ctx.Value(sourceKey{}).(Source); ok {
		return source
	}
	return SourceNone
}
