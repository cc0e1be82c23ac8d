package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	tenantIDKey    contextKey = "tenant_id"
	affinityKeyKey contextKey = "affinity_key"
	modelNameKey   contextKey = "model_name"
)

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTenantID 设置租户 ID
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID 获取租户 ID
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAffinityKey 设置会话亲和键（用于缓存感知调度）
func WithAffinityKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, affinityKeyKey, key)
}

// AffinityKey 获取会话亲和键
func AffinityKey(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(affinityKeyKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithModelName 设置请求的模型名
func WithModelName(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, modelNameKey, model)
}

// ModelName 获取请求的模型名
func ModelName(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(modelNameKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
