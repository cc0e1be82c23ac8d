package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAffinity(t *testing.T, ttl time.Duration) (*CacheAffinityManager, *miniredis.Miniredis) {
	t.Helper()
	mr, c := setupTestRedis(t)
	m := NewCacheAffinityManager(c, AffinityConfig{TTL: ttl}, newTestMetrics(), nil)
	return m, mr
}

func TestAffinity_SetGetRoundtrip(t *testing.T) {
	m, _ := newTestAffinity(t, time.Hour)
	ctx := context.Background()
	cand := mkCandidate(1, 2, 3, 0, 0)

	m.Set(ctx, "sess-1", "openai:chat", 10, cand)

	binding := m.Get(ctx, "sess-1", "openai:chat", 10)
	require.NotNil(t, binding)
	assert.Equal(t, uint(1), binding.ProviderID)
	assert.Equal(t, uint(2), binding.EndpointID)
	assert.Equal(t, uint(3), binding.CredentialID)
	assert.Equal(t, int64(1), binding.Hits)
}

func TestAffinity_HitsAccumulateOnSameTriple(t *testing.T) {
	m, _ := newTestAffinity(t, time.Hour)
	ctx := context.Background()
	cand := mkCandidate(1, 2, 3, 0, 0)

	m.Set(ctx, "sess-1", "openai:chat", 10, cand)
	m.Set(ctx, "sess-1", "openai:chat", 10, cand)
	m.Set(ctx, "sess-1", "openai:chat", 10, cand)

	binding := m.Get(ctx, "sess-1", "openai:chat", 10)
	require.NotNil(t, binding)
	assert.Equal(t, int64(3), binding.Hits)

	// 换了三元组则计数重置
	m.Set(ctx, "sess-1", "openai:chat", 10, mkCandidate(4, 5, 6, 0, 0))
	binding = m.Get(ctx, "sess-1", "openai:chat", 10)
	require.NotNil(t, binding)
	assert.Equal(t, uint(6), binding.CredentialID)
	assert.Equal(t, int64(1), binding.Hits)
}

func TestAffinity_SlidingTTL(t *testing.T) {
	m, mr := newTestAffinity(t, time.Minute)
	ctx := context.Background()
	m.Set(ctx, "sess-1", "openai:chat", 10, mkCandidate(1, 2, 3, 0, 0))

	// 40 秒后读取把窗口重新推满一分钟
	mr.FastForward(40 * time.Second)
	require.NotNil(t, m.Get(ctx, "sess-1", "openai:chat", 10))

	// 未刷新的话此时已超原始 TTL
	mr.FastForward(40 * time.Second)
	assert.NotNil(t, m.Get(ctx, "sess-1", "openai:chat", 10))

	// 无访问则过期
	mr.FastForward(2 * time.Minute)
	assert.Nil(t, m.Get(ctx, "sess-1", "openai:chat", 10))
}

func TestAffinity_KeyScoping(t *testing.T) {
	m, _ := newTestAffinity(t, time.Hour)
	ctx := context.Background()
	m.Set(ctx, "sess-1", "openai:chat", 10, mkCandidate(1, 2, 3, 0, 0))

	// 协议、模型、会话任一不同都不命中
	assert.Nil(t, m.Get(ctx, "sess-1", "anthropic:chat", 10))
	assert.Nil(t, m.Get(ctx, "sess-1", "openai:chat", 11))
	assert.Nil(t, m.Get(ctx, "sess-2", "openai:chat", 10))
	assert.Nil(t, m.Get(ctx, "", "openai:chat", 10))
}

func TestAffinity_DegradesToNilOnBackendError(t *testing.T) {
	mr, c := setupTestRedis(t)
	m := NewCacheAffinityManager(c, AffinityConfig{TTL: time.Hour}, newTestMetrics(), nil)
	ctx := context.Background()
	m.Set(ctx, "sess-1", "openai:chat", 10, mkCandidate(1, 2, 3, 0, 0))

	mr.Close()
	assert.Nil(t, m.Get(ctx, "sess-1", "openai:chat", 10))
}

func TestAffinity_ScopedInvalidate(t *testing.T) {
	m, _ := newTestAffinity(t, time.Hour)
	ctx := context.Background()
	m.Set(ctx, "sess-1", "openai:chat", 10, mkCandidate(1, 2, 3, 0, 0))

	// 范围不匹配当前绑定：不删
	m.Invalidate(ctx, "sess-1", "openai:chat", 10, InvalidateScope{CredentialID: 99})
	assert.NotNil(t, m.Get(ctx, "sess-1", "openai:chat", 10))

	// 范围匹配：删除
	m.Invalidate(ctx, "sess-1", "openai:chat", 10, InvalidateScope{CredentialID: 3})
	assert.Nil(t, m.Get(ctx, "sess-1", "openai:chat", 10))

	// 零值范围：无条件删除
	m.Set(ctx, "sess-1", "openai:chat", 10, mkCandidate(1, 2, 3, 0, 0))
	m.Invalidate(ctx, "sess-1", "openai:chat", 10, InvalidateScope{})
	assert.Nil(t, m.Get(ctx, "sess-1", "openai:chat", 10))
}
