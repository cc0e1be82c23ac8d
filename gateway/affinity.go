package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/cache"
	"github.com/BaSui01/modelgate/internal/metrics"
)

// ============================================================
// 💾 缓存亲和管理器
// ============================================================

// AffinityBinding 一条亲和绑定：某调用方在 (协议, 模型) 上最近
// 一次成功使用的三元组
type AffinityBinding struct {
	ProviderID   uint  `json:"provider_id"`
	EndpointID   uint  `json:"endpoint_id"`
	CredentialID uint  `json:"credential_id"`
	Hits         int64 `json:"hits"`
}

// AffinityConfig 亲和管理器配置
type AffinityConfig struct {
	// 滑动 TTL：每次命中都把窗口向前推
	TTL time.Duration
	// Redis 键前缀
	KeyPrefix string
}

// CacheAffinityManager 滑动 TTL 的会话亲和绑定。
// 后端不可达时一律降级为"无亲和"，从不让请求失败。
type CacheAffinityManager struct {
	cache   *cache.Manager
	cfg     AffinityConfig
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewCacheAffinityManager 创建亲和管理器
func NewCacheAffinityManager(c *cache.Manager, cfg AffinityConfig, m *metrics.Collector, logger *zap.Logger) *CacheAffinityManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "modelgate:affinity"
	}
	return &CacheAffinityManager{
		cache:   c,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "affinity")),
	}
}

func (m *CacheAffinityManager) key(affinityKey string, protocol Protocol, modelID uint) string {
	return fmt.Sprintf("%s:%s:%s:%d", m.cfg.KeyPrefix, affinityKey, protocol, modelID)
}

// Get 返回绑定并顺带滑动 TTL。未命中或后端出错返回 nil。
func (m *CacheAffinityManager) Get(ctx context.Context, affinityKey string, protocol Protocol, modelID uint) *AffinityBinding {
	if affinityKey == "" {
		return nil
	}
	key := m.key(affinityKey, protocol, modelID)

	var binding AffinityBinding
	if err := m.cache.GetJSON(ctx, key, &binding); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			m.metrics.RecordAffinityLookup("miss")
		} else {
			m.metrics.RecordAffinityLookup("error")
			m.logger.Warn("affinity lookup degraded to no-affinity",
				zap.String("key", key),
				zap.Error(err))
		}
		return nil
	}

	// 活跃会话不应在对话中途过期
	if err := m.cache.Expire(ctx, key, m.cfg.TTL); err != nil {
		m.logger.Warn("affinity ttl refresh failed", zap.String("key", key), zap.Error(err))
	}

	m.metrics.RecordAffinityLookup("hit")
	return &binding
}

// Set 写入/刷新绑定，命中计数加一
func (m *CacheAffinityManager) Set(ctx context.Context, affinityKey string, protocol Protocol, modelID uint, cand *ProviderCandidate) {
	if affinityKey == "" || cand == nil {
		return
	}
	key := m.key(affinityKey, protocol, modelID)

	binding := AffinityBinding{
		ProviderID:   cand.Provider.ID,
		EndpointID:   cand.Endpoint.ID,
		CredentialID: cand.Credential.ID,
		Hits:         1,
	}
	var prev AffinityBinding
	if err := m.cache.GetJSON(ctx, key, &prev); err == nil &&
		prev.ProviderID == binding.ProviderID &&
		prev.EndpointID == binding.EndpointID &&
		prev.CredentialID == binding.CredentialID {
		binding.Hits = prev.Hits + 1
	}

	if err := m.cache.SetJSON(ctx, key, &binding, m.cfg.TTL); err != nil {
		m.logger.Warn("affinity set failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateScope 限定失效范围。零值字段不参与匹配。
type InvalidateScope struct {
	ProviderID   uint
	EndpointID   uint
	CredentialID uint
}

// matches 判断绑定是否落在失效范围内
func (s InvalidateScope) matches(b *AffinityBinding) bool {
	if s.ProviderID != 0 && b.ProviderID != s.ProviderID {
		return false
	}
	if s.EndpointID != 0 && b.EndpointID != s.EndpointID {
		return false
	}
	if s.CredentialID != 0 && b.CredentialID != s.CredentialID {
		return false
	}
	return true
}

// Invalidate 删除绑定。scope 非零时仅当当前绑定落在范围内才删除
// （候选已知变坏时调用，避免误删其他候选刚写入的新绑定）。
func (m *CacheAffinityManager) Invalidate(ctx context.Context, affinityKey string, protocol Protocol, modelID uint, scope InvalidateScope) {
	if affinityKey == "" {
		return
	}
	key := m.key(affinityKey, protocol, modelID)

	if scope != (InvalidateScope{}) {
		var binding AffinityBinding
		if err := m.cache.GetJSON(ctx, key, &binding); err != nil {
			return
		}
		if !scope.matches(&binding) {
			return
		}
	}

	if err := m.cache.Delete(ctx, key); err != nil {
		m.logger.Warn("affinity invalidate failed", zap.String("key", key), zap.Error(err))
	}
}
