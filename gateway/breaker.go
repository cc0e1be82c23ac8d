package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/cache"
)

// ============================================================
// 🔌 凭证熔断健康
// ============================================================

// BreakerConfig 熔断参数
type BreakerConfig struct {
	// 触发熔断的连续失败次数
	FailureThreshold int
	// 熔断打开后的冷却时长
	OpenDuration time.Duration
}

// DefaultBreakerConfig 返回默认熔断参数
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
	}
}

// breakerState 每个 (凭证, 协议) 桶的健康状态，Redis 共享
type breakerState struct {
	ConsecutiveFailures int   `json:"consecutive_failures"`
	OpenUntil           int64 `json:"open_until"` // unix 秒，0 表示闭合
}

// BreakerHealth 按 (凭证, 协议) 分桶的熔断健康记录。
// 同一凭证在 chat 协议上熔断不影响它在 cli 协议上的可用性。
type BreakerHealth struct {
	cache  *cache.Manager
	cfg    BreakerConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewBreakerHealth 创建熔断健康记录器
func NewBreakerHealth(c *cache.Manager, cfg BreakerConfig, logger *zap.Logger) *BreakerHealth {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &BreakerHealth{
		cache:  c,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "breaker")),
		now:    time.Now,
	}
}

func (b *BreakerHealth) key(credentialID uint, protocol Protocol) string {
	return fmt.Sprintf("modelgate:breaker:%d:%s", credentialID, protocol)
}

func (b *BreakerHealth) load(ctx context.Context, credentialID uint, protocol Protocol) *breakerState {
	var st breakerState
	err := b.cache.GetJSON(ctx, b.key(credentialID, protocol), &st)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			b.logger.Warn("breaker state read failed, assuming healthy",
				zap.Uint("credential_id", credentialID),
				zap.Error(err))
		}
		return &breakerState{}
	}
	return &st
}

func (b *BreakerHealth) store(ctx context.Context, credentialID uint, protocol Protocol, st *breakerState) {
	if err := b.cache.SetJSON(ctx, b.key(credentialID, protocol), st, 24*time.Hour); err != nil {
		b.logger.Warn("breaker state write failed",
			zap.Uint("credential_id", credentialID),
			zap.Error(err))
	}
}

// IsHealthy 判断凭证在指定协议桶上是否可用。
// 冷却期过后自动视为半开放行。
func (b *BreakerHealth) IsHealthy(ctx context.Context, credentialID uint, protocol Protocol) bool {
	st := b.load(ctx, credentialID, protocol)
	if st.OpenUntil == 0 {
		return true
	}
	return b.now().Unix() >= st.OpenUntil
}

// ReportSuccess 记录成功，闭合熔断
func (b *BreakerHealth) ReportSuccess(ctx context.Context, credentialID uint, protocol Protocol) {
	st := b.load(ctx, credentialID, protocol)
	if st.ConsecutiveFailures == 0 && st.OpenUntil == 0 {
		return
	}
	b.store(ctx, credentialID, protocol, &breakerState{})
}

// ReportFailure 记录失败，达到阈值时打开熔断
func (b *BreakerHealth) ReportFailure(ctx context.Context, credentialID uint, protocol Protocol) {
	st := b.load(ctx, credentialID, protocol)
	st.ConsecutiveFailures++
	if st.ConsecutiveFailures >= b.cfg.FailureThreshold {
		st.OpenUntil = b.now().Add(b.cfg.OpenDuration).Unix()
		st.ConsecutiveFailures = 0
		b.logger.Warn("breaker opened",
			zap.Uint("credential_id", credentialID),
			zap.String("protocol", string(protocol)),
			zap.Duration("open_duration", b.cfg.OpenDuration))
	}
	b.store(ctx, credentialID, protocol, st)
}
