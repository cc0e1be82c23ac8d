package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================
// ⏱️ 凭证 RPM 限流
// ============================================================

// RateLimiterRegistry 每凭证的 RPM 限流器。
// 限流器是进程内近似（多副本下各自持有一份），构建器在凭证
// 可用性检查时消费令牌。
type RateLimiterRegistry struct {
	mu       sync.Mutex
	limiters map[uint]*rate.Limiter
	limits   map[uint]int
}

// NewRateLimiterRegistry 创建限流注册表
func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters: make(map[uint]*rate.Limiter),
		limits:   make(map[uint]int),
	}
}

// Allow 消费凭证的一个请求令牌。RPM 为 0 表示不限流，永远放行。
// 凭证的 RPM 配置变化时限流器就地重建。
func (r *RateLimiterRegistry) Allow(cred *Credential) bool {
	if cred.RPMLimit <= 0 {
		return true
	}

	r.mu.Lock()
	lim, ok := r.limiters[cred.ID]
	if !ok || r.limits[cred.ID] != cred.RPMLimit {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cred.RPMLimit)), cred.RPMLimit)
		r.limiters[cred.ID] = lim
		r.limits[cred.ID] = cred.RPMLimit
	}
	r.mu.Unlock()

	return lim.Allow()
}
