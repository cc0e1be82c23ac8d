package gateway

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/cache"
	"github.com/BaSui01/modelgate/internal/metrics"
)

// ============================================================
// 🚦 并发准入
// ============================================================

// ConcurrencySnapshot 一次准入检查时凭证状态的只读快照
type ConcurrencySnapshot struct {
	CredentialID uint
	Current      int64
	Limit        *int
	CachedCaller bool

	ReservationRatio float64
	Phase            ReservationPhase
	Confidence       float64
	LoadFactor       float64
}

// ConcurrencyChecker 共享并发计数上的准入控制。
// 本组件只做判定和上报；槽位的占用/释放由调用方围绕实际尝试
// 调用 Acquire/Release 完成。
type ConcurrencyChecker struct {
	cache       *cache.Manager
	reservation *ReservationManager
	metrics     *metrics.Collector
	logger      *zap.Logger

	// 准入通过率滑动均值
	mu        sync.Mutex
	allowRate float64
	observed  bool
}

// NewConcurrencyChecker 创建准入检查器
func NewConcurrencyChecker(c *cache.Manager, r *ReservationManager, m *metrics.Collector, logger *zap.Logger) *ConcurrencyChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConcurrencyChecker{
		cache:       c,
		reservation: r,
		metrics:     m,
		logger:      logger.With(zap.String("component", "concurrency")),
	}
}

func counterKey(credentialID uint) string {
	return fmt.Sprintf("modelgate:inflight:%d", credentialID)
}

// CheckAvailable 判定凭证是否还能接收请求。
// 亲和调用方可用满额槽位；非亲和调用方只能用 (1-R) 比例。
// 计数后端不可达时放行（可用性优先），只记日志。
func (c *ConcurrencyChecker) CheckAvailable(ctx context.Context, cred *Credential, cachedCaller bool) (bool, *ConcurrencySnapshot) {
	snap := &ConcurrencySnapshot{
		CredentialID: cred.ID,
		Limit:        cred.ConcurrencyLimit,
		CachedCaller: cachedCaller,
	}

	// 无上限凭证永远放行
	if cred.ConcurrencyLimit == nil {
		c.observe(cred.ID, true, snap)
		return true, snap
	}
	limit := *cred.ConcurrencyLimit
	if limit <= 0 {
		c.observe(cred.ID, false, snap)
		return false, snap
	}

	current, err := c.cache.GetInt(ctx, counterKey(cred.ID))
	if err != nil {
		c.logger.Warn("inflight counter read failed, admitting",
			zap.Uint("credential_id", cred.ID),
			zap.Error(err))
		c.observe(cred.ID, true, snap)
		return true, snap
	}
	snap.Current = current
	snap.LoadFactor = clamp(float64(current)/float64(limit), 0, 1)

	ratio, phase, confidence := c.reservation.Ratio(ctx, cred.ID, snap.LoadFactor)
	snap.ReservationRatio = ratio
	snap.Phase = phase
	snap.Confidence = confidence

	usable := 1.0
	if !cachedCaller {
		usable = 1.0 - ratio
		// 每次对非亲和调用方实际施加预留都算一次容量调整观察，
		// 供探测期向稳定期升级计数
		c.reservation.ReportAdjustment(ctx, cred.ID)
	}
	allowed := current < int64(math.Floor(float64(limit)*usable))

	c.observe(cred.ID, allowed, snap)
	return allowed, snap
}

// observe 把判定结果折进滑动均值并上报指标
func (c *ConcurrencyChecker) observe(credentialID uint, allowed bool, snap *ConcurrencySnapshot) {
	c.mu.Lock()
	v := 0.0
	if allowed {
		v = 1.0
	}
	if !c.observed {
		c.allowRate = v
		c.observed = true
	} else {
		c.allowRate = 0.9*c.allowRate + 0.1*v
	}
	rate := c.allowRate
	c.mu.Unlock()

	c.metrics.RecordAdmission(strconv.FormatUint(uint64(credentialID), 10), allowed, rate, snap.LoadFactor)
}

// Acquire 占用一个槽位
func (c *ConcurrencyChecker) Acquire(ctx context.Context, credentialID uint) error {
	if _, err := c.cache.Incr(ctx, counterKey(credentialID)); err != nil {
		return fmt.Errorf("acquire slot for credential %d: %w", credentialID, err)
	}
	return nil
}

// Release 释放一个槽位，计数不会降到负数
func (c *ConcurrencyChecker) Release(ctx context.Context, credentialID uint) {
	if _, err := c.cache.DecrFloor(ctx, counterKey(credentialID)); err != nil {
		c.logger.Warn("release slot failed",
			zap.Uint("credential_id", credentialID),
			zap.Error(err))
	}
}
