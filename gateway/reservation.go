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
// 📈 自适应预留
// ============================================================

// ReservationPhase 预留所处阶段
type ReservationPhase string

const (
	// PhaseProbe 探测期：低预留快速摸清真实容量
	PhaseProbe ReservationPhase = "probe"
	// PhaseStable 稳定期：按置信度与负载连续计算预留
	PhaseStable ReservationPhase = "stable"
)

// ReservationConfig 预留计算参数
type ReservationConfig struct {
	// 探测期预留比例
	ProbeRatio float64
	// 稳定期预留区间
	MinRatio float64
	MaxRatio float64
	// 升入稳定期所需的连续成功次数
	StablePromoteSuccesses int
	// 升入稳定期所需的调整历史长度
	StablePromoteAdjustments int
}

// DefaultReservationConfig 返回默认预留参数
func DefaultReservationConfig() ReservationConfig {
	return ReservationConfig{
		ProbeRatio:               0.10,
		MinRatio:                 0.10,
		MaxRatio:                 0.35,
		StablePromoteSuccesses:   20,
		StablePromoteAdjustments: 5,
	}
}

// reservationState 每个凭证的预留状态，存放在 Redis 供多副本共享
type reservationState struct {
	Phase                ReservationPhase `json:"phase"`
	ConsecutiveSuccesses int              `json:"consecutive_successes"`
	Adjustments          int              `json:"adjustments"`
	Confidence           float64          `json:"confidence"`
	UpdatedAt            int64            `json:"updated_at"`
}

// ReservationManager 计算每个凭证对非亲和调用方的预留比例
type ReservationManager struct {
	cache  *cache.Manager
	cfg    ReservationConfig
	logger *zap.Logger
}

// NewReservationManager 创建预留管理器
func NewReservationManager(c *cache.Manager, cfg ReservationConfig, logger *zap.Logger) *ReservationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProbeRatio <= 0 {
		cfg = DefaultReservationConfig()
	}
	return &ReservationManager{
		cache:  c,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "reservation")),
	}
}

func (m *ReservationManager) stateKey(credentialID uint) string {
	return fmt.Sprintf("modelgate:reserve:%d", credentialID)
}

// load 读取状态，未见过的凭证从探测期开始
func (m *ReservationManager) load(ctx context.Context, credentialID uint) *reservationState {
	var st reservationState
	err := m.cache.GetJSON(ctx, m.stateKey(credentialID), &st)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.logger.Warn("reservation state read failed, assuming probe",
				zap.Uint("credential_id", credentialID),
				zap.Error(err))
		}
		return &reservationState{Phase: PhaseProbe}
	}
	if st.Phase == "" {
		st.Phase = PhaseProbe
	}
	return &st
}

func (m *ReservationManager) store(ctx context.Context, credentialID uint, st *reservationState) {
	st.UpdatedAt = time.Now().Unix()
	if err := m.cache.SetJSON(ctx, m.stateKey(credentialID), st, 24*time.Hour); err != nil {
		m.logger.Warn("reservation state write failed",
			zap.Uint("credential_id", credentialID),
			zap.Error(err))
	}
}

// Ratio 返回凭证当前的预留比例、阶段与置信度。
// loadFactor 为当前用量/上限，取值 [0,1]。
func (m *ReservationManager) Ratio(ctx context.Context, credentialID uint, loadFactor float64) (float64, ReservationPhase, float64) {
	st := m.load(ctx, credentialID)
	if st.Phase == PhaseProbe {
		return clamp(m.cfg.ProbeRatio, m.cfg.MinRatio, m.cfg.MaxRatio), PhaseProbe, st.Confidence
	}
	return m.stableRatio(st.Confidence, loadFactor), PhaseStable, st.Confidence
}

// stableRatio 稳定期预留：负载越高留得越多，置信度越高留得越少。
// 结果总是收在 [MinRatio, MaxRatio] 内。
func (m *ReservationManager) stableRatio(confidence, loadFactor float64) float64 {
	confidence = clamp(confidence, 0, 1)
	loadFactor = clamp(loadFactor, 0, 1)

	mix := 0.6*loadFactor + 0.4*(1-confidence)
	r := m.cfg.MinRatio + (m.cfg.MaxRatio-m.cfg.MinRatio)*mix
	return clamp(r, m.cfg.MinRatio, m.cfg.MaxRatio)
}

// ReportSuccess 记录一次成功尝试，推进置信度并在条件满足时升入稳定期
func (m *ReservationManager) ReportSuccess(ctx context.Context, credentialID uint) {
	st := m.load(ctx, credentialID)
	st.ConsecutiveSuccesses++
	st.Confidence = clamp(st.Confidence+0.05, 0, 1)

	if st.Phase == PhaseProbe &&
		st.ConsecutiveSuccesses >= m.cfg.StablePromoteSuccesses &&
		st.Adjustments >= m.cfg.StablePromoteAdjustments {
		st.Phase = PhaseStable
		m.logger.Info("reservation promoted to stable phase",
			zap.Uint("credential_id", credentialID),
			zap.Int("consecutive_successes", st.ConsecutiveSuccesses))
	}
	m.store(ctx, credentialID, st)
}

// ReportFailure 记录一次失败尝试：清零连续成功并压低置信度
func (m *ReservationManager) ReportFailure(ctx context.Context, credentialID uint) {
	st := m.load(ctx, credentialID)
	st.ConsecutiveSuccesses = 0
	st.Confidence = clamp(st.Confidence-0.2, 0, 1)
	m.store(ctx, credentialID, st)
}

// ReportAdjustment 记录一次容量调整观察（探测期升级条件之一）
func (m *ReservationManager) ReportAdjustment(ctx context.Context, credentialID uint) {
	st := m.load(ctx, credentialID)
	st.Adjustments++
	m.store(ctx, credentialID, st)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
