package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/cache"
)

// ============================================================
// 🔀 候选排序器
// ============================================================

// SchedulingMode 调度模式
type SchedulingMode string

const (
	// ModeCacheAffinity 缓存亲和优先
	ModeCacheAffinity SchedulingMode = "cache_affinity"
	// ModeLoadBalance 负载均衡洗牌，忽略优先级
	ModeLoadBalance SchedulingMode = "load_balance"
)

// PriorityMode 优先级模式
type PriorityMode string

const (
	// PriorityProvider 按 Provider 优先级分组排序
	PriorityProvider PriorityMode = "provider"
	// PriorityGlobalKey 忽略 Provider 分组，按凭证全局优先级排序
	PriorityGlobalKey PriorityMode = "global_key"
)

// SorterConfig 排序器配置
type SorterConfig struct {
	Mode         SchedulingMode
	PriorityMode PriorityMode
}

// CandidateSorter 候选排序：优先级模式、零 TTL 公平轮转、
// 负载均衡洗牌
type CandidateSorter struct {
	cfg    SorterConfig
	cache  *cache.Manager
	logger *zap.Logger
	// 测试可替换的洗牌源
	shuffle func(n int, swap func(i, j int))
}

// NewCandidateSorter 创建排序器
func NewCandidateSorter(cfg SorterConfig, c *cache.Manager, logger *zap.Logger) *CandidateSorter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCacheAffinity
	}
	if cfg.PriorityMode == "" {
		cfg.PriorityMode = PriorityProvider
	}
	return &CandidateSorter{
		cfg:     cfg,
		cache:   c,
		logger:  logger.With(zap.String("component", "sorter")),
		shuffle: rand.Shuffle,
	}
}

// Sort 原地排序并返回候选列表
func (s *CandidateSorter) Sort(ctx context.Context, cands []*ProviderCandidate, protocol Protocol) []*ProviderCandidate {
	if len(cands) <= 1 {
		return cands
	}

	// 负载均衡模式完全覆盖优先级，且强制清掉亲和标记
	if s.cfg.Mode == ModeLoadBalance {
		s.shuffle(len(cands), func(i, j int) {
			cands[i], cands[j] = cands[j], cands[i]
		})
		for _, c := range cands {
			c.IsCached = false
		}
		return cands
	}

	switch s.cfg.PriorityMode {
	case PriorityGlobalKey:
		sort.SliceStable(cands, func(i, j int) bool {
			return compareGlobalKey(cands[i], cands[j], protocol) < 0
		})
	default:
		sort.SliceStable(cands, func(i, j int) bool {
			return CompareCandidates(cands[i], cands[j]) < 0
		})
	}

	s.applyFairRotation(ctx, cands)
	return cands
}

// applyFairRotation 零 TTL 公平轮转。
// 某 Provider 的全部活跃凭证缓存 TTL 都为零时，没有调用方依赖
// 粘住某一把 key，此时按共享单调计数器对该 Provider 的凭证序
// 做轮转来摊开负载，与请求无关且不系统性偏向任何一把 key。
func (s *CandidateSorter) applyFairRotation(ctx context.Context, cands []*ProviderCandidate) {
	// 按 Provider 分组（排序后同 Provider 的候选已连续）
	start := 0
	for start < len(cands) {
		end := start + 1
		for end < len(cands) && cands[end].Provider.ID == cands[start].Provider.ID {
			end++
		}
		group := cands[start:end]
		if s.allZeroTTL(group) {
			s.rotateGroup(ctx, group)
		}
		start = end
	}
}

func (s *CandidateSorter) allZeroTTL(group []*ProviderCandidate) bool {
	for _, c := range group {
		if c.Credential.CacheTTLSeconds != 0 {
			return false
		}
	}
	return true
}

// rotateGroup 按 Redis 计数器轮转组内候选
func (s *CandidateSorter) rotateGroup(ctx context.Context, group []*ProviderCandidate) {
	if len(group) <= 1 || s.cache == nil {
		return
	}
	key := fmt.Sprintf("modelgate:rotate:%d", group[0].Provider.ID)
	n, err := s.cache.Incr(ctx, key)
	if err != nil {
		s.logger.Warn("rotation cursor unavailable, keeping priority order", zap.Error(err))
		return
	}
	k := int(n % int64(len(group)))
	if k == 0 {
		return
	}
	rotated := make([]*ProviderCandidate, 0, len(group))
	rotated = append(rotated, group[k:]...)
	rotated = append(rotated, group[:k]...)
	copy(group, rotated)
}
