package gateway

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/types"
)

// ============================================================
// 🎯 缓存感知调度器
// ============================================================

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// Provider 分页批大小
	ProviderPageSize int
}

// PagingParams 一页 Provider 查询参数
type PagingParams struct {
	Offset int
	Limit  int
}

// PageResult 一页调度结果
type PageResult struct {
	Candidates []*ProviderCandidate
	// 解析后的模型
	Model *Model
	// 本页实际返回的 Provider 数（短页即末页）
	ProvidersSeen int
}

// CacheAwareScheduler 组合构建、排序、亲和与准入的调度门面。
// 进程启动时构造一次，显式注入给所有调用方。
type CacheAwareScheduler struct {
	cfg         SchedulerConfig
	store       *CatalogStore
	builder     *CandidateBuilder
	sorter      *CandidateSorter
	affinity    *CacheAffinityManager
	concurrency *ConcurrencyChecker
	metrics     *metrics.Collector
	logger      *zap.Logger
	tracer      trace.Tracer

	// 同名模型解析去重
	modelGroup singleflight.Group
}

// NewCacheAwareScheduler 创建调度器
func NewCacheAwareScheduler(
	cfg SchedulerConfig,
	store *CatalogStore,
	builder *CandidateBuilder,
	sorter *CandidateSorter,
	affinity *CacheAffinityManager,
	concurrency *ConcurrencyChecker,
	m *metrics.Collector,
	logger *zap.Logger,
) *CacheAwareScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProviderPageSize <= 0 {
		cfg.ProviderPageSize = 20
	}
	return &CacheAwareScheduler{
		cfg:         cfg,
		store:       store,
		builder:     builder,
		sorter:      sorter,
		affinity:    affinity,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger.With(zap.String("component", "scheduler")),
		tracer:      otel.Tracer("modelgate/gateway"),
	}
}

// PageSize 返回配置的分页批大小
func (s *CacheAwareScheduler) PageSize() int {
	return s.cfg.ProviderPageSize
}

// resolveModel 解析模型名，singleflight 合并并发的同名解析
func (s *CacheAwareScheduler) resolveModel(ctx context.Context, name string) (*Model, error) {
	v, err, _ := s.modelGroup.Do(name, func() (interface{}, error) {
		return s.store.ResolveModel(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// ListAllCandidates 返回一页有序候选。
// offset 0 时查不到任何 Provider 视为模型不可用（硬失败）；
// 短页表示末页，由调用方判断。
func (s *CacheAwareScheduler) ListAllCandidates(ctx context.Context, req *RequestContext, page PagingParams) (*PageResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.ListAllCandidates",
		trace.WithAttributes(
			attribute.String("model", req.ModelName),
			attribute.String("protocol", string(req.Protocol)),
			attribute.Int("offset", page.Offset),
		))
	defer span.End()

	// 调用方访问限制
	if !req.Access.AllowsProtocol(req.Protocol) {
		return nil, types.NewError(types.ErrAccessDenied,
			fmt.Sprintf("protocol %s not permitted", req.Protocol))
	}
	if !req.Access.AllowsModel(req.ModelName) {
		return nil, types.NewError(types.ErrAccessDenied,
			fmt.Sprintf("model %s not permitted", req.ModelName))
	}

	model, err := s.resolveModel(ctx, req.ModelName)
	if err != nil {
		return nil, err
	}
	req.ModelID = model.ID

	if page.Limit <= 0 {
		page.Limit = s.cfg.ProviderPageSize
	}
	providers, err := s.store.ListActiveProviders(ctx, page.Offset, page.Limit)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 && page.Offset == 0 {
		return nil, types.NewError(types.ErrModelUnavailable,
			fmt.Sprintf("no active provider serves model %s", req.ModelName))
	}

	providersSeen := len(providers)

	// 按访问限制过滤 Provider
	filtered := providers[:0]
	var providerIDs []uint
	for _, p := range providers {
		if !req.Access.AllowsProvider(p.Code) {
			continue
		}
		filtered = append(filtered, p)
		providerIDs = append(providerIDs, p.ID)
	}

	impls, err := s.store.ImplementationsFor(ctx, model.ID, providerIDs)
	if err != nil {
		return nil, err
	}

	cands := s.builder.Build(ctx, BuildInput{
		Providers:       filtered,
		Model:           model,
		Implementations: impls,
		Request:         req,
	})
	cands = s.sorter.Sort(ctx, cands, req.Protocol)

	if s.sorter.cfg.Mode == ModeCacheAffinity {
		cands = s.applyAffinity(ctx, req, model.ID, cands)
	}

	s.metrics.ObserveCandidateListSize(len(cands))
	return &PageResult{
		Candidates:    cands,
		Model:         model,
		ProvidersSeen: providersSeen,
	}, nil
}

// Rerank 对跨页拼接后的完整候选列表做全局重排。
// 拼接本身不保证全序（每页独立排序），所以这一步是强制的。
func (s *CacheAwareScheduler) Rerank(ctx context.Context, req *RequestContext, modelID uint, cands []*ProviderCandidate) []*ProviderCandidate {
	cands = s.sorter.Sort(ctx, cands, req.Protocol)
	if s.sorter.cfg.Mode == ModeCacheAffinity {
		cands = s.applyAffinity(ctx, req, modelID, cands)
	}
	return cands
}

// applyAffinity 亲和重排：健康的亲和命中无条件置顶；命中但自身
// 被跳过时只在其"保序 vs 转换降级"桶内置顶，不做全局置顶。
func (s *CacheAwareScheduler) applyAffinity(ctx context.Context, req *RequestContext, modelID uint, cands []*ProviderCandidate) []*ProviderCandidate {
	binding := s.affinity.Get(ctx, req.AffinityKey, req.Protocol, modelID)
	if binding == nil {
		return cands
	}

	idx := -1
	for i, c := range cands {
		if c.Matches(binding.ProviderID, binding.EndpointID, binding.CredentialID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return cands
	}

	match := cands[idx]
	match.IsCached = true

	target := 0
	if match.IsSkipped {
		// 不健康的命中只升到同桶最前
		demoted := candidateDemoted(match)
		for i, c := range cands {
			if candidateDemoted(c) == demoted {
				target = i
				break
			}
		}
	}
	if idx == target {
		return cands
	}
	// 把命中者抽出插到目标位，其余保持相对顺序
	copy(cands[target+1:idx+1], cands[target:idx])
	cands[target] = match
	return cands
}

// SelectWithCacheAffinity 单候选便捷入口：分页走完整个候选流，
// 跳过排除集合与预标记跳过者，做准入检查，返回第一个放行的
// 候选，并顺带刷新亲和绑定。
func (s *CacheAwareScheduler) SelectWithCacheAffinity(ctx context.Context, req *RequestContext, excluded map[string]bool) (*ProviderCandidate, *Model, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.SelectWithCacheAffinity")
	defer span.End()

	var model *Model
	for offset := 0; ; offset += s.cfg.ProviderPageSize {
		page, err := s.ListAllCandidates(ctx, req, PagingParams{Offset: offset, Limit: s.cfg.ProviderPageSize})
		if err != nil {
			return nil, nil, err
		}
		model = page.Model

		for _, cand := range page.Candidates {
			if cand.IsSkipped || excluded[cand.Key()] {
				continue
			}
			allowed, _ := s.concurrency.CheckAvailable(ctx, cand.Credential, cand.IsCached)
			if !allowed {
				continue
			}
			s.affinity.Set(ctx, req.AffinityKey, req.Protocol, model.ID, cand)
			return cand, model, nil
		}

		// 短页即末页
		if page.ProvidersSeen < s.cfg.ProviderPageSize {
			break
		}
	}

	return nil, model, types.NewError(types.ErrModelUnavailable,
		fmt.Sprintf("no admissible candidate for model %s", req.ModelName))
}
