package gateway

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ============================================================
// 📋 候选解析器：完整候选流的物化
// ============================================================

// CandidateResolver 把分页候选流物化为一份完整、全局有序的
// 候选列表，供故障转移引擎按序消费。PRE_EXPAND 模式下同时
// 预落全部审计槽位。
type CandidateResolver struct {
	scheduler *CacheAwareScheduler
	audit     *AuditStore
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewCandidateResolver 创建解析器
func NewCandidateResolver(scheduler *CacheAwareScheduler, audit *AuditStore, logger *zap.Logger) *CandidateResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateResolver{
		scheduler: scheduler,
		audit:     audit,
		logger:    logger.With(zap.String("component", "resolver")),
		tracer:    otel.Tracer("modelgate/gateway"),
	}
}

// Resolve 走完全部 Provider 页并拼接候选，随后全局重排。
// 指定了偏好凭证时把对应候选整体提前（保持原相对顺序），
// 不存在的偏好 id 记日志后忽略。
func (r *CandidateResolver) Resolve(ctx context.Context, req *RequestContext, preferredCredentialIDs []uint, retryPolicy RetryPolicy) ([]*ProviderCandidate, *Model, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Resolve",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.String("model", req.ModelName),
		))
	defer span.End()

	pageSize := r.scheduler.PageSize()
	var all []*ProviderCandidate
	var model *Model

	for offset := 0; ; offset += pageSize {
		page, err := r.scheduler.ListAllCandidates(ctx, req, PagingParams{
			Offset: offset,
			Limit:  pageSize,
		})
		if err != nil {
			return nil, nil, err
		}
		all = append(all, page.Candidates...)
		model = page.Model
		// 短页即末页
		if page.ProvidersSeen < pageSize {
			break
		}
	}

	all = r.scheduler.Rerank(ctx, req, model.ID, all)

	if len(preferredCredentialIDs) > 0 {
		all = r.pinPreferred(all, preferredCredentialIDs)
	}

	span.SetAttributes(attribute.Int("candidates", len(all)))

	if retryPolicy.Mode == RetryPreExpand {
		if err := r.audit.BulkCreate(ctx, req.RequestID, all, retryPolicy); err != nil {
			// 审计从不阻断调度
			r.logger.Error("预落审计槽位失败",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		}
	}
	return all, model, nil
}

// pinPreferred 把偏好凭证的候选稳定地移到列表最前
func (r *CandidateResolver) pinPreferred(cands []*ProviderCandidate, credentialIDs []uint) []*ProviderCandidate {
	preferred := make(map[uint]bool, len(credentialIDs))
	for _, id := range credentialIDs {
		preferred[id] = true
	}

	pinned := make([]*ProviderCandidate, 0, len(credentialIDs))
	rest := make([]*ProviderCandidate, 0, len(cands))
	seen := make(map[uint]bool)
	for _, c := range cands {
		if preferred[c.Credential.ID] {
			pinned = append(pinned, c)
			seen[c.Credential.ID] = true
		} else {
			rest = append(rest, c)
		}
	}
	for _, id := range credentialIDs {
		if !seen[id] {
			r.logger.Warn("偏好凭证不在候选列表中，忽略", zap.Uint("credential_id", id))
		}
	}
	return append(pinned, rest...)
}
