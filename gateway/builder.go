package gateway

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// ============================================================
// 🏗️ 候选构建器
// ============================================================

// BuilderConfig 构建器配置
type BuilderConfig struct {
	// 全局协议转换开关
	ConversionEnabled bool
}

// BuildInput 一次构建的输入
type BuildInput struct {
	// 活跃 Provider（端点与凭证已预加载）
	Providers []*Provider
	// 已解析的模型
	Model *Model
	// Provider id → 该 Provider 的模型实现关系
	Implementations map[uint]*ProviderModel
	// 请求上下文
	Request *RequestContext
}

// CandidateBuilder 从活跃 Provider 构造合格候选三元组
type CandidateBuilder struct {
	cfg       BuilderConfig
	breaker   *BreakerHealth
	ratelimit *RateLimiterRegistry
	logger    *zap.Logger
}

// NewCandidateBuilder 创建候选构建器
func NewCandidateBuilder(cfg BuilderConfig, breaker *BreakerHealth, rl *RateLimiterRegistry, logger *zap.Logger) *CandidateBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateBuilder{
		cfg:       cfg,
		breaker:   breaker,
		ratelimit: rl,
		logger:    logger.With(zap.String("component", "builder")),
	}
}

// classifiedEndpoint 端点及其分类桶序号
type classifiedEndpoint struct {
	endpoint *Endpoint
	bucket   int
}

// 分类桶：
//
//	0 同族同种
//	1 同种异族（需转换）
//	2 同族异种
//	3 异族异种（需转换）
//
// 种类不允许互退（如 video）的端点不会进入 2/3。
func classifyEndpoint(client Protocol, ep *Endpoint) (int, bool) {
	sameFamily := ep.Protocol.Family() == client.Family()
	sameKind := ep.Protocol.Kind() == client.Kind()

	switch {
	case sameFamily && sameKind:
		return 0, true
	case sameKind:
		return 1, true
	case sameFamily:
		if !kindsInterchangeable(client.Kind(), ep.Protocol.Kind()) {
			return 0, false
		}
		return 2, true
	default:
		if !kindsInterchangeable(client.Kind(), ep.Protocol.Kind()) {
			return 0, false
		}
		return 3, true
	}
}

// Build 按 Provider 依次构造候选。
// 凭证级检查不通过的候选仍然输出（带跳过标记），供审计可见；
// 端点级不合格（协议不兼容、模型不支持）则静默丢弃。
func (b *CandidateBuilder) Build(ctx context.Context, in BuildInput) []*ProviderCandidate {
	var out []*ProviderCandidate
	for _, provider := range in.Providers {
		out = append(out, b.buildForProvider(ctx, provider, in)...)
	}
	return out
}

func (b *CandidateBuilder) buildForProvider(ctx context.Context, provider *Provider, in BuildInput) []*ProviderCandidate {
	if provider.Status != ProviderStatusActive {
		return nil
	}
	req := in.Request

	// 1. 活跃端点分类
	var classified []classifiedEndpoint
	for i := range provider.Endpoints {
		ep := &provider.Endpoints[i]
		if !ep.Active {
			continue
		}
		bucket, ok := classifyEndpoint(req.Protocol, ep)
		if !ok {
			continue
		}
		classified = append(classified, classifiedEndpoint{endpoint: ep, bucket: bucket})
	}
	// 桶序优先，桶内按端点优先级
	sort.SliceStable(classified, func(i, j int) bool {
		if classified[i].bucket != classified[j].bucket {
			return classified[i].bucket < classified[j].bucket
		}
		return classified[i].endpoint.Priority < classified[j].endpoint.Priority
	})

	var direct, converted []*ProviderCandidate
	for _, ce := range classified {
		ep := ce.endpoint
		needsConversion := ep.Protocol.Family() != req.Protocol.Family()

		// 2. 协议兼容性：同族直通；异族需要任一转换开关放行
		if needsConversion && !b.conversionAllowed(provider, ep, req.Protocol) {
			continue
		}

		// 3. 端点协议桶上的模型支持
		outputLimit, ok := b.resolveModelSupport(provider, in)
		if !ok {
			continue
		}

		// 4. 逐凭证检查
		for i := range provider.Credentials {
			cred := &provider.Credentials[i]
			if cred.Status != CredentialStatusActive {
				continue
			}
			if !cred.AllowsProtocol(ep.Protocol) {
				continue
			}

			cand := &ProviderCandidate{
				Provider:         provider,
				Endpoint:         ep,
				Credential:       cred,
				ProviderProtocol: ep.Protocol,
				NeedsConversion:  needsConversion,
				OutputLimit:      outputLimit,
			}
			if reason, ok := b.checkCredential(ctx, provider, ep, cred, in, cand); !ok {
				cand.IsSkipped = true
				cand.SkipReason = reason
			}

			// 5. 无需转换的候选先于转换候选输出
			if needsConversion {
				converted = append(converted, cand)
			} else {
				direct = append(direct, cand)
			}
		}
	}

	return append(direct, converted...)
}

// conversionAllowed 全局开关、Provider 开关、端点显式接受三者任一放行
func (b *CandidateBuilder) conversionAllowed(provider *Provider, ep *Endpoint, client Protocol) bool {
	if b.cfg.ConversionEnabled || provider.ConversionEnabled {
		return true
	}
	return ep.AcceptedProtocols.Contains(string(client))
}

// resolveModelSupport 检查模型在该 Provider 上可用：
// 模型活跃、有启用的实现关系、流式请求时双端都支持流式、
// 请求声明的能力模型必须全部具备。
func (b *CandidateBuilder) resolveModelSupport(provider *Provider, in BuildInput) (int, bool) {
	model := in.Model
	if model == nil || !model.Active {
		return 0, false
	}
	pm, ok := in.Implementations[provider.ID]
	if !ok || !pm.Enabled {
		return 0, false
	}
	if in.Request.Streaming && (!model.SupportsStreaming || !pm.SupportsStreaming) {
		return 0, false
	}
	// 能力门槛在 Provider/模型层面，不在凭证层面
	for _, need := range in.Request.Capabilities {
		if !model.HasCapability(need) {
			return 0, false
		}
	}
	return model.MaxOutputTokens, true
}

// checkCredential 凭证级可用性检查，返回首个未通过项的跳过原因
func (b *CandidateBuilder) checkCredential(ctx context.Context, provider *Provider, ep *Endpoint, cred *Credential, in BuildInput, cand *ProviderCandidate) (string, bool) {
	// 熔断健康按协议分桶
	if b.breaker != nil && !b.breaker.IsHealthy(ctx, cred.ID, ep.Protocol) {
		return SkipReasonBreakerOpen, false
	}

	if matched, ok := b.modelAllowed(provider, cred, in); !ok {
		return SkipReasonModelNotAllowed, false
	} else if matched != "" {
		cand.MappingMatchedModel = matched
	}

	if !b.capabilitiesCompatible(cred, in.Request) {
		return SkipReasonCapability, false
	}

	if b.ratelimit != nil && !b.ratelimit.Allow(cred) {
		return SkipReasonRateLimited, false
	}

	if AdapterFor(provider.Type).QuotaExhausted(cred, in.Model.Name) {
		return SkipReasonQuotaExhausted, false
	}

	return "", true
}

// modelAllowed 凭证允许模型检查。
// 空列表不限；显式包含模型名或提供商侧名即通过；
// "*" 表示按别名映射匹配，只匹配该 Provider 实际提供的名字。
func (b *CandidateBuilder) modelAllowed(provider *Provider, cred *Credential, in BuildInput) (string, bool) {
	if len(cred.AllowedModels) == 0 {
		return "", true
	}
	model := in.Model
	pm := in.Implementations[provider.ID]

	if cred.AllowedModels.Contains(model.Name) {
		return "", true
	}
	if pm != nil && cred.AllowedModels.Contains(pm.RemoteName) {
		return "", true
	}
	if cred.AllowedModels.Contains("*") && pm != nil {
		for _, alias := range model.Aliases {
			if alias == pm.RemoteName {
				return alias, true
			}
		}
	}
	return "", false
}

// capabilitiesCompatible 能力匹配规则：
// EXCLUSIVE 能力要求"请求声明了且凭证持有，或两边都没有"——
// 凭证持有而请求未声明的独占能力导致拒绝（不把昂贵资源浪费在
// 没要它的请求上）；COMPATIBLE 只是软偏好，从不硬过滤。
func (b *CandidateBuilder) capabilitiesCompatible(cred *Credential, req *RequestContext) bool {
	for _, capability := range cred.Capabilities {
		if capability.Mode == CapabilityExclusive && !req.NeedsCapability(capability.Name) {
			return false
		}
	}
	return true
}
