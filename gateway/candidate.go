package gateway

import "fmt"

// ============================================================
// 候选三元组
// ============================================================

// 凭证级跳过原因
const (
	SkipReasonBreakerOpen     = "breaker_open"
	SkipReasonModelNotAllowed = "model_not_allowed"
	SkipReasonCapability      = "capability_mismatch"
	SkipReasonRateLimited     = "rpm_exhausted"
	SkipReasonQuotaExhausted  = "quota_exhausted"
	SkipReasonAuthType        = "auth_type_disallowed"
	SkipReasonConversion      = "conversion_disallowed"
)

// ProviderCandidate 一个可路由的 (Provider, Endpoint, Credential)
// 组合。每次请求新建，从不持久化，归产生它的调度调用独占。
type ProviderCandidate struct {
	Provider   *Provider
	Endpoint   *Endpoint
	Credential *Credential

	// 端点协议（也即 attemptFn 实际使用的提供商侧协议）
	ProviderProtocol Protocol

	// 由缓存亲和命中标记
	IsCached bool
	// 凭证级检查未通过时仍然输出，但带跳过标记
	IsSkipped  bool
	SkipReason string
	// 需要协议转换
	NeedsConversion bool

	// 通过 "*" 别名映射解析到的模型名（如有）
	MappingMatchedModel string
	// 模型输出上限（如有）
	OutputLimit int
}

// Key 返回候选的稳定标识，用于审计与排除集合
func (c *ProviderCandidate) Key() string {
	return fmt.Sprintf("%d:%d:%d", c.Provider.ID, c.Endpoint.ID, c.Credential.ID)
}

// Matches 判断候选是否指向给定的三元组 id
func (c *ProviderCandidate) Matches(providerID, endpointID, credentialID uint) bool {
	return c.Provider.ID == providerID &&
		c.Endpoint.ID == endpointID &&
		c.Credential.ID == credentialID
}

// CompareCandidates 候选全序比较器。返回负数表示 a 在前。
// 比较键依次为：Provider 优先级、凭证内部优先级、转换降级位、
// Provider id、Endpoint id、Credential id —— id 兜底保证
// 任何两个不同候选都能分出先后，排序结构不会因平手而不稳定。
// 降级位排在 id 之前：同优先级下需要协议转换的候选必须落在
// 直连候选之后，除非 Provider 声明转换保序。
func CompareCandidates(a, b *ProviderCandidate) int {
	if d := a.Provider.Priority - b.Provider.Priority; d != 0 {
		return d
	}
	if d := a.Credential.Priority - b.Credential.Priority; d != 0 {
		return d
	}
	if da, db := candidateDemoted(a), candidateDemoted(b); da != db {
		if da {
			return 1
		}
		return -1
	}
	if d := int(a.Provider.ID) - int(b.Provider.ID); d != 0 {
		return d
	}
	if d := int(a.Endpoint.ID) - int(b.Endpoint.ID); d != 0 {
		return d
	}
	return int(a.Credential.ID) - int(b.Credential.ID)
}

// candidateDemoted 候选是否处于转换降级桶
func candidateDemoted(c *ProviderCandidate) bool {
	return c.NeedsConversion && !c.Provider.KeepPriorityOnConversion
}

// compareGlobalKey global_key 模式比较器：按凭证在当前协议上的
// 全局优先级排序，平手时回退到 Provider 优先级，再回退到 id。
func compareGlobalKey(a, b *ProviderCandidate, protocol Protocol) int {
	if d := a.Credential.GlobalPriorityFor(protocol) - b.Credential.GlobalPriorityFor(protocol); d != 0 {
		return d
	}
	return CompareCandidates(a, b)
}
