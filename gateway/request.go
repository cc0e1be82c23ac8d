package gateway

import (
	"context"

	"github.com/BaSui01/modelgate/types"
)

// ============================================================
// 请求上下文
// ============================================================

// RequestContext 一次请求的显式上下文，贯穿调度与执行的所有调用。
// 曾经靠隐式透传的值（选中的 BaseURL、OAuth 账户等）全部显式
// 放在这里，不依赖任何环境态。
type RequestContext struct {
	RequestID string
	TenantID  string

	// 客户端协议与请求参数
	Protocol  Protocol
	ModelName string
	// 模型解析后由调度器回填
	ModelID   uint
	Streaming bool
	// 请求声明的能力需求
	Capabilities []string

	// 亲和键（通常为调用方凭证 id）
	AffinityKey string

	// 调用方访问限制，nil 表示不限
	Access *AccessProfile

	// 执行期由引擎填充：当前选中的端点地址与 OAuth 账户引用
	SelectedBaseURL string
	OAuthAccountID  string
}

// NeedsCapability 判断请求是否声明了指定能力
func (r *RequestContext) NeedsCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// ============================================================
// 尝试结果
// ============================================================

// AttemptKind 尝试结果类型
type AttemptKind int

const (
	// AttemptSync 同步响应
	AttemptSync AttemptKind = iota
	// AttemptStream 流式响应
	AttemptStream
)

// Stream 流式响应句柄。Recv 返回 io.EOF 表示流结束。
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// AttemptResult 一次尝试的结果
type AttemptResult struct {
	Kind    AttemptKind
	Status  int
	Headers map[string]string

	// Kind == AttemptSync 时有效
	Body []byte
	// Kind == AttemptStream 时有效
	Stream Stream
}

// AttemptFunc 执行实际上游调用的外部函数。协议封装、OAuth 注入
// 都在其中完成，核心从不接触线上协议字节。
type AttemptFunc func(ctx context.Context, req *RequestContext, cand *ProviderCandidate) (*AttemptResult, error)

// ============================================================
// 策略
// ============================================================

// RetryMode 重试槽位分配策略
type RetryMode string

const (
	// RetryDisabled 关闭重试
	RetryDisabled RetryMode = "disabled"
	// RetryOnDemand 按需懒创建审计槽位
	RetryOnDemand RetryMode = "on_demand"
	// RetryPreExpand 预先批量创建全部审计槽位
	RetryPreExpand RetryMode = "pre_expand"
)

// ParseRetryMode 解析重试模式字符串，未知值回退为 pre_expand
func ParseRetryMode(s string) RetryMode {
	switch RetryMode(s) {
	case RetryDisabled, RetryOnDemand, RetryPreExpand:
		return RetryMode(s)
	default:
		return RetryPreExpand
	}
}

// RetryPolicy 重试策略
type RetryPolicy struct {
	Mode RetryMode
	// Provider 未配置时的默认重试次数
	DefaultMaxRetries int
	// 仅缓存亲和候选允许重试
	CachedOnly bool
}

// MaxRetriesFor 返回候选的重试上限。
// 重试关闭、或仅亲和重试且候选非亲和时为 1；
// 否则取 Provider 配置值（未配置用默认）。
func (p RetryPolicy) MaxRetriesFor(cand *ProviderCandidate) int {
	if p.Mode == RetryDisabled {
		return 1
	}
	if p.CachedOnly && !cand.IsCached {
		return 1
	}
	if n := cand.Provider.EffectiveMaxRetries(p.DefaultMaxRetries); n > 0 {
		return n
	}
	return 1
}

// SkipPolicy 候选跳过策略
type SkipPolicy struct {
	// 允许的凭证鉴权方式，空表示全部允许
	AllowedAuthTypes []AuthType
	// 是否允许协议转换候选
	AllowConversion bool
}

// Disallows 判断候选是否被策略拒绝，返回跳过原因
func (p SkipPolicy) Disallows(cand *ProviderCandidate) (bool, string) {
	if cand.NeedsConversion && !p.AllowConversion {
		return true, SkipReasonConversion
	}
	if len(p.AllowedAuthTypes) > 0 {
		allowed := false
		for _, at := range p.AllowedAuthTypes {
			if cand.Credential.AuthType == at {
				allowed = true
				break
			}
		}
		if !allowed {
			return true, SkipReasonAuthType
		}
	}
	return false, ""
}

// ============================================================
// 执行结果
// ============================================================

// ExecutionResult 整次故障转移执行的结果
type ExecutionResult struct {
	Success bool

	// 成功时的候选信息
	CandidateIndex int
	ProviderID     uint
	EndpointID     uint
	CredentialID   uint

	// 总尝试次数（含失败尝试）
	AttemptCount int
	// 按最终顺序排列的候选键，供审计对账
	CandidateKeys []string

	// 成功时的响应（流式时 Stream 已含探测到的首块）
	Result *AttemptResult
	// 失败时的错误分类
	Err *types.Error
}
