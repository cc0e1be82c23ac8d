package gateway

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================
// 协议标识
// ============================================================

// Protocol 形如 "family:kind" 的协议标识，例如
// "openai:chat"、"anthropic:cli"、"gemini:video"。
type Protocol string

// 协议种类
const (
	KindChat  = "chat"
	KindCLI   = "cli"
	KindVideo = "video"
)

// Family 返回协议族（冒号前半段）
func (p Protocol) Family() string {
	if i := strings.IndexByte(string(p), ':'); i >= 0 {
		return string(p)[:i]
	}
	return string(p)
}

// Kind 返回协议种类（冒号后半段），缺省为 chat
func (p Protocol) Kind() string {
	if i := strings.IndexByte(string(p), ':'); i >= 0 {
		return string(p)[i+1:]
	}
	return KindChat
}

// kindsInterchangeable 判断两个协议种类是否允许互相回退。
// chat 与 cli 互为回退；video 等非会话种类从不跨种类回退。
func kindsInterchangeable(a, b string) bool {
	if a == b {
		return true
	}
	return (a == KindChat || a == KindCLI) && (b == KindChat || b == KindCLI)
}

// ============================================================
// JSON 列辅助类型
// ============================================================

// StringList 以 JSON 数组形式持久化的字符串列表
type StringList []string

// Scan 实现 sql.Scanner
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
}

// Value 实现 driver.Valuer
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Contains 判断列表是否包含 s
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// IntMap 以 JSON 对象形式持久化的 string→int 映射
type IntMap map[string]int

func (m *IntMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for IntMap: %T", value)
	}
}

func (m IntMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// FloatMap 以 JSON 对象形式持久化的 string→float64 映射
type FloatMap map[string]float64

func (m *FloatMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for FloatMap: %T", value)
	}
}

func (m FloatMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// ============================================================
// 能力声明
// ============================================================

// CapabilityMode 能力匹配模式
type CapabilityMode string

const (
	// CapabilityExclusive 独占能力：请求声明了才能用，未声明则拒绝
	CapabilityExclusive CapabilityMode = "exclusive"
	// CapabilityCompatible 兼容能力：软偏好，从不硬过滤
	CapabilityCompatible CapabilityMode = "compatible"
)

// Capability 凭证或模型声明的一项能力
type Capability struct {
	Name string         `json:"name"`
	Mode CapabilityMode `json:"mode"`
}

// CapabilityList 以 JSON 数组形式持久化的能力列表
type CapabilityList []Capability

func (l *CapabilityList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for CapabilityList: %T", value)
	}
}

func (l CapabilityList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// ============================================================
// 停止规则
// ============================================================

// StopRule Provider 配置的早停规则：错误体包含 Pattern 即终止整次
// 故障转移。Statuses 非空时仅对列出的 HTTP 状态码生效，状态不匹配
// 表示规则跳过，而非满足。
type StopRule struct {
	Pattern  string `json:"pattern"`
	Statuses []int  `json:"statuses,omitempty"`
}

// StopRuleList 以 JSON 数组形式持久化的停止规则列表
type StopRuleList []StopRule

func (l *StopRuleList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for StopRuleList: %T", value)
	}
}

func (l StopRuleList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// ============================================================
// 领域模型（gorm，mg_ 前缀表）
// ============================================================

// ProviderStatus 提供商状态
type ProviderStatus string

const (
	ProviderStatusInactive ProviderStatus = "inactive"
	ProviderStatusActive   ProviderStatus = "active"
	ProviderStatusDisabled ProviderStatus = "disabled"
)

// ProviderType 提供商类型，决定配额形态与请求信封
type ProviderType string

const (
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeGemini    ProviderType = "gemini"
	ProviderTypeBedrock   ProviderType = "bedrock"
	ProviderTypeGeneric   ProviderType = "generic"
)

// Provider 上游 LLM 提供商
type Provider struct {
	ID     uint           `gorm:"primaryKey" json:"id"`
	Code   string         `gorm:"size:64;not null;uniqueIndex" json:"code"`
	Name   string         `gorm:"size:128;not null" json:"name"`
	Type   ProviderType   `gorm:"size:32;not null" json:"type"`
	Status ProviderStatus `gorm:"size:16;not null;default:active" json:"status"`
	// 优先级（数字越小优先级越高）
	Priority   int `gorm:"default:0" json:"priority"`
	MaxRetries int `gorm:"default:0" json:"max_retries"` // 0 表示使用全局默认

	// 协议转换开关
	ConversionEnabled bool `gorm:"default:false" json:"conversion_enabled"`
	// 转换候选是否保留原优先级（false 时转换候选整体降级）
	KeepPriorityOnConversion bool `gorm:"default:false" json:"keep_priority_on_conversion"`

	// 早停规则
	ErrorStopPatterns StopRuleList `gorm:"type:json" json:"error_stop_patterns"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 关联
	Endpoints   []Endpoint   `gorm:"foreignKey:ProviderID" json:"endpoints,omitempty"`
	Credentials []Credential `gorm:"foreignKey:ProviderID" json:"credentials,omitempty"`
}

func (Provider) TableName() string {
	return "mg_providers"
}

// EffectiveMaxRetries 返回 Provider 的重试上限，未配置时用默认值
func (p *Provider) EffectiveMaxRetries(fallback int) int {
	if p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return fallback
}

// Endpoint 提供商的一个协议端点
type Endpoint struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	ProviderID uint     `gorm:"not null;index:idx_mg_endpoints_provider" json:"provider_id"`
	Protocol   Protocol `gorm:"size:64;not null" json:"protocol"`
	BaseURL    string   `gorm:"size:512;not null" json:"base_url"`
	Priority   int      `gorm:"default:0" json:"priority"`
	Active     bool     `gorm:"default:true" json:"active"`
	// 端点显式接受的转换来源协议
	AcceptedProtocols StringList `gorm:"type:json" json:"accepted_protocols"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Endpoint) TableName() string {
	return "mg_endpoints"
}

// AuthType 凭证鉴权方式
type AuthType string

const (
	AuthTypeAPIKey   AuthType = "api_key"
	AuthTypeOAuth    AuthType = "oauth"
	AuthTypeAWSSigV4 AuthType = "aws_sigv4"
)

// CredentialStatus 凭证状态
type CredentialStatus string

const (
	CredentialStatusActive   CredentialStatus = "active"
	CredentialStatusDisabled CredentialStatus = "disabled"
)

// Credential 提供商凭证
type Credential struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	ProviderID uint             `gorm:"not null;index:idx_mg_credentials_provider" json:"provider_id"`
	Name       string           `gorm:"size:128;not null" json:"name"`
	AuthType   AuthType         `gorm:"size:32;not null;default:api_key" json:"auth_type"`
	SecretRef  string           `gorm:"size:256;not null" json:"secret_ref"` // 密钥引用，不存明文
	Status     CredentialStatus `gorm:"size:16;not null;default:active" json:"status"`

	// 提供商内部优先级（数字越小优先级越高）
	Priority int `gorm:"default:0" json:"priority"`
	// 按协议的全局优先级（global_key 模式用）
	GlobalPriorities IntMap `gorm:"type:json" json:"global_priorities"`

	// 协议限制，空表示不限
	Protocols StringList `gorm:"type:json" json:"protocols"`
	// 允许的模型名，支持 "*" 按别名映射匹配
	AllowedModels StringList `gorm:"type:json" json:"allowed_models"`
	// 能力声明
	Capabilities CapabilityList `gorm:"type:json" json:"capabilities"`

	// 并发上限，NULL 表示不限
	ConcurrencyLimit *int `json:"concurrency_limit"`
	// 提示词缓存 TTL（秒），0 表示该凭证不依赖缓存粘性
	CacheTTLSeconds int `gorm:"default:0" json:"cache_ttl_seconds"`
	// 每分钟请求数限制，0 表示不限
	RPMLimit int `gorm:"default:0" json:"rpm_limit"`

	// 配额快照（由外部用量子系统维护）
	WeeklyQuotaPct   float64  `gorm:"default:0" json:"weekly_quota_pct"`  // 周窗口用量百分比
	WindowQuotaPct   float64  `gorm:"default:0" json:"window_quota_pct"`  // 5 小时窗口用量百分比
	AccountRemaining float64  `gorm:"default:1" json:"account_remaining"` // 账户级剩余比例
	ModelRemaining   FloatMap `gorm:"type:json" json:"model_remaining"`   // 按模型的剩余比例

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Credential) TableName() string {
	return "mg_credentials"
}

// AllowsProtocol 判断凭证是否允许在指定协议上使用
func (c *Credential) AllowsProtocol(p Protocol) bool {
	if len(c.Protocols) == 0 {
		return true
	}
	return c.Protocols.Contains(string(p))
}

// GlobalPriorityFor 返回凭证在指定协议上的全局优先级。
// 未配置时回退到内部优先级。
func (c *Credential) GlobalPriorityFor(p Protocol) int {
	if v, ok := c.GlobalPriorities[string(p)]; ok {
		return v
	}
	return c.Priority
}

// Model 模型目录项
type Model struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:128;not null;uniqueIndex" json:"name"`
	DisplayName string `gorm:"size:128" json:"display_name"`
	Active      bool   `gorm:"default:true" json:"active"`
	// 别名（含 mapping 通配匹配用的声明名）
	Aliases      StringList     `gorm:"type:json" json:"aliases"`
	Capabilities CapabilityList `gorm:"type:json" json:"capabilities"`

	MaxOutputTokens   int  `gorm:"default:0" json:"max_output_tokens"`
	SupportsStreaming bool `gorm:"default:true" json:"supports_streaming"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Model) TableName() string {
	return "mg_models"
}

// HasCapability 判断模型是否声明了指定能力
func (m *Model) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ProviderModel 提供商↔模型实现关系（多对多中间表）
type ProviderModel struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	ProviderID uint   `gorm:"not null;index:idx_mg_pm,unique" json:"provider_id"`
	ModelID    uint   `gorm:"not null;index:idx_mg_pm,unique" json:"model_id"`
	RemoteName string `gorm:"size:128;not null" json:"remote_name"`

	SupportsStreaming bool `gorm:"default:true" json:"supports_streaming"`
	Enabled           bool `gorm:"default:true" json:"enabled"`

	// 关联
	Model    *Model    `gorm:"foreignKey:ModelID" json:"model,omitempty"`
	Provider *Provider `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
}

func (ProviderModel) TableName() string {
	return "mg_provider_models"
}

// AccessProfile 调用方访问限制
type AccessProfile struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:128;not null;uniqueIndex" json:"name"`

	// 空列表表示不限
	AllowedProtocols StringList `gorm:"type:json" json:"allowed_protocols"`
	AllowedProviders StringList `gorm:"type:json" json:"allowed_providers"`
	AllowedModels    StringList `gorm:"type:json" json:"allowed_models"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AccessProfile) TableName() string {
	return "mg_access_profiles"
}

// AllowsProvider 判断调用方是否允许使用指定提供商
func (a *AccessProfile) AllowsProvider(code string) bool {
	if a == nil || len(a.AllowedProviders) == 0 {
		return true
	}
	return a.AllowedProviders.Contains(code)
}

// AllowsProtocol 判断调用方是否允许使用指定协议
func (a *AccessProfile) AllowsProtocol(p Protocol) bool {
	if a == nil || len(a.AllowedProtocols) == 0 {
		return true
	}
	return a.AllowedProtocols.Contains(string(p))
}

// AllowsModel 判断调用方是否允许使用指定模型
func (a *AccessProfile) AllowsModel(name string) bool {
	if a == nil || len(a.AllowedModels) == 0 {
		return true
	}
	return a.AllowedModels.Contains(name)
}

// ============================================================
// 审计记录
// ============================================================

// AuditStatus 审计记录状态
type AuditStatus string

const (
	AuditStatusAvailable         AuditStatus = "available"
	AuditStatusPending           AuditStatus = "pending"
	AuditStatusStreaming         AuditStatus = "streaming"
	AuditStatusSuccess           AuditStatus = "success"
	AuditStatusFailed            AuditStatus = "failed"
	AuditStatusSkipped           AuditStatus = "skipped"
	AuditStatusUnused            AuditStatus = "unused"
	AuditStatusStreamInterrupted AuditStatus = "stream_interrupted"
	AuditStatusCancelled         AuditStatus = "cancelled"
)

// RequestCandidate 一条审计记录：一个 (请求, 候选序号, 重试序号) 槽位
type RequestCandidate struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	RequestID      string `gorm:"size:64;not null;index:idx_mg_rc_request;uniqueIndex:uq_mg_rc,priority:1" json:"request_id"`
	CandidateIndex int    `gorm:"not null;uniqueIndex:uq_mg_rc,priority:2" json:"candidate_index"`
	RetryIndex     int    `gorm:"not null;default:0;uniqueIndex:uq_mg_rc,priority:3" json:"retry_index"`

	ProviderID   uint `gorm:"not null" json:"provider_id"`
	EndpointID   uint `gorm:"not null" json:"endpoint_id"`
	CredentialID uint `gorm:"not null" json:"credential_id"`

	Status      AuditStatus `gorm:"size:24;not null;default:available" json:"status"`
	SkipReason  string      `gorm:"size:64" json:"skip_reason"`
	ErrorReason string      `gorm:"type:text" json:"error_reason"`
	Extra       string      `gorm:"type:json" json:"extra"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (RequestCandidate) TableName() string {
	return "mg_request_candidates"
}

// auditTransitions 审计状态机的合法迁移
var auditTransitions = map[AuditStatus][]AuditStatus{
	AuditStatusAvailable: {AuditStatusPending, AuditStatusSkipped, AuditStatusUnused},
	AuditStatusPending:   {AuditStatusSuccess, AuditStatusStreaming, AuditStatusFailed, AuditStatusUnused, AuditStatusCancelled},
	AuditStatusStreaming: {AuditStatusSuccess, AuditStatusStreamInterrupted, AuditStatusCancelled},
}

// CanTransition 判断审计状态迁移是否合法
func CanTransition(from, to AuditStatus) bool {
	for _, t := range auditTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断状态是否为终态
func (s AuditStatus) IsTerminal() bool {
	switch s {
	case AuditStatusSuccess, AuditStatusFailed, AuditStatusSkipped,
		AuditStatusUnused, AuditStatusStreamInterrupted, AuditStatusCancelled:
		return true
	}
	return false
}
