package gateway

// ============================================================
// 📊 提供商类型适配
// ============================================================

// ProviderAdapter 按提供商类型封装配额形态差异。
// 启动时构建一张静态表，按 ProviderType 查找，不做任何
// 反射或按名注册的动态分发。
type ProviderAdapter interface {
	// QuotaExhausted 判断凭证在当前模型上是否配额耗尽
	QuotaExhausted(cred *Credential, modelName string) bool
}

// anthropicAdapter 双窗口百分比配额：周窗口与 5 小时窗口
// 任一达到 100% 即耗尽
type anthropicAdapter struct{}

func (anthropicAdapter) QuotaExhausted(cred *Credential, _ string) bool {
	return cred.WeeklyQuotaPct >= 100 || cred.WindowQuotaPct >= 100
}

// openaiAdapter 账户级剩余比例配额
type openaiAdapter struct{}

func (openaiAdapter) QuotaExhausted(cred *Credential, _ string) bool {
	return cred.AccountRemaining <= 0
}

// geminiAdapter 按模型剩余比例配额；未记录的模型视为可用
type geminiAdapter struct{}

func (geminiAdapter) QuotaExhausted(cred *Credential, modelName string) bool {
	remaining, ok := cred.ModelRemaining[modelName]
	return ok && remaining <= 0
}

// genericAdapter 无配额概念的提供商
type genericAdapter struct{}

func (genericAdapter) QuotaExhausted(*Credential, string) bool {
	return false
}

// providerAdapters 启动期构建的静态分发表
var providerAdapters = map[ProviderType]ProviderAdapter{
	ProviderTypeAnthropic: anthropicAdapter{},
	ProviderTypeOpenAI:    openaiAdapter{},
	ProviderTypeGemini:    geminiAdapter{},
	ProviderTypeBedrock:   anthropicAdapter{}, // Bedrock 上游是 Anthropic 配额语义
	ProviderTypeGeneric:   genericAdapter{},
}

// AdapterFor 返回提供商类型对应的适配器，未知类型用 generic
func AdapterFor(t ProviderType) ProviderAdapter {
	if a, ok := providerAdapters[t]; ok {
		return a
	}
	return genericAdapter{}
}
