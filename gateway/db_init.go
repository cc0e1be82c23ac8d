package gateway

import (
	"fmt"

	"gorm.io/gorm"
)

// InitDatabase 初始化调度相关的数据库表
// 支持: PostgreSQL, MySQL, SQLite
func InitDatabase(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Provider{},
		&Endpoint{},
		&Credential{},
		&Model{},
		&ProviderModel{},
		&AccessProfile{},
		&RequestCandidate{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// SeedExampleData 种子示例数据
// 这是可选的，仅用于开发环境
func SeedExampleData(db *gorm.DB) error {
	// 检查数据是否存在
	var count int64
	db.Model(&Provider{}).Count(&count)
	if count > 0 {
		return nil // Data already seeded
	}

	providers := []Provider{
		{Code: "anthropic", Name: "Anthropic (Claude)", Type: ProviderTypeAnthropic, Status: ProviderStatusActive, Priority: 0, ConversionEnabled: false},
		{Code: "openai", Name: "OpenAI", Type: ProviderTypeOpenAI, Status: ProviderStatusActive, Priority: 1},
		{Code: "google", Name: "Google (Gemini)", Type: ProviderTypeGemini, Status: ProviderStatusActive, Priority: 2},
		{Code: "bedrock", Name: "AWS Bedrock", Type: ProviderTypeBedrock, Status: ProviderStatusActive, Priority: 3, ConversionEnabled: true},
	}
	for i := range providers {
		if err := db.Create(&providers[i]).Error; err != nil {
			return fmt.Errorf("failed to seed provider %s: %w", providers[i].Code, err)
		}
	}

	endpoints := []Endpoint{
		{ProviderID: providers[0].ID, Protocol: "anthropic:chat", BaseURL: "https://api.anthropic.com", Priority: 0, Active: true},
		{ProviderID: providers[0].ID, Protocol: "anthropic:cli", BaseURL: "https://api.anthropic.com", Priority: 1, Active: true},
		{ProviderID: providers[1].ID, Protocol: "openai:chat", BaseURL: "https://api.openai.com/v1", Priority: 0, Active: true},
		{ProviderID: providers[2].ID, Protocol: "gemini:chat", BaseURL: "https://generativelanguage.googleapis.com", Priority: 0, Active: true},
		{ProviderID: providers[3].ID, Protocol: "anthropic:chat", BaseURL: "https://bedrock-runtime.us-east-1.amazonaws.com", Priority: 0, Active: true,
			AcceptedProtocols: StringList{"openai:chat"}},
	}
	for i := range endpoints {
		if err := db.Create(&endpoints[i]).Error; err != nil {
			return fmt.Errorf("failed to seed endpoint: %w", err)
		}
	}

	limit := 8
	credentials := []Credential{
		{ProviderID: providers[0].ID, Name: "anthropic-primary", AuthType: AuthTypeAPIKey, SecretRef: "vault:anthropic/primary",
			Status: CredentialStatusActive, Priority: 0, ConcurrencyLimit: &limit, CacheTTLSeconds: 300, AccountRemaining: 1},
		{ProviderID: providers[0].ID, Name: "anthropic-oauth", AuthType: AuthTypeOAuth, SecretRef: "vault:anthropic/oauth",
			Status: CredentialStatusActive, Priority: 1, CacheTTLSeconds: 0, AccountRemaining: 1},
		{ProviderID: providers[1].ID, Name: "openai-primary", AuthType: AuthTypeAPIKey, SecretRef: "vault:openai/primary",
			Status: CredentialStatusActive, Priority: 0, RPMLimit: 600, AccountRemaining: 1},
		{ProviderID: providers[2].ID, Name: "gemini-primary", AuthType: AuthTypeAPIKey, SecretRef: "vault:google/primary",
			Status: CredentialStatusActive, Priority: 0, AccountRemaining: 1},
		{ProviderID: providers[3].ID, Name: "bedrock-sigv4", AuthType: AuthTypeAWSSigV4, SecretRef: "vault:aws/bedrock",
			Status: CredentialStatusActive, Priority: 0, AccountRemaining: 1},
	}
	for i := range credentials {
		if err := db.Create(&credentials[i]).Error; err != nil {
			return fmt.Errorf("failed to seed credential %s: %w", credentials[i].Name, err)
		}
	}

	models := []Model{
		{Name: "claude-sonnet-4", DisplayName: "Claude Sonnet 4", Active: true, SupportsStreaming: true,
			MaxOutputTokens: 64000, Aliases: StringList{"claude-sonnet-latest"},
			Capabilities: CapabilityList{{Name: "vision", Mode: CapabilityCompatible}, {Name: "thinking", Mode: CapabilityCompatible}}},
		{Name: "gpt-4o", DisplayName: "GPT-4o", Active: true, SupportsStreaming: true, MaxOutputTokens: 16384,
			Capabilities: CapabilityList{{Name: "vision", Mode: CapabilityCompatible}}},
		{Name: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", Active: true, SupportsStreaming: true, MaxOutputTokens: 65536,
			Capabilities: CapabilityList{{Name: "vision", Mode: CapabilityCompatible}}},
	}
	for i := range models {
		if err := db.Create(&models[i]).Error; err != nil {
			return fmt.Errorf("failed to seed model %s: %w", models[i].Name, err)
		}
	}

	implementations := []ProviderModel{
		{ProviderID: providers[0].ID, ModelID: models[0].ID, RemoteName: "claude-sonnet-4-20250514", SupportsStreaming: true, Enabled: true},
		{ProviderID: providers[3].ID, ModelID: models[0].ID, RemoteName: "anthropic.claude-sonnet-4-v1:0", SupportsStreaming: true, Enabled: true},
		{ProviderID: providers[1].ID, ModelID: models[1].ID, RemoteName: "gpt-4o", SupportsStreaming: true, Enabled: true},
		{ProviderID: providers[2].ID, ModelID: models[2].ID, RemoteName: "gemini-2.5-pro", SupportsStreaming: true, Enabled: true},
	}
	for i := range implementations {
		if err := db.Create(&implementations[i]).Error; err != nil {
			return fmt.Errorf("failed to seed provider model: %w", err)
		}
	}

	profiles := []AccessProfile{
		{Name: "unrestricted"},
		{Name: "anthropic-only", AllowedProviders: StringList{"anthropic", "bedrock"}},
	}
	for i := range profiles {
		if err := db.Create(&profiles[i]).Error; err != nil {
			return fmt.Errorf("failed to seed access profile %s: %w", profiles[i].Name, err)
		}
	}
	return nil
}
