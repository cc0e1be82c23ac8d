package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/modelgate/types"
)

func seedCatalog(t *testing.T, db *gorm.DB) {
	t.Helper()
	providers := []*Provider{
		{Code: "alpha", Name: "Alpha", Type: ProviderTypeGeneric, Status: ProviderStatusActive, Priority: 1},
		{Code: "beta", Name: "Beta", Type: ProviderTypeGeneric, Status: ProviderStatusActive, Priority: 0},
		{Code: "gamma", Name: "Gamma", Type: ProviderTypeGeneric, Status: ProviderStatusDisabled, Priority: 0},
	}
	require.NoError(t, db.Create(&providers).Error)

	endpoints := []*Endpoint{
		{ProviderID: providers[0].ID, Protocol: "openai:chat", BaseURL: "https://a.example", Priority: 1, Active: true},
		{ProviderID: providers[0].ID, Protocol: "openai:chat", BaseURL: "https://a2.example", Priority: 0, Active: true},
		{ProviderID: providers[0].ID, Protocol: "openai:chat", BaseURL: "https://a3.example", Priority: 2, Active: true},
		{ProviderID: providers[1].ID, Protocol: "anthropic:chat", BaseURL: "https://b.example", Priority: 0, Active: true},
	}
	require.NoError(t, db.Create(&endpoints).Error)
	// 零值布尔不会覆盖列默认值，停用端点必须显式更新
	require.NoError(t, db.Model(&Endpoint{}).
		Where("base_url = ?", "https://a3.example").
		Update("active", false).Error)

	credentials := []*Credential{
		{ProviderID: providers[0].ID, Name: "a-key", AuthType: "api_key", Status: CredentialStatusActive, Priority: 0},
		{ProviderID: providers[0].ID, Name: "a-dead", AuthType: "api_key", Status: CredentialStatusDisabled, Priority: 1},
		{ProviderID: providers[1].ID, Name: "b-key", AuthType: "api_key", Status: CredentialStatusActive, Priority: 0},
	}
	require.NoError(t, db.Create(&credentials).Error)

	models := []*Model{
		{Name: "claude-sonnet-4", Aliases: StringList{"sonnet", "claude-sonnet"}, Active: true},
		{Name: "gpt-4o", Active: true},
		{Name: "legacy-model", Aliases: StringList{"old"}, Active: true},
	}
	require.NoError(t, db.Create(&models).Error)
	require.NoError(t, db.Model(&Model{}).
		Where("name = ?", "legacy-model").
		Update("active", false).Error)

	links := []*ProviderModel{
		{ProviderID: providers[0].ID, ModelID: models[0].ID, RemoteName: "claude-sonnet-4", Enabled: true},
		{ProviderID: providers[1].ID, ModelID: models[0].ID, RemoteName: "sonnet-4", Enabled: true},
	}
	require.NoError(t, db.Create(&links).Error)
	require.NoError(t, db.Model(&ProviderModel{}).
		Where("remote_name = ?", "sonnet-4").
		Update("enabled", false).Error)
}

func TestCatalogStore_ListActiveProviders(t *testing.T) {
	pool := setupTestPool(t)
	seedCatalog(t, pool.DB())
	store := NewCatalogStore(pool)
	ctx := context.Background()

	providers, err := store.ListActiveProviders(ctx, 0, 20)
	require.NoError(t, err)
	require.Len(t, providers, 2)

	// 优先级升序：beta(0) 在 alpha(1) 前；禁用的 gamma 不出现
	assert.Equal(t, "beta", providers[0].Code)
	assert.Equal(t, "alpha", providers[1].Code)

	// 预加载只带活跃端点与活跃凭证，按优先级排序
	alpha := providers[1]
	require.Len(t, alpha.Endpoints, 2)
	assert.Equal(t, "https://a2.example", alpha.Endpoints[0].BaseURL)
	assert.Equal(t, "https://a.example", alpha.Endpoints[1].BaseURL)
	require.Len(t, alpha.Credentials, 1)
	assert.Equal(t, "a-key", alpha.Credentials[0].Name)
}

func TestCatalogStore_ListActiveProvidersPaging(t *testing.T) {
	pool := setupTestPool(t)
	seedCatalog(t, pool.DB())
	store := NewCatalogStore(pool)
	ctx := context.Background()

	page1, err := store.ListActiveProviders(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, page1, 1)
	assert.Equal(t, "beta", page1[0].Code)

	page2, err := store.ListActiveProviders(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "alpha", page2[0].Code)

	page3, err := store.ListActiveProviders(ctx, 2, 1)
	require.NoError(t, err)
	assert.Empty(t, page3)
}

func TestCatalogStore_ResolveModel(t *testing.T) {
	pool := setupTestPool(t)
	seedCatalog(t, pool.DB())
	store := NewCatalogStore(pool)
	ctx := context.Background()

	// 精确名字
	m, err := store.ResolveModel(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", m.Name)

	// 别名
	m, err = store.ResolveModel(ctx, "sonnet")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", m.Name)

	// 不活跃模型的别名不参与扫描
	_, err = store.ResolveModel(ctx, "old")
	require.Error(t, err)
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrModelNotFound, te.Code)

	_, err = store.ResolveModel(ctx, "no-such-model")
	require.Error(t, err)
	te, ok = types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrModelNotFound, te.Code)
	assert.False(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestCatalogStore_ImplementationsFor(t *testing.T) {
	pool := setupTestPool(t)
	seedCatalog(t, pool.DB())
	store := NewCatalogStore(pool)
	ctx := context.Background()

	var model Model
	require.NoError(t, pool.DB().Where("name = ?", "claude-sonnet-4").First(&model).Error)
	var providers []Provider
	require.NoError(t, pool.DB().Order("id ASC").Find(&providers).Error)

	ids := []uint{providers[0].ID, providers[1].ID}
	impls, err := store.ImplementationsFor(ctx, model.ID, ids)
	require.NoError(t, err)

	// 仅启用的实现关系
	require.Len(t, impls, 1)
	assert.Equal(t, "claude-sonnet-4", impls[providers[0].ID].RemoteName)

	// 空 Provider 集合直接返回空表
	impls, err = store.ImplementationsFor(ctx, model.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, impls)
}
