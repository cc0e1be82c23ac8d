package gateway

import (
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/modelgate/internal/cache"
	"github.com/BaSui01/modelgate/internal/database"
	"github.com/BaSui01/modelgate/internal/metrics"
)

// setupTestRedis 创建 miniredis 实例和缓存管理器
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *cache.Manager) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	manager, err := cache.NewManager(cache.Config{
		Addr: mr.Addr(),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

// setupTestPool 创建 sqlite 内存库并迁移全部调度表
func setupTestPool(t *testing.T) *database.PoolManager {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, InitDatabase(db))

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return pool
}

func newTestMetrics() *metrics.Collector {
	return metrics.NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

func intPtr(n int) *int {
	return &n
}

// mkCandidate 构造一个最小候选三元组
func mkCandidate(providerID, endpointID, credentialID uint, providerPriority, credentialPriority int) *ProviderCandidate {
	return &ProviderCandidate{
		Provider: &Provider{
			ID:       providerID,
			Code:     fmt.Sprintf("p%d", providerID),
			Type:     ProviderTypeGeneric,
			Status:   ProviderStatusActive,
			Priority: providerPriority,
		},
		Endpoint: &Endpoint{
			ID:         endpointID,
			ProviderID: providerID,
			Protocol:   "openai:chat",
			BaseURL:    "https://upstream.example",
			Active:     true,
		},
		Credential: &Credential{
			ID:         credentialID,
			ProviderID: providerID,
			Name:       fmt.Sprintf("cred-%d", credentialID),
			AuthType:   AuthTypeAPIKey,
			Status:     CredentialStatusActive,
			Priority:   credentialPriority,
		},
		ProviderProtocol: "openai:chat",
	}
}
