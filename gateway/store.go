package gateway

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/BaSui01/modelgate/internal/database"
	"github.com/BaSui01/modelgate/types"
)

// ============================================================
// 💾 目录存储
// ============================================================

// CatalogStore 提供商/端点/凭证/模型目录的只读访问。
// 每次查询都走 PoolManager.WithConnection 的作用域连接：
// 取连接、同步完成查询、归还，随后的网络挂起点不占用连接。
type CatalogStore struct {
	pool *database.PoolManager
}

// NewCatalogStore 创建目录存储
func NewCatalogStore(pool *database.PoolManager) *CatalogStore {
	return &CatalogStore{pool: pool}
}

// ListActiveProviders 按优先级升序分页返回活跃 Provider，
// 端点与凭证已预加载
func (s *CatalogStore) ListActiveProviders(ctx context.Context, offset, limit int) ([]*Provider, error) {
	var providers []*Provider
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		return tx.
			Preload("Endpoints", func(db *gorm.DB) *gorm.DB {
				return db.Where("active = ?", true).Order("priority ASC")
			}).
			Preload("Credentials", func(db *gorm.DB) *gorm.DB {
				return db.Where("status = ?", CredentialStatusActive).Order("priority ASC")
			}).
			Where("status = ?", ProviderStatusActive).
			Order("priority ASC, id ASC").
			Offset(offset).
			Limit(limit).
			Find(&providers).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list active providers: %w", err)
	}
	return providers, nil
}

// ResolveModel 按名字或别名解析模型
func (s *CatalogStore) ResolveModel(ctx context.Context, name string) (*Model, error) {
	var model Model
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", name).First(&model).Error; err == nil {
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		// 名字未命中，退而扫描别名
		var candidates []Model
		if err := tx.Where("active = ?", true).Find(&candidates).Error; err != nil {
			return err
		}
		for i := range candidates {
			if candidates[i].Aliases.Contains(name) {
				model = candidates[i]
				return nil
			}
		}
		return gorm.ErrRecordNotFound
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrModelNotFound,
				fmt.Sprintf("model %q not found", name))
		}
		return nil, fmt.Errorf("resolve model %q: %w", name, err)
	}
	return &model, nil
}

// ImplementationsFor 返回模型在一批 Provider 上的实现关系，
// 键为 Provider id
func (s *CatalogStore) ImplementationsFor(ctx context.Context, modelID uint, providerIDs []uint) (map[uint]*ProviderModel, error) {
	if len(providerIDs) == 0 {
		return map[uint]*ProviderModel{}, nil
	}
	var links []*ProviderModel
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("model_id = ? AND provider_id IN ? AND enabled = ?", modelID, providerIDs, true).
			Find(&links).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load model implementations: %w", err)
	}
	out := make(map[uint]*ProviderModel, len(links))
	for _, l := range links {
		out[l.ProviderID] = l
	}
	return out, nil
}
