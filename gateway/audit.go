package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/modelgate/internal/database"
	"github.com/BaSui01/modelgate/internal/metrics"
)

// ============================================================
// 📜 审计存储
// ============================================================

// AuditStore 维护每请求的审计轨迹。所有写入都是尽力而为：
// 记账失败只记日志并上报指标，绝不影响用户可见的响应。
type AuditStore struct {
	pool    *database.PoolManager
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewAuditStore 创建审计存储
func NewAuditStore(pool *database.PoolManager, m *metrics.Collector, logger *zap.Logger) *AuditStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditStore{
		pool:    pool,
		metrics: m,
		logger:  logger.With(zap.String("component", "audit")),
	}
}

// BulkCreate 预创建全部 (候选, 重试) 槽位（PRE_EXPAND 模式）
func (s *AuditStore) BulkCreate(ctx context.Context, requestID string, cands []*ProviderCandidate, policy RetryPolicy) error {
	var rows []RequestCandidate
	for i, cand := range cands {
		maxRetries := policy.MaxRetriesFor(cand)
		for r := 0; r < maxRetries; r++ {
			rows = append(rows, RequestCandidate{
				RequestID:      requestID,
				CandidateIndex: i,
				RetryIndex:     r,
				ProviderID:     cand.Provider.ID,
				EndpointID:     cand.Endpoint.ID,
				CredentialID:   cand.Credential.ID,
				Status:         AuditStatusAvailable,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, 200).Error
	})
	if err != nil {
		s.recordFailure("bulk create", requestID, err)
		return fmt.Errorf("bulk create audit records: %w", err)
	}
	return nil
}

// EnsureSlot 懒创建一个槽位（ON_DEMAND 模式）
func (s *AuditStore) EnsureSlot(ctx context.Context, requestID string, candIdx, retryIdx int, cand *ProviderCandidate) {
	row := RequestCandidate{
		RequestID:      requestID,
		CandidateIndex: candIdx,
		RetryIndex:     retryIdx,
		ProviderID:     cand.Provider.ID,
		EndpointID:     cand.Endpoint.ID,
		CredentialID:   cand.Credential.ID,
		Status:         AuditStatusAvailable,
	}
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&RequestCandidate{}).
			Where("request_id = ? AND candidate_index = ? AND retry_index = ?", requestID, candIdx, retryIdx).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		s.recordFailure("ensure slot", requestID, err)
	}
}

// Transition 槽位状态迁移。非法迁移拒绝写入；
// success/streaming 额外守护"每请求至多一条成功记录"。
func (s *AuditStore) Transition(ctx context.Context, requestID string, candIdx, retryIdx int, to AuditStatus, reason string) {
	err := s.transitionOn(ctx, s.pool.DB(), requestID, candIdx, retryIdx, to, reason)
	if err != nil {
		s.recordFailure("transition", requestID, err)
	}
}

func (s *AuditStore) transitionOn(ctx context.Context, db *gorm.DB, requestID string, candIdx, retryIdx int, to AuditStatus, reason string) error {
	var froms []AuditStatus
	for from, tos := range auditTransitions {
		for _, t := range tos {
			if t == to {
				froms = append(froms, from)
				break
			}
		}
	}
	if len(froms) == 0 {
		return fmt.Errorf("no legal transition into status %s", to)
	}

	tx := db.WithContext(ctx)

	if to == AuditStatusSuccess || to == AuditStatusStreaming {
		var count int64
		if err := tx.Model(&RequestCandidate{}).
			Where("request_id = ? AND status IN ?", requestID,
				[]AuditStatus{AuditStatusSuccess, AuditStatusStreaming}).
			Where("NOT (candidate_index = ? AND retry_index = ?)", candIdx, retryIdx).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("request %s already has a successful record", requestID)
		}
	}

	updates := map[string]interface{}{"status": to}
	switch to {
	case AuditStatusSkipped:
		updates["skip_reason"] = reason
	case AuditStatusFailed, AuditStatusStreamInterrupted, AuditStatusCancelled:
		updates["error_reason"] = reason
	}

	return tx.Model(&RequestCandidate{}).
		Where("request_id = ? AND candidate_index = ? AND retry_index = ? AND status IN ?",
			requestID, candIdx, retryIdx, froms).
		Updates(updates).Error
}

// MarkCandidateSkipped 把候选的全部槽位一次性记为 skipped
func (s *AuditStore) MarkCandidateSkipped(ctx context.Context, requestID string, candIdx int, reason string) {
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		return tx.Model(&RequestCandidate{}).
			Where("request_id = ? AND candidate_index = ? AND status = ?",
				requestID, candIdx, AuditStatusAvailable).
			Updates(map[string]interface{}{
				"status":      AuditStatusSkipped,
				"skip_reason": reason,
			}).Error
	})
	if err != nil {
		s.recordFailure("mark candidate skipped", requestID, err)
	}
}

// MarkCandidateUnused 把候选剩余的 available 槽位记为 unused
// （BREAK 换下一个候选时调用）
func (s *AuditStore) MarkCandidateUnused(ctx context.Context, requestID string, candIdx int) {
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		return tx.Model(&RequestCandidate{}).
			Where("request_id = ? AND candidate_index = ? AND status = ?",
				requestID, candIdx, AuditStatusAvailable).
			Update("status", AuditStatusUnused).Error
	})
	if err != nil {
		s.recordFailure("mark candidate unused", requestID, err)
	}
}

// MarkOthersUnused 成功后把其余所有未到终态的槽位记为 unused
func (s *AuditStore) MarkOthersUnused(ctx context.Context, requestID string, successCandIdx, successRetryIdx int) {
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		return tx.Model(&RequestCandidate{}).
			Where("request_id = ? AND status IN ?", requestID,
				[]AuditStatus{AuditStatusAvailable, AuditStatusPending}).
			Where("NOT (candidate_index = ? AND retry_index = ?)", successCandIdx, successRetryIdx).
			Update("status", AuditStatusUnused).Error
	})
	if err != nil {
		s.recordFailure("mark others unused", requestID, err)
	}
}

// SweepAvailable 兜底：执行结束后把残留的 available 槽位清为 unused
// （正常情况下不应有残留）
func (s *AuditStore) SweepAvailable(ctx context.Context, requestID string) {
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&RequestCandidate{}).
			Where("request_id = ? AND status = ?", requestID, AuditStatusAvailable).
			Update("status", AuditStatusUnused)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			s.logger.Warn("audit sweep found leftover available slots",
				zap.String("request_id", requestID),
				zap.Int64("count", result.RowsAffected))
		}
		return nil
	})
	if err != nil {
		s.recordFailure("sweep available", requestID, err)
	}
}

// MarkStreamInterrupted 流中断的尽力标记。原请求的连接可能已经
// 归还，这里用一个全新的会话写入。
func (s *AuditStore) MarkStreamInterrupted(requestID string, candIdx, retryIdx int, reason string) {
	fresh := s.pool.DB().Session(&gorm.Session{NewDB: true})
	err := s.transitionOn(context.Background(), fresh, requestID, candIdx, retryIdx,
		AuditStatusStreamInterrupted, reason)
	if err != nil {
		s.recordFailure("mark stream interrupted", requestID, err)
	}
}

// Records 返回一个请求的全部审计记录（测试与对账用）
func (s *AuditStore) Records(ctx context.Context, requestID string) ([]RequestCandidate, error) {
	var rows []RequestCandidate
	err := s.pool.WithConnection(ctx, func(tx *gorm.DB) error {
		return tx.Where("request_id = ?", requestID).
			Order("candidate_index ASC, retry_index ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	return rows, nil
}

func (s *AuditStore) recordFailure(op, requestID string, err error) {
	s.metrics.RecordAuditWriteFailure()
	s.logger.Error("audit bookkeeping failed",
		zap.String("op", op),
		zap.String("request_id", requestID),
		zap.Error(err))
}
