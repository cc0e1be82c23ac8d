package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/types"
)

// ============================================================
// 🔁 故障转移引擎
// ============================================================

// FailoverConfig 引擎配置
type FailoverConfig struct {
	// 流式响应首块探测超时
	StreamProbeTimeout time.Duration
}

// stepTag 单次尝试的归约结果。尝试错误从不以异常形态穿越引擎，
// 主循环只对标签做分支。
type stepTag int

const (
	stepSuccess stepTag = iota
	stepRetry
	stepNext
	stepStop
	stepCancelled
)

// stepOutcome 一次尝试步骤的标签化结果
type stepOutcome struct {
	tag    stepTag
	result *AttemptResult
	err    *types.Error
}

// FailoverEngine 按序驱动候选尝试并维护审计状态机
type FailoverEngine struct {
	cfg         FailoverConfig
	classifier  *ErrorClassifier
	audit       *AuditStore
	breaker     *BreakerHealth
	reservation *ReservationManager
	affinity    *CacheAffinityManager
	concurrency *ConcurrencyChecker
	metrics     *metrics.Collector
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewFailoverEngine 创建引擎
func NewFailoverEngine(
	cfg FailoverConfig,
	classifier *ErrorClassifier,
	audit *AuditStore,
	breaker *BreakerHealth,
	reservation *ReservationManager,
	affinity *CacheAffinityManager,
	concurrency *ConcurrencyChecker,
	m *metrics.Collector,
	logger *zap.Logger,
) *FailoverEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StreamProbeTimeout <= 0 {
		cfg.StreamProbeTimeout = 30 * time.Second
	}
	return &FailoverEngine{
		cfg:         cfg,
		classifier:  classifier,
		audit:       audit,
		breaker:     breaker,
		reservation: reservation,
		affinity:    affinity,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger.With(zap.String("component", "failover")),
		tracer:      otel.Tracer("modelgate/gateway"),
	}
}

// Execute 对有序候选列表执行完整的故障转移。
// 尝试错误永远不会从这里逃逸：一律分类、记账，转化为继续迭代
// 或最终的 ExecutionResult。
func (e *FailoverEngine) Execute(ctx context.Context, req *RequestContext, candidates []*ProviderCandidate, attemptFn AttemptFunc, retryPolicy RetryPolicy, skipPolicy SkipPolicy) *ExecutionResult {
	ctx, span := e.tracer.Start(ctx, "failover.Execute",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.Int("candidates", len(candidates)),
		))
	defer span.End()

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.Key()
	}

	attemptCount := 0
	var lastErr *types.Error

	for i, cand := range candidates {
		// 1. 跳过判定：预标记、鉴权方式、转换许可
		if cand.IsSkipped {
			e.audit.MarkCandidateSkipped(ctx, req.RequestID, i, cand.SkipReason)
			continue
		}
		if skip, reason := skipPolicy.Disallows(cand); skip {
			e.audit.MarkCandidateSkipped(ctx, req.RequestID, i, reason)
			continue
		}

		// 2. 候选重试上限
		maxRetries := retryPolicy.MaxRetriesFor(cand)

		// 3. 重试循环
		moveOn := false
		for retry := 0; retry < maxRetries && !moveOn; retry++ {
			out := e.attemptOnce(ctx, req, cand, i, retry, attemptFn, retryPolicy,
				retry < maxRetries-1)
			attemptCount++

			switch out.tag {
			case stepSuccess:
				if retryPolicy.Mode == RetryPreExpand {
					e.audit.MarkOthersUnused(ctx, req.RequestID, i, retry)
				}
				e.metrics.RecordExecution("success")
				return &ExecutionResult{
					Success:        true,
					CandidateIndex: i,
					ProviderID:     cand.Provider.ID,
					EndpointID:     cand.Endpoint.ID,
					CredentialID:   cand.Credential.ID,
					AttemptCount:   attemptCount,
					CandidateKeys:  keys,
					Result:         out.result,
				}

			case stepRetry:
				lastErr = out.err

			case stepNext:
				lastErr = out.err
				if retryPolicy.Mode == RetryPreExpand {
					e.audit.MarkCandidateUnused(ctx, req.RequestID, i)
				}
				moveOn = true

			case stepStop:
				if retryPolicy.Mode == RetryPreExpand {
					e.audit.SweepAvailable(ctx, req.RequestID)
				}
				e.metrics.RecordExecution("failed")
				return &ExecutionResult{
					AttemptCount:  attemptCount,
					CandidateKeys: keys,
					Err:           out.err,
				}

			case stepCancelled:
				e.metrics.RecordExecution("cancelled")
				return &ExecutionResult{
					AttemptCount:  attemptCount,
					CandidateKeys: keys,
					Err:           out.err,
				}
			}
		}
	}

	// 4. 候选耗尽
	if retryPolicy.Mode == RetryPreExpand {
		e.audit.SweepAvailable(ctx, req.RequestID)
	}
	e.metrics.RecordExecution("failed")

	failure := types.NewError(types.ErrAllCandidatesFailed, "all candidates failed")
	if lastErr != nil {
		failure = failure.WithCause(lastErr)
	}
	return &ExecutionResult{
		AttemptCount:  attemptCount,
		CandidateKeys: keys,
		Err:           failure,
	}
}

// attemptOnce 执行一次尝试并归约为标签化结果
func (e *FailoverEngine) attemptOnce(ctx context.Context, req *RequestContext, cand *ProviderCandidate, candIdx, retryIdx int, attemptFn AttemptFunc, policy RetryPolicy, hasRetryLeft bool) stepOutcome {
	if policy.Mode == RetryOnDemand {
		e.audit.EnsureSlot(ctx, req.RequestID, candIdx, retryIdx, cand)
	}
	// pending 落盘后连接已归还，随后的上游调用不占用存储连接
	e.audit.Transition(ctx, req.RequestID, candIdx, retryIdx, AuditStatusPending, "")

	if ctx.Err() != nil {
		return e.cancelled(ctx, req, candIdx, retryIdx)
	}

	req.SelectedBaseURL = cand.Endpoint.BaseURL

	// 占用并发槽位。计数后端不可达时继续尝试，与准入侧保持一致的
	// 可用性优先取向。
	slotHeld := false
	if e.concurrency != nil {
		if acqErr := e.concurrency.Acquire(ctx, cand.Credential.ID); acqErr != nil {
			e.logger.Warn("并发槽位占用失败，继续尝试", zap.Error(acqErr))
		} else {
			slotHeld = true
		}
	}
	release := func() {
		if slotHeld {
			slotHeld = false
			e.concurrency.Release(context.Background(), cand.Credential.ID)
		}
	}

	start := time.Now()
	res, err := attemptFn(ctx, req, cand)
	elapsed := time.Since(start)

	if err == nil && res != nil && res.Kind == AttemptStream {
		// 流式成功时槽位随流的终止一起释放
		res, err = e.probeStream(ctx, req, cand, candIdx, retryIdx, res, release)
	}

	if err == nil {
		status := AuditStatusSuccess
		if res == nil || res.Kind != AttemptStream {
			release()
		} else {
			status = AuditStatusStreaming
		}
		e.audit.Transition(ctx, req.RequestID, candIdx, retryIdx, status, "")
		e.reportSuccess(ctx, cand)
		e.metrics.RecordAttempt(cand.Provider.Code, "success", elapsed)
		return stepOutcome{tag: stepSuccess, result: res}
	}
	release()

	// 调用方断开：在下一个挂起点放弃尝试
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return e.cancelled(ctx, req, candIdx, retryIdx)
	}

	terr, ok := types.AsError(err)
	if !ok {
		terr = types.NewError(types.ErrUnavailable, err.Error()).WithCause(err)
	}

	e.reportFailure(ctx, req, cand, terr)

	// Provider 早停规则对整次运行生效
	if e.classifier.ShouldStop(cand.Provider, terr.HTTPStatus, terr.Message) {
		e.audit.Transition(ctx, req.RequestID, candIdx, retryIdx, AuditStatusFailed, terr.Message)
		e.metrics.RecordAttempt(cand.Provider.Code, "stop", elapsed)
		return stepOutcome{tag: stepStop, err: types.NewError(types.ErrStopRuleMatched, terr.Message).
			WithHTTPStatus(terr.HTTPStatus).WithCause(terr)}
	}

	// 客户端错误对整次请求终止：换哪家重试都没意义
	if terr.Code == types.ErrClientError {
		e.audit.Transition(ctx, req.RequestID, candIdx, retryIdx, AuditStatusFailed, terr.Message)
		e.metrics.RecordAttempt(cand.Provider.Code, "stop", elapsed)
		return stepOutcome{tag: stepStop, err: terr}
	}

	e.audit.Transition(ctx, req.RequestID, candIdx, retryIdx, AuditStatusFailed, terr.Message)

	if e.classifier.Classify(terr, hasRetryLeft) == DecisionContinue {
		e.metrics.RecordAttempt(cand.Provider.Code, "retry", elapsed)
		return stepOutcome{tag: stepRetry, err: terr}
	}
	e.metrics.RecordAttempt(cand.Provider.Code, "next", elapsed)
	return stepOutcome{tag: stepNext, err: terr}
}

func (e *FailoverEngine) cancelled(ctx context.Context, req *RequestContext, candIdx, retryIdx int) stepOutcome {
	// 原 ctx 可能已取消，审计写入用后台 ctx
	e.audit.Transition(context.Background(), req.RequestID, candIdx, retryIdx,
		AuditStatusCancelled, "client disconnected")
	return stepOutcome{tag: stepCancelled, err: types.NewError(types.ErrCancelled, "request cancelled by caller")}
}

// reportSuccess 推进熔断与预留的健康信号
func (e *FailoverEngine) reportSuccess(ctx context.Context, cand *ProviderCandidate) {
	if e.breaker != nil {
		e.breaker.ReportSuccess(ctx, cand.Credential.ID, cand.ProviderProtocol)
	}
	if e.reservation != nil {
		e.reservation.ReportSuccess(ctx, cand.Credential.ID)
	}
}

// reportFailure 推进失败信号；硬失败时顺带失效亲和绑定
func (e *FailoverEngine) reportFailure(ctx context.Context, req *RequestContext, cand *ProviderCandidate, terr *types.Error) {
	if e.breaker != nil {
		e.breaker.ReportFailure(ctx, cand.Credential.ID, cand.ProviderProtocol)
	}
	if e.reservation != nil {
		e.reservation.ReportFailure(ctx, cand.Credential.ID)
	}
	if e.affinity != nil && cand.IsCached && terr.HTTPStatus >= 500 {
		e.affinity.Invalidate(ctx, req.AffinityKey, req.Protocol, req.ModelID, InvalidateScope{
			CredentialID: cand.Credential.ID,
		})
	}
}

// ============================================================
// 流式首块探测
// ============================================================

// probeStream 在把控制权交还调用方之前探测首个非空块。
// 空流（EOF 前零字节）或探测超时都算探测失败，走与其他错误
// 相同的故障转移路径——客户端绝不能收到一个事后证明为空的
// "成功"响应；首字节一旦转发下游也绝不再发生故障转移。
func (e *FailoverEngine) probeStream(ctx context.Context, req *RequestContext, cand *ProviderCandidate, candIdx, retryIdx int, res *AttemptResult, release func()) (*AttemptResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.StreamProbeTimeout)
	defer cancel()

	var first []byte
	for {
		chunk, err := res.Stream.Recv(probeCtx)
		if err != nil {
			_ = res.Stream.Close()
			e.metrics.RecordStreamProbeFailure()
			reason := "stream probe failed"
			switch {
			case errors.Is(err, io.EOF):
				reason = "empty stream"
			case errors.Is(err, context.DeadlineExceeded):
				reason = "first chunk timeout"
			}
			return nil, types.NewError(types.ErrStreamProbe,
				fmt.Sprintf("%s: %v", reason, err)).WithProvider(cand.Provider.Code)
		}
		if len(chunk) > 0 {
			first = chunk
			break
		}
	}

	requestID := req.RequestID
	wrapped := &probedStream{
		first:  first,
		rest:   res.Stream,
		onDone: release,
		onComplete: func() {
			e.audit.Transition(context.Background(), requestID, candIdx, retryIdx,
				AuditStatusSuccess, "")
		},
		onInterrupt: func(cause error) {
			// 原请求的存储句柄此刻可能已释放，走全新会话尽力标记
			e.audit.MarkStreamInterrupted(requestID, candIdx, retryIdx, cause.Error())
		},
	}
	out := *res
	out.Stream = wrapped
	return &out, nil
}

// probedStream 先吐出探测到的首块，再透传剩余流。
// 剩余流抛错时触发一次 stream_interrupted 尽力标记。
type probedStream struct {
	first       []byte
	rest        Stream
	onInterrupt func(error)
	// 流走到干净的 EOF 时调用（streaming → success）
	onComplete func()
	// 流终止（EOF、错误或 Close）时恰好调用一次
	onDone func()

	mu          sync.Mutex
	firstServed bool
	interrupted bool
	done        bool
}

func (s *probedStream) finish() {
	s.mu.Lock()
	fire := !s.done
	s.done = true
	s.mu.Unlock()
	if fire && s.onDone != nil {
		s.onDone()
	}
}

func (s *probedStream) Recv(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if !s.firstServed {
		s.firstServed = true
		chunk := s.first
		s.first = nil
		s.mu.Unlock()
		return chunk, nil
	}
	s.mu.Unlock()

	chunk, err := s.rest.Recv(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.mu.Lock()
			fire := !s.interrupted && !s.done
			s.mu.Unlock()
			if fire && s.onComplete != nil {
				s.onComplete()
			}
		} else {
			s.mu.Lock()
			fire := !s.interrupted
			s.interrupted = true
			s.mu.Unlock()
			if fire && s.onInterrupt != nil {
				s.onInterrupt(err)
			}
		}
		s.finish()
	}
	return chunk, err
}

func (s *probedStream) Close() error {
	err := s.rest.Close()
	s.finish()
	return err
}
