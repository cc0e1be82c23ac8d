package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/modelgate/config"
	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/internal/cache"
	"github.com/BaSui01/modelgate/internal/ctxkeys"
	"github.com/BaSui01/modelgate/internal/database"
	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/internal/server"
	"github.com/BaSui01/modelgate/internal/telemetry"
	"github.com/BaSui01/modelgate/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装配置、存储、缓存与调度引擎的进程级对象。
// 所有组件显式构造、显式注入，不依赖任何包级单例。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Telemetry

	httpManager    *server.Manager
	metricsManager *server.Manager

	registry *prometheus.Registry
	metrics  *metrics.Collector

	pool  *database.PoolManager
	cache *cache.Manager

	scheduler *gateway.CacheAwareScheduler
	resolver  *gateway.CandidateResolver
	engine    *gateway.FailoverEngine
	audit     *gateway.AuditStore
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, tel *telemetry.Telemetry, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   tel,
		pool:   mustPool(db, logger),
	}
}

func mustPool(db *gorm.DB, logger *zap.Logger) *database.PoolManager {
	pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to init pool manager", zap.Error(err))
	}
	return pool
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.registry = prometheus.NewRegistry()
	s.metrics = metrics.NewCollector("modelgate", s.registry, s.logger)

	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// initComponents 构建调度引擎的全部组件
func (s *Server) initComponents() error {
	cacheManager, err := cache.NewManager(cache.Config{
		Addr:                s.cfg.Redis.Addr,
		Password:            s.cfg.Redis.Password,
		DB:                  s.cfg.Redis.DB,
		PoolSize:            s.cfg.Redis.PoolSize,
		MinIdleConns:        s.cfg.Redis.MinIdleConns,
		DefaultTTL:          5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	s.cache = cacheManager

	breaker := gateway.NewBreakerHealth(cacheManager, gateway.BreakerConfig{
		FailureThreshold: s.cfg.Breaker.FailureThreshold,
		OpenDuration:     s.cfg.Breaker.OpenDuration,
	}, s.logger)

	reservation := gateway.NewReservationManager(cacheManager, gateway.ReservationConfig{
		ProbeRatio:               s.cfg.Reservation.ProbeRatio,
		MinRatio:                 s.cfg.Reservation.MinRatio,
		MaxRatio:                 s.cfg.Reservation.MaxRatio,
		StablePromoteSuccesses:   s.cfg.Reservation.StablePromoteSuccesses,
		StablePromoteAdjustments: s.cfg.Reservation.StablePromoteAdjustments,
	}, s.logger)

	affinity := gateway.NewCacheAffinityManager(cacheManager, gateway.AffinityConfig{
		TTL:       s.cfg.Affinity.TTL,
		KeyPrefix: s.cfg.Affinity.KeyPrefix,
	}, s.metrics, s.logger)

	concurrency := gateway.NewConcurrencyChecker(cacheManager, reservation, s.metrics, s.logger)
	rateLimiters := gateway.NewRateLimiterRegistry()

	store := gateway.NewCatalogStore(s.pool)
	builder := gateway.NewCandidateBuilder(gateway.BuilderConfig{
		ConversionEnabled: s.cfg.Scheduler.ConversionEnabled,
	}, breaker, rateLimiters, s.logger)

	sorter := gateway.NewCandidateSorter(gateway.SorterConfig{
		Mode:         gateway.SchedulingMode(s.cfg.Scheduler.Mode),
		PriorityMode: gateway.PriorityMode(s.cfg.Scheduler.PriorityMode),
	}, cacheManager, s.logger)

	s.scheduler = gateway.NewCacheAwareScheduler(gateway.SchedulerConfig{
		ProviderPageSize: s.cfg.Scheduler.ProviderPageSize,
	}, store, builder, sorter, affinity, concurrency, s.metrics, s.logger)

	s.audit = gateway.NewAuditStore(s.pool, s.metrics, s.logger)
	s.resolver = gateway.NewCandidateResolver(s.scheduler, s.audit, s.logger)

	classifier := gateway.NewErrorClassifier(s.logger)
	s.engine = gateway.NewFailoverEngine(gateway.FailoverConfig{
		StreamProbeTimeout: s.cfg.Failover.StreamProbeTimeout,
	}, classifier, s.audit, breaker, reservation, affinity, concurrency, s.metrics, s.logger)

	return nil
}

// =============================================================================
// 🌐 HTTP 路由
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/candidates", s.handleCandidates)

	apiCfg := server.APIDefaults()
	apiCfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	apiCfg.ReadTimeout = s.cfg.Server.ReadTimeout
	apiCfg.WriteTimeout = s.cfg.Server.WriteTimeout
	apiCfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.httpManager = server.New("api", mux, apiCfg, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	metricsCfg := server.MetricsDefaults()
	metricsCfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
	metricsCfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.metricsManager = server.New("metrics", mux, metricsCfg, s.logger)
	return s.metricsManager.Start()
}

// handleHealth 数据库与 Redis 双活探测
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "redis": "ok"}
	if err := s.pool.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.cache.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  http.StatusText(status),
		"version": Version,
		"checks":  checks,
	})
}

// candidateView 候选预览的响应行
type candidateView struct {
	Key             string `json:"key"`
	Provider        string `json:"provider"`
	Protocol        string `json:"protocol"`
	NeedsConversion bool   `json:"needs_conversion"`
	IsCached        bool   `json:"is_cached"`
	IsSkipped       bool   `json:"is_skipped"`
	SkipReason      string `json:"skip_reason,omitempty"`
}

// handleCandidates 运维预览端点：返回某个模型在当前目录状态下
// 的完整候选顺序，不执行任何上游调用。
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	model := q.Get("model")
	protocol := q.Get("protocol")
	if model == "" || protocol == "" {
		http.Error(w, "model and protocol query params are required", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	ctx := ctxkeys.WithRequestID(r.Context(), requestID)
	ctx = ctxkeys.WithModelName(ctx, model)

	req := &gateway.RequestContext{
		RequestID:   requestID,
		Protocol:    gateway.Protocol(protocol),
		ModelName:   model,
		Streaming:   q.Get("stream") == "true",
		AffinityKey: q.Get("affinity_key"),
	}
	if caps := q.Get("capabilities"); caps != "" {
		req.Capabilities = strings.Split(caps, ",")
	}

	// 预览不落审计槽位
	cands, _, err := s.resolver.Resolve(ctx, req, nil, gateway.RetryPolicy{Mode: gateway.RetryDisabled})
	if err != nil {
		terr, ok := types.AsError(err)
		code := http.StatusInternalServerError
		if ok {
			switch terr.Code {
			case types.ErrModelNotFound, types.ErrModelUnavailable:
				code = http.StatusNotFound
			case types.ErrAccessDenied:
				code = http.StatusForbidden
			}
		}
		http.Error(w, err.Error(), code)
		return
	}

	views := make([]candidateView, len(cands))
	for i, c := range cands {
		views[i] = candidateView{
			Key:             c.Key(),
			Provider:        c.Provider.Code,
			Protocol:        string(c.ProviderProtocol),
			NeedsConversion: c.NeedsConversion,
			IsCached:        c.IsCached,
			IsSkipped:       c.IsSkipped,
			SkipReason:      c.SkipReason,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"request_id": requestID,
		"model":      model,
		"candidates": views,
	})
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞等待退出信号并优雅关闭
func (s *Server) WaitForShutdown() {
	server.AwaitSignal(s.logger, s.httpManager, s.metricsManager)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("Database close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("Telemetry shutdown error", zap.Error(err))
		}
	}
}
