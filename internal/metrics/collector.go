// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 准入指标
	admissionChecksTotal *prometheus.CounterVec
	admissionAllowRate   *prometheus.GaugeVec
	admissionLoadFactor  *prometheus.GaugeVec

	// 故障转移指标
	failoverAttemptsTotal   *prometheus.CounterVec
	failoverAttemptDuration *prometheus.HistogramVec
	failoverRequestsTotal   *prometheus.CounterVec

	// 缓存亲和指标
	affinityLookupsTotal *prometheus.CounterVec

	// 流式探测指标
	streamProbeFailures prometheus.Counter

	// 审计指标
	auditWriteFailures prometheus.Counter

	// 候选列表指标
	candidateListSize prometheus.Histogram

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
// reg 为 nil 时使用默认注册表；测试传入独立 Registry 避免重复注册。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 准入指标
	c.admissionChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_checks_total",
			Help:      "Total number of credential admission checks",
		},
		[]string{"credential", "allowed"},
	)

	c.admissionAllowRate = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_allow_rate",
			Help:      "Moving average of admission check pass rate per credential",
		},
		[]string{"credential"},
	)

	c.admissionLoadFactor = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_load_factor",
			Help:      "Current load factor (in-flight / limit) per credential",
		},
		[]string{"credential"},
	)

	// 故障转移指标
	c.failoverAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_attempts_total",
			Help:      "Total number of failover attempts",
		},
		[]string{"provider", "outcome"}, // outcome: success, retry, next, stop
	)

	c.failoverAttemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "failover_attempt_duration_seconds",
			Help:      "Single attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.failoverRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_requests_total",
			Help:      "Total number of failover executions by final result",
		},
		[]string{"result"}, // result: success, all_failed, stopped, cancelled
	)

	// 缓存亲和指标
	c.affinityLookupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affinity_lookups_total",
			Help:      "Total number of cache affinity lookups",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	// 流式探测指标
	c.streamProbeFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_probe_failures_total",
			Help:      "Total number of first-chunk stream probe failures",
		},
	)

	// 审计指标
	c.auditWriteFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Total number of swallowed audit store write failures",
		},
	)

	// 候选列表指标
	c.candidateListSize = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candidate_list_size",
			Help:      "Number of candidates resolved per request",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🚦 准入指标记录
// =============================================================================

// RecordAdmission 记录一次准入检查结果
func (c *Collector) RecordAdmission(credential string, allowed bool, allowRate, loadFactor float64) {
	if c == nil {
		return
	}
	c.admissionChecksTotal.WithLabelValues(credential, boolLabel(allowed)).Inc()
	c.admissionAllowRate.WithLabelValues(credential).Set(allowRate)
	c.admissionLoadFactor.WithLabelValues(credential).Set(loadFactor)
}

// =============================================================================
// 🔀 故障转移指标记录
// =============================================================================

// RecordAttempt 记录单次候选尝试
func (c *Collector) RecordAttempt(provider, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.failoverAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	c.failoverAttemptDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordExecution 记录整次执行的最终结果
func (c *Collector) RecordExecution(result string) {
	if c == nil {
		return
	}
	c.failoverRequestsTotal.WithLabelValues(result).Inc()
}

// RecordStreamProbeFailure 记录首块探测失败
func (c *Collector) RecordStreamProbeFailure() {
	if c == nil {
		return
	}
	c.streamProbeFailures.Inc()
}

// =============================================================================
// 💾 亲和与审计指标记录
// =============================================================================

// RecordAffinityLookup 记录缓存亲和查询结果
func (c *Collector) RecordAffinityLookup(result string) {
	if c == nil {
		return
	}
	c.affinityLookupsTotal.WithLabelValues(result).Inc()
}

// RecordAuditWriteFailure 记录被吞掉的审计写入失败
func (c *Collector) RecordAuditWriteFailure() {
	if c == nil {
		return
	}
	c.auditWriteFailures.Inc()
}

// ObserveCandidateListSize 记录一次请求解析出的候选数
func (c *Collector) ObserveCandidateListSize(n int) {
	if c == nil {
		return
	}
	c.candidateListSize.Observe(float64(n))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
