// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/contentflow/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var _ workflow.MetricsRecorder = (*Collector)(nil)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现 workflow.MetricsRecorder
type Collector struct {
	// 阶段指标
	stageExecutionsTotal *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	stageRetriesTotal    *prometheus.CounterVec

	// 熔断器指标
	circuitTransitionsTotal *prometheus.CounterVec
	circuitRejectionsTotal  *prometheus.CounterVec
	circuitOpen             *prometheus.GaugeVec

	// 循环防护指标
	loopViolationsTotal *prometheus.CounterVec
	loopRisksTotal      *prometheus.CounterVec

	// checkpoint 指标
	checkpointWritesTotal   *prometheus.CounterVec
	checkpointWriteDuration prometheus.Histogram

	// flow 指标
	flowsTotal   *prometheus.CounterVec
	flowDuration *prometheus.HistogramVec
	activeFlows  prometheus.Gauge

	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewCollector 在默认 Registry 上创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, logger)
}

// NewCollectorWithRegistry 在指定 Registry 上创建指标收集器
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.stageExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions by outcome",
		},
		[]string{"stage", "outcome"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "outcome"},
	)

	c.stageRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage retry attempts",
		},
		[]string{"stage"},
	)

	c.circuitTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"stage", "from", "to"},
	)

	c.circuitRejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_rejections_total",
			Help:      "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"stage"},
	)

	c.circuitOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_open",
			Help:      "1 when the stage circuit breaker is open",
		},
		[]string{"stage"},
	)

	c.loopViolationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_violations_total",
			Help:      "Total number of loop prevention ceilings hit",
		},
		[]string{"kind"},
	)

	c.loopRisksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_risks_total",
			Help:      "Total number of advisory loop risks detected",
		},
		[]string{"pattern"},
	)

	c.checkpointWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint writes",
		},
		[]string{"success"},
	)

	c.checkpointWriteDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_write_duration_seconds",
			Help:      "Checkpoint write latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.flowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Total number of finished flows by status",
		},
		[]string{"status"},
	)

	c.flowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_duration_seconds",
			Help:      "End-to-end flow duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"status"},
	)

	c.activeFlows = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_flows",
			Help:      "Number of flows currently running",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Handler 返回 Prometheus 抓取端点
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// 🎯 阶段指标记录
// =============================================================================

// RecordStageExecution 记录一次阶段执行
func (c *Collector) RecordStageExecution(stage, outcome string, duration time.Duration) {
	c.stageExecutionsTotal.WithLabelValues(stage, outcome).Inc()
	c.stageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(stage string) {
	c.stageRetriesTotal.WithLabelValues(stage).Inc()
}

// =============================================================================
// ⚡ 熔断器指标记录
// =============================================================================

// RecordCircuitTransition 记录熔断器状态转换
func (c *Collector) RecordCircuitTransition(stage, from, to string) {
	c.circuitTransitionsTotal.WithLabelValues(stage, from, to).Inc()
	open := 0.0
	if to == workflow.CircuitOpen.String() {
		open = 1
	}
	c.circuitOpen.WithLabelValues(stage).Set(open)
}

// RecordCircuitRejection 记录熔断拒绝
func (c *Collector) RecordCircuitRejection(stage string) {
	c.circuitRejectionsTotal.WithLabelValues(stage).Inc()
}

// =============================================================================
// 🔁 循环防护指标记录
// =============================================================================

// RecordLoopViolation 记录循环上限触发
func (c *Collector) RecordLoopViolation(kind string) {
	c.loopViolationsTotal.WithLabelValues(kind).Inc()
}

// RecordLoopRisk 记录循环风险（仅告警）
func (c *Collector) RecordLoopRisk(pattern string) {
	c.loopRisksTotal.WithLabelValues(pattern).Inc()
}

// =============================================================================
// 💾 checkpoint 与 flow 指标记录
// =============================================================================

// RecordCheckpointWrite 记录 checkpoint 写入
func (c *Collector) RecordCheckpointWrite(success bool, duration time.Duration) {
	c.checkpointWritesTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	c.checkpointWriteDuration.Observe(duration.Seconds())
}

// RecordFlowOutcome 记录 flow 结束状态
func (c *Collector) RecordFlowOutcome(status string, duration time.Duration) {
	c.flowsTotal.WithLabelValues(status).Inc()
	c.flowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncActiveFlows 运行中 flow 数 +1
func (c *Collector) IncActiveFlows() { c.activeFlows.Inc() }

// DecActiveFlows 运行中 flow 数 -1
func (c *Collector) DecActiveFlows() { c.activeFlows.Dec() }
