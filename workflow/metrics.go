package workflow

import "time"

// MetricsRecorder flow 引擎的指标出口，由 internal/metrics.Collector 实现
type MetricsRecorder interface {
	RecordStageExecution(stage, outcome string, duration time.Duration)
	RecordRetry(stage string)
	RecordCircuitTransition(stage, from, to string)
	RecordCircuitRejection(stage string)
	RecordLoopViolation(kind string)
	RecordLoopRisk(pattern string)
	RecordCheckpointWrite(success bool, duration time.Duration)
	RecordFlowOutcome(status string, duration time.Duration)
	IncActiveFlows()
	DecActiveFlows()
}

type nopMetrics struct{}

func (nopMetrics) RecordStageExecution(string, string, time.Duration) {}
func (nopMetrics) RecordRetry(string)                                 {}
func (nopMetrics) RecordCircuitTransition(string, string, string)     {}
func (nopMetrics) RecordCircuitRejection(string)                      {}
func (nopMetrics) RecordLoopViolation(string)                         {}
func (nopMetrics) RecordLoopRisk(string)                              {}
func (nopMetrics) RecordCheckpointWrite(bool, time.Duration)          {}
func (nopMetrics) RecordFlowOutcome(string, time.Duration)            {}
func (nopMetrics) IncActiveFlows()                                    {}
func (nopMetrics) DecActiveFlows()                                    {}

// NopMetrics 不记录任何指标
func NopMetrics() MetricsRecorder { return nopMetrics{} }
