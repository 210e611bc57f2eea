package workflow

import (
	"fmt"
	"runtime"
	"sort"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

// HealthStatus flow 健康等级
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// 健康分级阈值
const (
	degradedFailureRatio = 0.2
	criticalFailureRatio = 0.5
)

// StagePerformance AnalyzeStagePerformance 的结果
type StagePerformance struct {
	Stage        Stage         `json:"stage"`
	Executions   int           `json:"executions"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	Skips        int           `json:"skips"`
	Retries      int           `json:"retries"`
	SuccessRate  float64       `json:"success_rate"`
	AvgDuration  time.Duration `json:"avg_duration"`
	MinDuration  time.Duration `json:"min_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
	LastError    string        `json:"last_error,omitempty"`
	CircuitState string        `json:"circuit_state"`
}

// FlowHealthReport flow 健康报告（仅供参考，生成过程不会失败）
type FlowHealthReport struct {
	FlowID          string        `json:"flow_id"`
	Status          HealthStatus  `json:"status"`
	FlowStatus      FlowStatus    `json:"flow_status"`
	CurrentStage    Stage         `json:"current_stage"`
	FailureRatio    float64       `json:"failure_ratio"`
	RecentCompleted int           `json:"recent_completed"`
	RecentFailed    int           `json:"recent_failed"`
	OpenCircuits    []Stage       `json:"open_circuits,omitempty"`
	HalfOpen        []Stage       `json:"half_open_circuits,omitempty"`
	LoopRisks       int           `json:"loop_risks"`
	LoopStopped     bool          `json:"loop_stopped"`
	TimedOut        []Stage       `json:"timed_out,omitempty"`
	Issues          []string      `json:"issues,omitempty"`
	Uptime          time.Duration `json:"uptime"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// MemoryUsageReport 内存占用报告
type MemoryUsageReport struct {
	FlowID          string    `json:"flow_id"`
	Events          int       `json:"events"`
	EventCapacity   int       `json:"event_capacity"`
	DroppedEvents   int64     `json:"dropped_events"`
	HistoryEntries  int       `json:"history_entries"`
	TimelineEntries int       `json:"timeline_entries"`
	LoopRecords     int       `json:"loop_records"`
	ActiveStages    int       `json:"active_stages"`
	StageOutputs    int       `json:"stage_outputs"`
	EstimatedBytes  int64     `json:"estimated_bytes"`
	HeapAllocBytes  uint64    `json:"heap_alloc_bytes"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// GetExecutionEvents 返回最近 limit 条事件（按时间正序）；limit <= 0 返回全部
func (m *StageManager) GetExecutionEvents(limit int) []ExecutionEvent {
	return m.events.Latest(limit)
}

// GetExecutionTimeline 返回每次阶段执行的时间跨度，按开始时间排序
func (m *StageManager) GetExecutionTimeline() []TimelineEntry {
	now := m.now()
	m.mu.Lock()
	out := make([]TimelineEntry, len(m.timeline))
	copy(out, m.timeline)
	m.mu.Unlock()

	for i := range out {
		if out[i].Status == timelineRunning {
			out[i].Duration = now.Sub(out[i].StartedAt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// AnalyzeStagePerformance 统计单个阶段的成功率与耗时
func (m *StageManager) AnalyzeStagePerformance(stage Stage) StagePerformance {
	m.mu.Lock()
	st := stageStats{}
	if s, ok := m.stats[stage]; ok {
		st = *s
	}
	m.mu.Unlock()

	perf := StagePerformance{
		Stage:        stage,
		Executions:   st.executions,
		Successes:    st.successes,
		Failures:     st.failures,
		Skips:        st.skips,
		Retries:      m.state.RetryCount(stage),
		MinDuration:  st.minDuration,
		MaxDuration:  st.maxDuration,
		LastError:    st.lastError,
		CircuitState: CircuitClosed.String(),
	}
	if st.executions > 0 {
		perf.SuccessRate = float64(st.successes) / float64(st.executions)
		perf.AvgDuration = st.totalDuration / time.Duration(st.executions)
	}
	if status, ok := m.breakers.GetFlowStatus(m.state.FlowID())[stage]; ok {
		perf.CircuitState = status.State
	}
	return perf
}

// GetFlowHealthReport 根据最近的失败比例、熔断器状态与循环防护给出健康等级。
// 出现异常时返回 unknown，不会 panic。
func (m *StageManager) GetFlowHealthReport() (report FlowHealthReport) {
	report = FlowHealthReport{
		FlowID:      m.state.FlowID(),
		Status:      HealthUnknown,
		GeneratedAt: m.now(),
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("health report generation failed", zap.Any("panic", r))
			report.Status = HealthUnknown
			report.Issues = append(report.Issues, fmt.Sprintf("report generation failed: %v", r))
		}
	}()

	report.FlowStatus = m.state.Status()
	report.CurrentStage = m.state.CurrentStage()
	report.Uptime = report.GeneratedAt.Sub(m.state.StartTime())

	recent := m.events.Latest(m.config.HealthWindow)
	recovered := make(map[string]bool)
	for _, ev := range recent {
		if id, ok := ev.Metadata[metaRecoveredExecution].(string); ok && ev.Type == EventStageCompleted {
			recovered[id] = true
		}
	}
	for _, ev := range recent {
		switch ev.Type {
		case EventStageCompleted:
			report.RecentCompleted++
		case EventStageFailed:
			// 已由降级恢复的失败只计为一次完成
			if id, _ := ev.Metadata["execution_id"].(string); !recovered[id] {
				report.RecentFailed++
			}
		}
	}
	if total := report.RecentCompleted + report.RecentFailed; total > 0 {
		report.FailureRatio = float64(report.RecentFailed) / float64(total)
	}

	for stage, st := range m.breakers.GetFlowStatus(m.state.FlowID()) {
		switch st.State {
		case CircuitOpen.String():
			report.OpenCircuits = append(report.OpenCircuits, stage)
		case CircuitHalfOpen.String():
			report.HalfOpen = append(report.HalfOpen, stage)
		}
	}
	sortByOrder(report.OpenCircuits)
	sortByOrder(report.HalfOpen)

	guard := m.guard.GetStatus()
	report.LoopRisks = len(guard.Risks)
	report.LoopStopped = guard.Stopped

	for _, ts := range m.GetTimeoutStatus() {
		if ts.Exceeded {
			report.TimedOut = append(report.TimedOut, ts.Stage)
		}
	}

	critical := false
	degraded := false
	if report.FailureRatio >= criticalFailureRatio {
		critical = true
		report.Issues = append(report.Issues, fmt.Sprintf("failure ratio %.2f", report.FailureRatio))
	} else if report.FailureRatio >= degradedFailureRatio {
		degraded = true
		report.Issues = append(report.Issues, fmt.Sprintf("failure ratio %.2f", report.FailureRatio))
	}
	if n := len(report.OpenCircuits); n > 0 {
		if n >= 2 {
			critical = true
		} else {
			degraded = true
		}
		report.Issues = append(report.Issues, fmt.Sprintf("%d circuit breaker(s) open", n))
	}
	if len(report.HalfOpen) > 0 {
		degraded = true
		report.Issues = append(report.Issues, fmt.Sprintf("%d circuit breaker(s) half-open", len(report.HalfOpen)))
	}
	if report.LoopStopped {
		critical = true
		report.Issues = append(report.Issues, "loop guard stopped execution")
	} else if report.LoopRisks > 0 {
		degraded = true
		report.Issues = append(report.Issues, fmt.Sprintf("%d loop risk pattern(s) detected", report.LoopRisks))
	}
	if len(report.TimedOut) > 0 {
		degraded = true
		report.Issues = append(report.Issues, fmt.Sprintf("%d stage(s) past timeout", len(report.TimedOut)))
	}
	if report.FlowStatus == FlowStatusFailed {
		critical = true
		report.Issues = append(report.Issues, "flow failed")
	}

	switch {
	case critical:
		report.Status = HealthCritical
	case degraded:
		report.Status = HealthDegraded
	default:
		report.Status = HealthHealthy
	}
	return report
}

// GetMemoryUsageReport 统计内存中保留的记录数量与估算占用
func (m *StageManager) GetMemoryUsageReport() MemoryUsageReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	timeline := len(m.timeline)
	active := len(m.active)
	m.mu.Unlock()

	events := m.events.Len()
	history := len(m.state.History())
	records := len(m.guard.Records())
	outputs := len(m.state.Outputs())

	estimated := int64(events)*int64(unsafe.Sizeof(ExecutionEvent{})) +
		int64(history)*int64(unsafe.Sizeof(Transition{})) +
		int64(timeline)*int64(unsafe.Sizeof(TimelineEntry{})) +
		int64(records)*int64(unsafe.Sizeof(LoopRecord{})) +
		int64(active)*int64(unsafe.Sizeof(StageExecution{}))

	return MemoryUsageReport{
		FlowID:          m.state.FlowID(),
		Events:          events,
		EventCapacity:   m.events.Capacity(),
		DroppedEvents:   m.events.Dropped(),
		HistoryEntries:  history,
		TimelineEntries: timeline,
		LoopRecords:     records,
		ActiveStages:    active,
		StageOutputs:    outputs,
		EstimatedBytes:  estimated,
		HeapAllocBytes:  ms.HeapAlloc,
		GeneratedAt:     m.now(),
	}
}

func sortByOrder(stages []Stage) {
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order() < stages[j].Order() })
}
