package workflow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxStageExecutions 每个阶段默认允许进入的最大次数
const DefaultMaxStageExecutions = 3

// FlowStatus flow 的整体状态
type FlowStatus string

const (
	FlowStatusRunning   FlowStatus = "running"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusFailed    FlowStatus = "failed"
)

// Transition 一次阶段转换记录，追加后不可修改
type Transition struct {
	From      Stage     `json:"from_stage"`
	To        Stage     `json:"to_stage"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// FlowView 执行链条件函数可见的只读视图
type FlowView interface {
	FlowID() string
	CurrentStage() Stage
	IsCompleted(stage Stage) bool
	Output(stage Stage) (any, bool)
	Input() any
}

// FlowState 是一次 flow 执行的权威状态记录。
// 所有修改通过互斥锁串行化；报表类读取使用读锁或 Snapshot。
type FlowState struct {
	mu sync.RWMutex

	flowID             string
	executionID        string
	currentStage       Stage
	completedStages    map[Stage]bool
	history            []Transition
	retryCount         map[Stage]int
	circuitOpen        map[Stage]bool
	stageOutputs       map[Stage]any
	maxStageExecutions int
	stageLimits        map[Stage]int
	startTime          time.Time
	status             FlowStatus
	input              any

	logger *zap.Logger
}

// NewFlowState 创建 flow 状态；flowID 为空时自动生成
func NewFlowState(flowID string, maxStageExecutions int, logger *zap.Logger) *FlowState {
	if flowID == "" {
		flowID = uuid.New().String()
	}
	if maxStageExecutions <= 0 {
		maxStageExecutions = DefaultMaxStageExecutions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowState{
		flowID:             flowID,
		executionID:        uuid.New().String(),
		completedStages:    make(map[Stage]bool),
		retryCount:         make(map[Stage]int),
		circuitOpen:        make(map[Stage]bool),
		stageOutputs:       make(map[Stage]any),
		maxStageExecutions: maxStageExecutions,
		startTime:          time.Now(),
		status:             FlowStatusRunning,
		logger:             logger.With(zap.String("component", "flow_state"), zap.String("flow_id", flowID)),
	}
}

// ensureMapsLocked 惰性修复缺失的内部 map（必须在写锁内调用）
func (s *FlowState) ensureMapsLocked() {
	if s.completedStages == nil {
		s.logger.Warn("completed stages map missing, reinitializing")
		s.completedStages = make(map[Stage]bool)
	}
	if s.retryCount == nil {
		s.logger.Warn("retry count map missing, reinitializing")
		s.retryCount = make(map[Stage]int)
	}
	if s.circuitOpen == nil {
		s.logger.Warn("circuit breaker map missing, reinitializing")
		s.circuitOpen = make(map[Stage]bool)
	}
	if s.stageOutputs == nil {
		s.logger.Warn("stage outputs map missing, reinitializing")
		s.stageOutputs = make(map[Stage]any)
	}
}

// FlowID 返回 flow ID
func (s *FlowState) FlowID() string { return s.flowID }

// ExecutionID 返回本次执行 ID（恢复后会重新生成）
func (s *FlowState) ExecutionID() string { return s.executionID }

// MaxStageExecutions 返回单阶段最大进入次数
func (s *FlowState) MaxStageExecutions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxStageExecutions
}

// StartTime 返回 flow 开始时间
func (s *FlowState) StartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startTime
}

// CurrentStage 返回当前阶段
func (s *FlowState) CurrentStage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStage
}

// Status 返回 flow 状态
func (s *FlowState) Status() FlowStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus 设置 flow 状态
func (s *FlowState) SetStatus(status FlowStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Input 返回 flow 原始输入
func (s *FlowState) Input() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

// SetInput 设置 flow 原始输入
func (s *FlowState) SetInput(input any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = input
}

// Transition 执行一次阶段转换。
// 目标阶段必须在转换图中可达（Error 总是可达），且进入次数不超过 MaxStageExecutions；
// 超限返回 *LoopPreventionError，不追加任何记录。
func (s *FlowState) Transition(to Stage, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMapsLocked()

	from := s.currentStage
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}

	if to != StageError {
		count := s.countIntoLocked(to)
		if limit := s.limitLocked(to); count >= limit {
			return &LoopPreventionError{
				Stage:  to,
				Count:  count + 1,
				Limit:  limit,
				Reason: "max stage executions exceeded",
			}
		}
	}

	s.history = append(s.history, Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	s.currentStage = to
	if to == StageError {
		s.status = FlowStatusFailed
	}
	return nil
}

// SetStageLimit 为单个阶段设置独立的进入上限，n <= 0 表示使用全局上限
func (s *FlowState) SetStageLimit(stage Stage, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stageLimits == nil {
		s.stageLimits = make(map[Stage]int)
	}
	if n <= 0 {
		delete(s.stageLimits, stage)
		return
	}
	s.stageLimits[stage] = n
}

// StageLimit 返回阶段生效的进入上限
func (s *FlowState) StageLimit(stage Stage) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limitLocked(stage)
}

func (s *FlowState) limitLocked(stage Stage) int {
	if n, ok := s.stageLimits[stage]; ok {
		return n
	}
	return s.maxStageExecutions
}

func (s *FlowState) countIntoLocked(stage Stage) int {
	n := 0
	for _, t := range s.history {
		if t.To == stage {
			n++
		}
	}
	return n
}

// StageExecutionCount 返回进入某阶段的次数
func (s *FlowState) StageExecutionCount(stage Stage) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countIntoLocked(stage)
}

// MarkCompleted 将阶段标记为完成并保存阶段输出
func (s *FlowState) MarkCompleted(stage Stage, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMapsLocked()
	s.completedStages[stage] = true
	if output != nil {
		s.stageOutputs[stage] = output
	}
}

// IsCompleted 判断阶段是否已完成
func (s *FlowState) IsCompleted(stage Stage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completedStages[stage]
}

// CompletedStages 按流水线顺序返回已完成阶段
func (s *FlowState) CompletedStages() []Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedStages(s.completedStages)
}

// Output 返回阶段输出
func (s *FlowState) Output(stage Stage) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.stageOutputs[stage]
	return v, ok
}

// Outputs 返回所有阶段输出的副本
func (s *FlowState) Outputs() map[Stage]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Stage]any, len(s.stageOutputs))
	for k, v := range s.stageOutputs {
		out[k] = v
	}
	return out
}

// IncrementRetry 原子递增阶段重试计数并返回新值
func (s *FlowState) IncrementRetry(stage Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMapsLocked()
	s.retryCount[stage]++
	return s.retryCount[stage]
}

// RetryCount 返回阶段重试计数
func (s *FlowState) RetryCount(stage Stage) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount[stage]
}

// RetryCounts 返回全部重试计数的副本
func (s *FlowState) RetryCounts() map[Stage]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Stage]int, len(s.retryCount))
	for k, v := range s.retryCount {
		out[k] = v
	}
	return out
}

// SetCircuitOpen 记录阶段熔断器是否打开
func (s *FlowState) SetCircuitOpen(stage Stage, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMapsLocked()
	s.circuitOpen[stage] = open
}

// IsCircuitOpen 判断阶段熔断器是否打开
func (s *FlowState) IsCircuitOpen(stage Stage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.circuitOpen[stage]
}

// History 返回转换历史的副本
func (s *FlowState) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// FlowSnapshot FlowState 的可序列化形式，作为 checkpoint 载荷
type FlowSnapshot struct {
	FlowID             string         `json:"flow_id"`
	ExecutionID        string         `json:"execution_id"`
	CurrentStage       Stage          `json:"current_stage"`
	CompletedStages    []Stage        `json:"completed_stages"`
	ExecutionHistory   []Transition   `json:"execution_history"`
	RetryCount         map[Stage]int  `json:"retry_count"`
	CircuitBreakerOpen map[Stage]bool `json:"circuit_breaker_open"`
	StageOutputs       map[Stage]any  `json:"stage_outputs,omitempty"`
	Input              any            `json:"input,omitempty"`
	MaxStageExecutions int            `json:"max_stage_executions"`
	StageLimits        map[Stage]int  `json:"stage_limits,omitempty"`
	StartTime          time.Time      `json:"start_time"`
	Status             FlowStatus     `json:"status"`
}

// SnapshotStateClass checkpoint 中记录的状态类型名
const SnapshotStateClass = "FlowSnapshot"

// Snapshot 在读锁下复制当前状态
func (s *FlowState) Snapshot() FlowSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := FlowSnapshot{
		FlowID:             s.flowID,
		ExecutionID:        s.executionID,
		CurrentStage:       s.currentStage,
		CompletedStages:    sortedStages(s.completedStages),
		ExecutionHistory:   make([]Transition, len(s.history)),
		RetryCount:         make(map[Stage]int, len(s.retryCount)),
		CircuitBreakerOpen: make(map[Stage]bool, len(s.circuitOpen)),
		StageOutputs:       make(map[Stage]any, len(s.stageOutputs)),
		Input:              s.input,
		MaxStageExecutions: s.maxStageExecutions,
		StartTime:          s.startTime,
		Status:             s.status,
	}
	copy(snap.ExecutionHistory, s.history)
	if len(s.stageLimits) > 0 {
		snap.StageLimits = make(map[Stage]int, len(s.stageLimits))
		for k, v := range s.stageLimits {
			snap.StageLimits[k] = v
		}
	}
	for k, v := range s.retryCount {
		snap.RetryCount[k] = v
	}
	for k, v := range s.circuitOpen {
		snap.CircuitBreakerOpen[k] = v
	}
	for k, v := range s.stageOutputs {
		snap.StageOutputs[k] = v
	}
	return snap
}

// RestoreFlowState 从快照重建 FlowState，生成新的 execution ID
func RestoreFlowState(snap FlowSnapshot, logger *zap.Logger) *FlowState {
	s := NewFlowState(snap.FlowID, snap.MaxStageExecutions, logger)
	if !snap.StartTime.IsZero() {
		s.startTime = snap.StartTime
	}
	s.currentStage = snap.CurrentStage
	s.history = append([]Transition(nil), snap.ExecutionHistory...)
	s.input = snap.Input
	if snap.Status != "" {
		s.status = snap.Status
	}
	for _, st := range snap.CompletedStages {
		s.completedStages[st] = true
	}
	for k, v := range snap.RetryCount {
		s.retryCount[k] = v
	}
	for k, v := range snap.CircuitBreakerOpen {
		s.circuitOpen[k] = v
	}
	for k, v := range snap.StageOutputs {
		s.stageOutputs[k] = v
	}
	for k, v := range snap.StageLimits {
		s.SetStageLimit(k, v)
	}
	return s
}

func sortedStages(set map[Stage]bool) []Stage {
	out := make([]Stage, 0, len(set))
	for st, ok := range set {
		if ok {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order() < out[j].Order() })
	return out
}
