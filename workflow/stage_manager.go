package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/contentflow/retry"
	"github.com/BaSui01/contentflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// StageManager: 阶段编排（熔断 + 重试 + 循环防护 + 事件 + checkpoint）
// =============================================================================

// StageConfig 单个阶段的覆盖配置
type StageConfig struct {
	Timeout        time.Duration
	Retry          *retry.Policy
	CircuitBreaker *CircuitBreakerConfig
	MaxExecutions  int
}

// ManagerConfig StageManager 配置
type ManagerConfig struct {
	MaxStageExecutions int
	// DefaultTimeout 阶段默认时间预算，0 表示不限制
	DefaultTimeout time.Duration
	Retry          *retry.Policy
	CircuitBreaker CircuitBreakerConfig
	LoopGuard      LoopGuardConfig
	Stages         map[Stage]StageConfig
	MaxEvents      int
	// CheckpointRetry 由 StageManager 额外施加的 checkpoint 写入重试，nil 表示只写一次
	CheckpointRetry *retry.Policy
	// HealthWindow 健康报告统计的最近事件数
	HealthWindow int
}

// DefaultManagerConfig 默认配置；research 与 draft_generation 调用付费外部服务，熔断阈值更低
func DefaultManagerConfig() ManagerConfig {
	external := DefaultCircuitBreakerConfig()
	external.FailureThreshold = 3
	return ManagerConfig{
		MaxStageExecutions: DefaultMaxStageExecutions,
		DefaultTimeout:     5 * time.Minute,
		Retry:              retry.DefaultPolicy(),
		CircuitBreaker:     DefaultCircuitBreakerConfig(),
		LoopGuard:          DefaultLoopGuardConfig(),
		Stages: map[Stage]StageConfig{
			StageResearch:        {CircuitBreaker: &external},
			StageDraftGeneration: {CircuitBreaker: &external},
		},
		MaxEvents:    DefaultMaxEvents,
		HealthWindow: 50,
	}
}

func (c ManagerConfig) normalized() ManagerConfig {
	if c.MaxStageExecutions <= 0 {
		c.MaxStageExecutions = DefaultMaxStageExecutions
	}
	if c.Retry == nil {
		c.Retry = retry.DefaultPolicy()
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = 50
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	c.CircuitBreaker = c.CircuitBreaker.normalized()
	return c
}

// StageInput 传给阶段 worker 的输入
type StageInput struct {
	FlowID  string
	Stage   Stage
	Input   any
	Outputs map[Stage]any
	// Attempt 该阶段的第几次进入（从 1 开始）
	Attempt int
}

// StageFunc 阶段 worker
type StageFunc func(ctx context.Context, in StageInput) (any, error)

// StageExecution StartStage 返回的执行句柄
type StageExecution struct {
	ID        string
	FlowID    string
	Stage     Stage
	StartedAt time.Time
	Timeout   time.Duration
	Attempt   int
}

// Deadline 返回时间预算截止时间；无预算时 ok 为 false
func (e *StageExecution) Deadline() (time.Time, bool) {
	if e.Timeout <= 0 {
		return time.Time{}, false
	}
	return e.StartedAt.Add(e.Timeout), true
}

// TimeoutStatus 执行中阶段的超时状态
type TimeoutStatus struct {
	Stage       Stage         `json:"stage"`
	ExecutionID string        `json:"execution_id"`
	StartedAt   time.Time     `json:"started_at"`
	Elapsed     time.Duration `json:"elapsed"`
	Timeout     time.Duration `json:"timeout"`
	Exceeded    bool          `json:"exceeded"`
}

// TimelineEntry 一次阶段执行的时间跨度
type TimelineEntry struct {
	ExecutionID  string        `json:"execution_id"`
	Stage        Stage         `json:"stage"`
	Status       string        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
	Duration     time.Duration `json:"duration"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
	Error        string        `json:"error,omitempty"`
}

const timelineRunning = "running"

// metaRecoveredExecution 降级完成事件中指向被恢复的失败执行
const metaRecoveredExecution = "recovered_execution"

type stageStats struct {
	executions    int
	successes     int
	failures      int
	skips         int
	totalDuration time.Duration
	maxDuration   time.Duration
	minDuration   time.Duration
	lastError     string
}

func (s *stageStats) record(outcome Outcome, d time.Duration, err error) {
	if outcome == OutcomeSkipped {
		s.skips++
		return
	}
	s.executions++
	s.totalDuration += d
	if d > s.maxDuration {
		s.maxDuration = d
	}
	if s.minDuration == 0 || d < s.minDuration {
		s.minDuration = d
	}
	if outcome == OutcomeSucceeded {
		s.successes++
		return
	}
	s.failures++
	if err != nil {
		s.lastError = err.Error()
	}
}

// ManagerOption StageManager 选项
type ManagerOption func(*StageManager)

// WithManagerLogger 设置日志
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *StageManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCheckpointer 设置 checkpoint 存储；未设置时不写 checkpoint
func WithCheckpointer(c Checkpointer) ManagerOption {
	return func(m *StageManager) { m.checkpointer = c }
}

// WithManagerMetrics 设置指标记录器
func WithManagerMetrics(r MetricsRecorder) ManagerOption {
	return func(m *StageManager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithCircuitBreakers 使用共享的熔断器注册表
func WithCircuitBreakers(r *CircuitBreakerRegistry) ManagerOption {
	return func(m *StageManager) { m.breakers = r }
}

// WithLoopGuard 使用外部创建的循环防护
func WithLoopGuard(g *LoopGuard) ManagerOption {
	return func(m *StageManager) { m.guard = g }
}

// StageManager 驱动单个 flow 的阶段执行，独占该 flow 的 FlowState
type StageManager struct {
	state        *FlowState
	config       ManagerConfig
	events       *EventLog
	breakers     *CircuitBreakerRegistry
	retrier      *RetryExecutor
	guard        *LoopGuard
	checkpointer Checkpointer
	metrics      MetricsRecorder
	logger       *zap.Logger
	now          func() time.Time

	mu        sync.Mutex
	active    map[Stage]*StageExecution
	timeline  []TimelineEntry
	timelineX map[string]int
	stats     map[Stage]*stageStats
	closed    bool

	cpMu    sync.Mutex
	pending *errgroup.Group
}

// NewStageManager 为 state 创建 StageManager
func NewStageManager(state *FlowState, config ManagerConfig, opts ...ManagerOption) *StageManager {
	config = config.normalized()
	if state == nil {
		state = NewFlowState("", config.MaxStageExecutions, nil)
	}
	m := &StageManager{
		state:     state,
		config:    config,
		events:    NewEventLog(config.MaxEvents),
		metrics:   NopMetrics(),
		logger:    zap.NewNop(),
		now:       time.Now,
		active:    make(map[Stage]*StageExecution),
		timelineX: make(map[string]int),
		stats:     make(map[Stage]*stageStats),
	}
	for _, opt := range opts {
		opt(m)
	}

	flowID := state.FlowID()
	m.logger = m.logger.With(zap.String("component", "stage_manager"), zap.String("flow_id", flowID))

	if m.breakers == nil {
		m.breakers = NewCircuitBreakerRegistry(config.CircuitBreaker, nil, m.logger)
	}
	m.breakers.SetFlowHandler(flowID, m)

	m.retrier = NewRetryExecutor(state, config.Retry, m.logger)
	m.retrier.SetMetrics(m.metrics)
	m.retrier.OnRetry(m.onRetry)

	if m.guard == nil {
		m.guard = NewLoopGuard(flowID, config.LoopGuard, m.logger)
	}
	m.guard.SetMetrics(m.metrics)
	m.guard.OnRisk(m.onLoopRisk)

	for stage, sc := range config.Stages {
		if sc.CircuitBreaker != nil {
			m.breakers.SetStageConfig(stage, *sc.CircuitBreaker)
		}
		if sc.Retry != nil {
			m.retrier.SetStagePolicy(stage, sc.Retry)
		}
		if sc.MaxExecutions > 0 {
			state.SetStageLimit(stage, sc.MaxExecutions)
		}
	}
	return m
}

// FlowID 返回 flow ID
func (m *StageManager) FlowID() string { return m.state.FlowID() }

// State 返回 FlowState
func (m *StageManager) State() *FlowState { return m.state }

// LoopGuard 返回循环防护
func (m *StageManager) LoopGuard() *LoopGuard { return m.guard }

// CircuitBreakers 返回熔断器注册表
func (m *StageManager) CircuitBreakers() *CircuitBreakerRegistry { return m.breakers }

// RetryExecutor 返回重试执行器
func (m *StageManager) RetryExecutor() *RetryExecutor { return m.retrier }

// Config 返回生效配置
func (m *StageManager) Config() ManagerConfig { return m.config }

func (m *StageManager) timeoutFor(stage Stage) time.Duration {
	if sc, ok := m.config.Stages[stage]; ok && sc.Timeout > 0 {
		return sc.Timeout
	}
	return m.config.DefaultTimeout
}

func (m *StageManager) emit(ev ExecutionEvent) ExecutionEvent {
	ev.FlowID = m.state.FlowID()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	return m.events.Append(ev)
}

// StartStage 开始执行阶段，使用配置的时间预算
func (m *StageManager) StartStage(ctx context.Context, stage Stage) (*StageExecution, error) {
	return m.startStage(ctx, stage, m.timeoutFor(stage))
}

// StartStageWithTimeout 开始执行阶段并指定时间预算
func (m *StageManager) StartStageWithTimeout(ctx context.Context, stage Stage, timeout time.Duration) (*StageExecution, error) {
	return m.startStage(ctx, stage, timeout)
}

// startStage 等待上一个 checkpoint 落盘后做阶段转换。
// 同一阶段已在执行时立即返回 ErrStageInProgress，不排队。
func (m *StageManager) startStage(ctx context.Context, stage Stage, timeout time.Duration) (*StageExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.FlushCheckpoints(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("stage manager for flow %s is closed", m.state.FlowID())
	}
	if _, busy := m.active[stage]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStageInProgress, stage)
	}
	if err := m.state.Transition(stage, "start "+string(stage)); err != nil {
		m.mu.Unlock()
		var loopErr *LoopPreventionError
		if errors.As(err, &loopErr) {
			m.metrics.RecordLoopViolation("stage_ceiling")
			m.logger.Warn("stage execution ceiling reached",
				zap.String("stage", string(stage)),
				zap.Int("limit", loopErr.Limit))
		}
		return nil, err
	}

	exec := &StageExecution{
		ID:        uuid.New().String(),
		FlowID:    m.state.FlowID(),
		Stage:     stage,
		StartedAt: m.now(),
		Timeout:   timeout,
		Attempt:   m.state.StageExecutionCount(stage),
	}
	m.active[stage] = exec
	m.timelineX[exec.ID] = len(m.timeline)
	m.timeline = append(m.timeline, TimelineEntry{
		ExecutionID: exec.ID,
		Stage:       stage,
		Status:      timelineRunning,
		StartedAt:   exec.StartedAt,
	})
	m.mu.Unlock()

	m.emit(ExecutionEvent{
		Type:      EventStageStarted,
		Stage:     stage,
		Timestamp: exec.StartedAt,
		Metadata: map[string]any{
			"execution_id": exec.ID,
			"attempt":      exec.Attempt,
			"timeout":      timeout.String(),
		},
	})
	m.logger.Debug("stage started", zap.String("stage", string(stage)), zap.Int("attempt", exec.Attempt))
	return exec, nil
}

// CompleteStage 结束阶段执行：校验句柄、记录耗时与事件、更新 FlowState；
// 成功时异步写入一个 checkpoint，下一次 StartStage 前等待其完成。
func (m *StageManager) CompleteStage(ctx context.Context, exec *StageExecution, result StageResult) error {
	if exec == nil {
		return ErrNotStarted
	}

	m.mu.Lock()
	cur, ok := m.active[exec.Stage]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStarted, exec.Stage)
	}
	if cur != exec {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandleMismatch, exec.Stage)
	}
	delete(m.active, exec.Stage)

	if err := result.Validate(); err != nil {
		result = Failed(exec.Stage, err)
	}
	result.Stage = exec.Stage
	result.StartedAt = exec.StartedAt
	result.Duration = m.now().Sub(exec.StartedAt)

	st := m.statsLocked(exec.Stage)
	st.record(result.Outcome(), result.Duration, result.Err)
	if i, ok := m.timelineX[exec.ID]; ok {
		entry := &m.timeline[i]
		entry.Status = string(result.Outcome())
		entry.EndedAt = exec.StartedAt.Add(result.Duration)
		entry.Duration = result.Duration
		entry.FallbackUsed = result.FallbackUsed
		if result.Err != nil {
			entry.Error = result.Err.Error()
		}
	}
	m.mu.Unlock()

	m.metrics.RecordStageExecution(string(exec.Stage), string(result.Outcome()), result.Duration)
	meta := map[string]any{"execution_id": exec.ID, "attempt": exec.Attempt}

	switch result.Outcome() {
	case OutcomeSucceeded:
		m.state.MarkCompleted(exec.Stage, result.Payload)
		meta["fallback_used"] = result.FallbackUsed
		m.emit(ExecutionEvent{Type: EventStageCompleted, Stage: exec.Stage, Duration: result.Duration, Metadata: meta})
		m.logger.Info("stage completed",
			zap.String("stage", string(exec.Stage)),
			zap.Duration("duration", result.Duration),
			zap.Bool("fallback_used", result.FallbackUsed))
		m.scheduleCheckpoint(ctx, exec.Stage)

	case OutcomeSkipped:
		meta["reason"] = result.SkipReason
		m.emit(ExecutionEvent{Type: EventStageSkipped, Stage: exec.Stage, Duration: result.Duration, Metadata: meta})

	case OutcomeFailed:
		var timeoutErr *StageTimeoutError
		if errors.As(result.Err, &timeoutErr) {
			m.emit(ExecutionEvent{Type: EventStageTimeout, Stage: exec.Stage, Duration: result.Duration, Error: result.Err.Error(), Metadata: meta})
		}
		meta["error_type"] = types.TypeName(result.Err)
		meta["circuit_open"] = IsCircuitOpen(result.Err)
		m.emit(ExecutionEvent{Type: EventStageFailed, Stage: exec.Stage, Duration: result.Duration, Error: result.Err.Error(), Metadata: meta})
		m.logger.Warn("stage failed",
			zap.String("stage", string(exec.Stage)),
			zap.Duration("duration", result.Duration),
			zap.Error(result.Err))
	}
	return nil
}

// CompleteStageWithTimeoutCheck 与 CompleteStage 相同，但超过时间预算的执行以
// *StageTimeoutError 记为失败。返回实际记录的结果。
func (m *StageManager) CompleteStageWithTimeoutCheck(ctx context.Context, exec *StageExecution, result StageResult) (StageResult, error) {
	if exec != nil && exec.Timeout > 0 {
		if elapsed := m.now().Sub(exec.StartedAt); elapsed > exec.Timeout {
			var timeoutErr *StageTimeoutError
			if !errors.As(result.Err, &timeoutErr) {
				result = Failed(exec.Stage, &StageTimeoutError{Stage: exec.Stage, Timeout: exec.Timeout, Elapsed: elapsed})
			}
		}
	}
	if err := m.CompleteStage(ctx, exec, result); err != nil {
		return result, err
	}
	result.StartedAt = exec.StartedAt
	result.Duration = m.now().Sub(exec.StartedAt)
	return result, nil
}

// GetTimeoutStatus 列出执行中阶段的超时状态，按开始时间排序
func (m *StageManager) GetTimeoutStatus() []TimeoutStatus {
	now := m.now()
	m.mu.Lock()
	out := make([]TimeoutStatus, 0, len(m.active))
	for _, exec := range m.active {
		elapsed := now.Sub(exec.StartedAt)
		out = append(out, TimeoutStatus{
			Stage:       exec.Stage,
			ExecutionID: exec.ID,
			StartedAt:   exec.StartedAt,
			Elapsed:     elapsed,
			Timeout:     exec.Timeout,
			Exceeded:    exec.Timeout > 0 && elapsed > exec.Timeout,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ForceFailTimedOut 将所有超时的执行记为失败，返回被处理的阶段。
// worker 之后再提交结果会得到 ErrNotStarted。
func (m *StageManager) ForceFailTimedOut(ctx context.Context) []Stage {
	now := m.now()
	m.mu.Lock()
	var expired []*StageExecution
	for _, exec := range m.active {
		if exec.Timeout > 0 && now.Sub(exec.StartedAt) > exec.Timeout {
			expired = append(expired, exec)
		}
	}
	m.mu.Unlock()

	var failed []Stage
	for _, exec := range expired {
		err := &StageTimeoutError{Stage: exec.Stage, Timeout: exec.Timeout, Elapsed: now.Sub(exec.StartedAt)}
		if m.CompleteStage(ctx, exec, Failed(exec.Stage, err)) == nil {
			failed = append(failed, exec.Stage)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Order() < failed[j].Order() })
	return failed
}

// ExecuteStage 以阶段名作为方法名执行阶段
func (m *StageManager) ExecuteStage(ctx context.Context, stage Stage, fn StageFunc) StageResult {
	return m.ExecuteMethod(ctx, string(stage), stage, fn)
}

// ExecuteMethod 完整执行一次阶段：
// StartStage → LoopGuard.TrackExecution → breaker(retry(fn)) → CompleteStageWithTimeoutCheck。
// worker 调用期间不持有任何 FlowState 锁。
func (m *StageManager) ExecuteMethod(ctx context.Context, method string, stage Stage, fn StageFunc) StageResult {
	if fn == nil {
		return Failed(stage, fmt.Errorf("%w: %s", ErrNoWorker, stage))
	}
	exec, err := m.StartStage(ctx, stage)
	if err != nil {
		return Failed(stage, err)
	}

	in := StageInput{
		FlowID:  exec.FlowID,
		Stage:   stage,
		Input:   m.state.Input(),
		Outputs: m.state.Outputs(),
		Attempt: exec.Attempt,
	}

	handle, err := m.guard.TrackExecution(method, stage, in.Input)
	if err != nil {
		res, _ := m.CompleteStageWithTimeoutCheck(ctx, exec, Failed(stage, err))
		return res
	}
	defer func() {
		if err := m.guard.CompleteExecution(handle); err != nil {
			m.logger.Debug("loop guard record not closed", zap.Error(err))
		}
	}()

	callCtx := ctx
	if exec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, exec.Timeout)
		defer cancel()
	}

	breaker := m.breakers.GetOrCreate(exec.FlowID, stage)
	payload, callErr := breaker.Call(callCtx, func(ctx context.Context) (any, error) {
		return m.retrier.RetrySync(ctx, func(ctx context.Context) (out any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("stage %s worker panicked: %v", stage, r)
				}
			}()
			return fn(ctx, in)
		}, stage)
	})

	var result StageResult
	switch {
	case callErr == nil:
		result = Succeeded(stage, payload)
	case IsCircuitOpen(callErr):
		m.metrics.RecordCircuitRejection(string(stage))
		result = Failed(stage, callErr)
	case errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil && exec.Timeout > 0:
		result = Failed(stage, &StageTimeoutError{Stage: stage, Timeout: exec.Timeout, Elapsed: m.now().Sub(exec.StartedAt)})
	default:
		result = Failed(stage, callErr)
	}

	res, err := m.CompleteStageWithTimeoutCheck(ctx, exec, result)
	if err != nil {
		// 句柄已被 ForceFailTimedOut 结束
		m.logger.Warn("stage result discarded", zap.String("stage", string(stage)), zap.Error(err))
		return Failed(stage, &StageTimeoutError{Stage: stage, Timeout: exec.Timeout, Elapsed: m.now().Sub(exec.StartedAt)})
	}
	return res
}

// ApplyFallback 失败阶段使用降级值：标记完成、记录事件并写入 checkpoint。
// 最近一次以 cause 失败的执行改记为成功（FallbackUsed），统计与健康报告只计一次。
func (m *StageManager) ApplyFallback(ctx context.Context, stage Stage, payload any, cause error) StageResult {
	res := Failed(stage, cause).WithFallback(payload)
	m.state.MarkCompleted(stage, payload)

	meta := map[string]any{"fallback_used": true}
	m.mu.Lock()
	for i := len(m.timeline) - 1; i >= 0; i-- {
		entry := &m.timeline[i]
		if entry.Stage != stage {
			continue
		}
		if entry.Status == string(OutcomeFailed) && entry.Error == errString(cause) {
			entry.Status = string(OutcomeSucceeded)
			entry.FallbackUsed = true
			st := m.statsLocked(stage)
			st.failures--
			st.successes++
			meta[metaRecoveredExecution] = entry.ExecutionID
		}
		break
	}
	m.mu.Unlock()

	m.emit(ExecutionEvent{
		Type:     EventStageCompleted,
		Stage:    stage,
		Error:    errString(cause),
		Metadata: meta,
	})
	m.logger.Warn("stage completed with fallback", zap.String("stage", string(stage)), zap.Error(cause))
	m.scheduleCheckpoint(ctx, stage)
	return res
}

// RecordSkip 记录被执行链条件跳过的阶段，不做阶段转换
func (m *StageManager) RecordSkip(stage Stage, reason string) StageResult {
	now := m.now()
	m.mu.Lock()
	m.statsLocked(stage).record(OutcomeSkipped, 0, nil)
	m.timeline = append(m.timeline, TimelineEntry{
		ExecutionID: uuid.New().String(),
		Stage:       stage,
		Status:      string(OutcomeSkipped),
		StartedAt:   now,
		EndedAt:     now,
	})
	m.mu.Unlock()

	m.metrics.RecordStageExecution(string(stage), string(OutcomeSkipped), 0)
	m.emit(ExecutionEvent{Type: EventStageSkipped, Stage: stage, Timestamp: now, Metadata: map[string]any{"reason": reason}})
	m.logger.Debug("stage skipped", zap.String("stage", string(stage)), zap.String("reason", reason))
	return Skipped(stage, reason)
}

func (m *StageManager) statsLocked(stage Stage) *stageStats {
	st, ok := m.stats[stage]
	if !ok {
		st = &stageStats{}
		m.stats[stage] = st
	}
	return st
}

// scheduleCheckpoint 在当前状态快照上异步写入 checkpoint
func (m *StageManager) scheduleCheckpoint(ctx context.Context, stage Stage) {
	if m.checkpointer == nil {
		return
	}
	snap := m.state.Snapshot()
	flowID := snap.FlowID
	writeCtx := context.WithoutCancel(ctx)

	m.cpMu.Lock()
	defer m.cpMu.Unlock()
	if m.pending == nil {
		m.pending = new(errgroup.Group)
	}
	m.pending.Go(func() error {
		start := m.now()
		var cpID string
		write := func() error {
			cp, err := m.checkpointer.SaveCheckpoint(writeCtx, flowID, string(stage), snap)
			if err == nil {
				cpID = cp.ID
			}
			return err
		}
		var err error
		if m.config.CheckpointRetry != nil {
			err = retry.NewBackoffRetryer(m.config.CheckpointRetry, m.logger).Do(writeCtx, write)
		} else {
			err = write()
		}
		elapsed := m.now().Sub(start)
		m.metrics.RecordCheckpointWrite(err == nil, elapsed)

		if err != nil {
			m.emit(ExecutionEvent{Type: EventCheckpointFailed, Stage: stage, Duration: elapsed, Error: err.Error()})
			m.logger.Error("checkpoint write failed", zap.String("stage", string(stage)), zap.Error(err))
			return types.NewError(types.ErrCheckpointFailed, "checkpoint write failed").
				WithCause(err).
				WithStage(string(stage))
		}
		m.emit(ExecutionEvent{
			Type:     EventCheckpointSaved,
			Stage:    stage,
			Duration: elapsed,
			Metadata: map[string]any{"checkpoint_id": cpID},
		})
		return nil
	})
}

// FlushCheckpoints 等待所有已调度的 checkpoint 写入完成
func (m *StageManager) FlushCheckpoints() error {
	m.cpMu.Lock()
	defer m.cpMu.Unlock()
	if m.pending == nil {
		return nil
	}
	err := m.pending.Wait()
	m.pending = nil
	return err
}

// TransitionToError 将 flow 转入 Error 阶段
func (m *StageManager) TransitionToError(reason string) error {
	if m.state.CurrentStage() == StageError {
		return nil
	}
	if err := m.state.Transition(StageError, reason); err != nil {
		return err
	}
	m.logger.Warn("flow moved to error stage", zap.String("reason", reason))
	return nil
}

// MarkFlowCompleted 标记 flow 完成并归档，归档后删除该 flow 的全部 checkpoint
func (m *StageManager) MarkFlowCompleted(ctx context.Context) error {
	if err := m.FlushCheckpoints(); err != nil {
		return err
	}
	m.state.SetStatus(FlowStatusCompleted)
	elapsed := m.now().Sub(m.state.StartTime())

	if m.checkpointer != nil {
		if _, err := m.checkpointer.ArchiveCompleted(ctx, m.state.FlowID(), m.state.Outputs()); err != nil {
			return fmt.Errorf("archive completed flow: %w", err)
		}
	}
	m.metrics.RecordFlowOutcome(string(FlowStatusCompleted), elapsed)
	m.emit(ExecutionEvent{
		Type:     EventFlowCompleted,
		Stage:    m.state.CurrentStage(),
		Duration: elapsed,
		Metadata: map[string]any{"completed_stages": len(m.state.CompletedStages())},
	})
	m.logger.Info("flow completed", zap.Duration("duration", elapsed))
	return nil
}

// MarkFlowFailed 转入 Error 阶段并写入失败归档（含 {type, message, stage}）
func (m *StageManager) MarkFlowFailed(ctx context.Context, cause error, stage Stage) error {
	if flushErr := m.FlushCheckpoints(); flushErr != nil {
		m.logger.Warn("pending checkpoint failed before archiving", zap.Error(flushErr))
	}
	if err := m.TransitionToError(errString(cause)); err != nil {
		return err
	}
	m.state.SetStatus(FlowStatusFailed)
	elapsed := m.now().Sub(m.state.StartTime())

	var archiveErr error
	if m.checkpointer != nil {
		if _, err := m.checkpointer.ArchiveFailed(ctx, m.state.FlowID(), cause, string(stage)); err != nil {
			archiveErr = fmt.Errorf("archive failed flow: %w", err)
		}
	}
	m.metrics.RecordFlowOutcome(string(FlowStatusFailed), elapsed)
	m.emit(ExecutionEvent{
		Type:     EventFlowFailed,
		Stage:    stage,
		Duration: elapsed,
		Error:    errString(cause),
		Metadata: map[string]any{"error_type": types.TypeName(cause)},
	})
	m.logger.Error("flow failed",
		zap.String("stage", string(stage)),
		zap.String("error_type", types.TypeName(cause)),
		zap.Error(cause))
	return archiveErr
}

// Close 等待 checkpoint 写入并释放该 flow 的熔断器
func (m *StageManager) Close() error {
	err := m.FlushCheckpoints()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.breakers.RemoveFlow(m.state.FlowID())
	return err
}

// OnStateChange 实现 CircuitBreakerEventHandler
func (m *StageManager) OnStateChange(event CircuitBreakerEvent) {
	m.state.SetCircuitOpen(event.Stage, event.NewState == CircuitOpen)
	m.metrics.RecordCircuitTransition(string(event.Stage), event.OldState.String(), event.NewState.String())
	m.emit(ExecutionEvent{
		Type:      EventCircuitStateChanged,
		Stage:     event.Stage,
		Timestamp: event.Timestamp,
		Metadata: map[string]any{
			"old_state": event.OldState.String(),
			"new_state": event.NewState.String(),
			"reason":    event.Reason,
			"failures":  event.Failures,
		},
	})
}

func (m *StageManager) onRetry(stage Stage, attempt int, err error, delay time.Duration) {
	m.emit(ExecutionEvent{
		Type:  EventStageRetry,
		Stage: stage,
		Error: errString(err),
		Metadata: map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
		},
	})
}

func (m *StageManager) onLoopRisk(risk LoopRisk) {
	m.emit(ExecutionEvent{
		Type:      EventLoopRisk,
		Stage:     risk.Stage,
		Timestamp: risk.DetectedAt,
		Metadata: map[string]any{
			"pattern": risk.Pattern,
			"method":  risk.Method,
			"detail":  risk.Detail,
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
