package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，一次只允许一个试探调用
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后距最后一次失败多久进入半开
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// CircuitBreakerEvent 熔断器状态变更事件
type CircuitBreakerEvent struct {
	FlowID    string       `json:"flow_id"`
	Stage     Stage        `json:"stage"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler 事件处理器接口
type CircuitBreakerEventHandler interface {
	OnStateChange(event CircuitBreakerEvent)
}

// CircuitBreakerStatus GetStatus 返回的快照
type CircuitBreakerStatus struct {
	FlowID          string    `json:"flow_id"`
	Stage           Stage     `json:"stage"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TotalCalls      int64     `json:"total_calls"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalFailures   int64     `json:"total_failures"`
	Rejections      int64     `json:"rejections"`
	SuccessRate     float64   `json:"success_rate"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker 单个 (flow, stage) 的熔断器
type CircuitBreaker struct {
	flowID string
	stage  Stage
	config CircuitBreakerConfig

	state           CircuitState
	failures        int // 连续失败次数
	successes       int // 半开状态下连续成功次数
	lastFailureTime time.Time
	trialInFlight   bool

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	rejections     int64

	pending  []CircuitBreakerEvent
	onChange func(CircuitBreakerEvent)
	now      func() time.Time
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(
	flowID string,
	stage Stage,
	config CircuitBreakerConfig,
	eventHandler CircuitBreakerEventHandler,
	logger *zap.Logger,
) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		flowID: flowID,
		stage:  stage,
		config: config.normalized(),
		state:  CircuitClosed,
		now:    time.Now,
		logger: logger.With(
			zap.String("component", "circuit_breaker"),
			zap.String("flow_id", flowID),
			zap.String("stage", string(stage)),
		),
	}
	if eventHandler != nil {
		cb.onChange = eventHandler.OnStateChange
	}
	return cb
}

// Stage 返回熔断器保护的阶段
func (cb *CircuitBreaker) Stage() Stage { return cb.stage }

// Call 通过熔断器执行 fn。
// 被拒绝时返回 *CircuitOpenError 且不调用 fn；fn 的错误原样返回。
// 上下文取消不计入失败次数。
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	trial, err := cb.acquire()
	if err != nil {
		return nil, err
	}

	result, callErr := fn(ctx)

	switch {
	case callErr == nil:
		cb.recordSuccess(trial)
	case errors.Is(callErr, context.Canceled):
		cb.release(trial)
	default:
		cb.recordFailure(trial)
	}
	return result, callErr
}

// CallTyped 是 Call 的泛型封装
func CallTyped[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := cb.Call(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}

// acquire 判断是否放行；半开状态下放行的调用即为试探调用
func (cb *CircuitBreaker) acquire() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.flush()

	if cb.state == CircuitOpen {
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed > cb.config.RecoveryTimeout {
			cb.successes = 0
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
		} else {
			cb.rejections++
			return false, &CircuitOpenError{
				Stage:      cb.stage,
				State:      CircuitOpen,
				Failures:   cb.failures,
				RetryAfter: cb.config.RecoveryTimeout - elapsed,
			}
		}
	}

	if cb.state == CircuitHalfOpen {
		if cb.trialInFlight {
			cb.rejections++
			return false, &CircuitOpenError{Stage: cb.stage, State: CircuitHalfOpen, Failures: cb.failures}
		}
		cb.trialInFlight = true
		trial = true
	}

	cb.totalCalls++
	return trial, nil
}

func (cb *CircuitBreaker) recordSuccess(trial bool) {
	cb.mu.Lock()
	defer cb.flush()

	cb.totalSuccesses++
	if trial {
		cb.trialInFlight = false
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure(trial bool) {
	cb.mu.Lock()
	defer cb.flush()

	cb.totalFailures++
	cb.failures++
	cb.lastFailureTime = cb.now()
	if trial {
		cb.trialInFlight = false
	}

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

func (cb *CircuitBreaker) release(trial bool) {
	cb.mu.Lock()
	defer cb.flush()
	if trial {
		cb.trialInFlight = false
	}
}

// GetState 获取当前状态（不触发 Open -> HalfOpen）
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStatus 返回计数与状态快照
func (cb *CircuitBreaker) GetStatus() CircuitBreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	rate := 1.0
	if done := cb.totalSuccesses + cb.totalFailures; done > 0 {
		rate = float64(cb.totalSuccesses) / float64(done)
	}
	return CircuitBreakerStatus{
		FlowID:          cb.flowID,
		Stage:           cb.stage,
		State:           cb.state.String(),
		FailureCount:    cb.failures,
		SuccessCount:    cb.successes,
		TotalCalls:      cb.totalCalls,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		Rejections:      cb.rejections,
		SuccessRate:     rate,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.flush()

	cb.failures = 0
	cb.successes = 0
	cb.trialInFlight = false
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
}

// transitionTo 状态转换（必须在锁内调用），事件在解锁后派发
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.pending = append(cb.pending, CircuitBreakerEvent{
		FlowID:    cb.flowID,
		Stage:     cb.stage,
		OldState:  oldState,
		NewState:  newState,
		Timestamp: cb.now(),
		Reason:    reason,
		Failures:  cb.failures,
	})
}

// flush 释放锁并同步派发积压的状态变更事件
func (cb *CircuitBreaker) flush() {
	events := cb.pending
	cb.pending = nil
	handler := cb.onChange
	cb.mu.Unlock()

	if handler == nil {
		return
	}
	for _, ev := range events {
		handler(ev)
	}
}

// CircuitBreakerRegistry 熔断器注册表，按 (flow, stage) 管理熔断器
type CircuitBreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       CircuitBreakerConfig
	overrides    map[Stage]CircuitBreakerConfig
	eventHandler CircuitBreakerEventHandler
	flowHandlers map[string]CircuitBreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewCircuitBreakerRegistry 创建熔断器注册表
func NewCircuitBreakerRegistry(
	config CircuitBreakerConfig,
	eventHandler CircuitBreakerEventHandler,
	logger *zap.Logger,
) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config.normalized(),
		overrides:    make(map[Stage]CircuitBreakerConfig),
		eventHandler: eventHandler,
		flowHandlers: make(map[string]CircuitBreakerEventHandler),
		logger:       logger,
	}
}

// SetStageConfig 为某阶段设置独立阈值（例如付费外部调用使用更低阈值）。
// 只影响之后新创建的熔断器。
func (r *CircuitBreakerRegistry) SetStageConfig(stage Stage, config CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[stage] = config.normalized()
}

// ConfigFor 返回阶段生效的配置
func (r *CircuitBreakerRegistry) ConfigFor(stage Stage) CircuitBreakerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.overrides[stage]; ok {
		return c
	}
	return r.config
}

// SetFlowHandler 注册某个 flow 的状态变更处理器
func (r *CircuitBreakerRegistry) SetFlowHandler(flowID string, handler CircuitBreakerEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handler == nil {
		delete(r.flowHandlers, flowID)
		return
	}
	r.flowHandlers[flowID] = handler
}

func breakerKey(flowID string, stage Stage) string {
	return flowID + "/" + string(stage)
}

// GetOrCreate 获取或创建 (flow, stage) 的熔断器，每个 key 只创建一次
func (r *CircuitBreakerRegistry) GetOrCreate(flowID string, stage Stage) *CircuitBreaker {
	key := breakerKey(flowID, stage)

	r.mu.RLock()
	if cb, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cfg := r.config
	if c, ok := r.overrides[stage]; ok {
		cfg = c
	}
	cb := NewCircuitBreaker(flowID, stage, cfg, nil, r.logger)
	cb.onChange = r.dispatch
	r.breakers[key] = cb
	return cb
}

func (r *CircuitBreakerRegistry) dispatch(event CircuitBreakerEvent) {
	r.mu.RLock()
	flowHandler := r.flowHandlers[event.FlowID]
	global := r.eventHandler
	r.mu.RUnlock()

	if flowHandler != nil {
		flowHandler.OnStateChange(event)
	}
	if global != nil {
		global.OnStateChange(event)
	}
}

// GetFlowStatus 返回某个 flow 全部熔断器的状态
func (r *CircuitBreakerRegistry) GetFlowStatus(flowID string) map[Stage]CircuitBreakerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Stage]CircuitBreakerStatus)
	for _, cb := range r.breakers {
		if cb.flowID == flowID {
			out[cb.stage] = cb.GetStatus()
		}
	}
	return out
}

// GetAllStates 获取所有熔断器状态，key 为 "flow/stage"
func (r *CircuitBreakerRegistry) GetAllStates() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for id, cb := range r.breakers {
		states[id] = cb.GetState()
	}
	return states
}

// RemoveFlow 删除某个 flow 的全部熔断器与处理器
func (r *CircuitBreakerRegistry) RemoveFlow(flowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cb := range r.breakers {
		if cb.flowID == flowID {
			delete(r.breakers, key)
		}
	}
	delete(r.flowHandlers, flowID)
}

// ResetAll 重置所有熔断器
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
