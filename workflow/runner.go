package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/contentflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TracerName Runner span 的 instrumentation 名称，telemetry 包复用同一值
const TracerName = "github.com/BaSui01/contentflow/workflow"

// InputValidator 在任何阶段开始前校验 flow 输入
type InputValidator func(input any) error

// DefaultInputValidator 输入不能为空；map 输入至少包含一个键
func DefaultInputValidator(input any) error {
	switch in := input.(type) {
	case nil:
		return &ValidationError{Field: "input", Message: "input is required"}
	case map[string]any:
		if len(in) == 0 {
			return &ValidationError{Field: "input", Message: "input is empty"}
		}
	case string:
		if in == "" {
			return &ValidationError{Field: "input", Message: "input is empty"}
		}
	}
	return nil
}

// FlowError 失败 flow 的错误描述
type FlowError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stage   Stage  `json:"stage"`
}

// FlowResult 驱动循环的最终报告
type FlowResult struct {
	FlowID          string        `json:"flow_id"`
	ExecutionID     string        `json:"execution_id"`
	Status          FlowStatus    `json:"status"`
	LastStage       Stage         `json:"last_stage"`
	Error           *FlowError    `json:"error,omitempty"`
	Cause           error         `json:"-"`
	Outputs         map[Stage]any `json:"outputs"`
	RetryCounts     map[Stage]int `json:"retry_counts"`
	CompletedStages []Stage       `json:"completed_stages"`
	Chain           ChainStatus   `json:"chain"`
	Duration        time.Duration `json:"duration"`
}

// RunnerOption Runner 选项
type RunnerOption func(*Runner)

// WithRunnerLogger 设置日志
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerMetrics 设置指标记录器
func WithRunnerMetrics(m MetricsRecorder) RunnerOption {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRunnerConfig 设置每个 flow 的 StageManager 配置
func WithRunnerConfig(cfg ManagerConfig) RunnerOption {
	return func(r *Runner) { r.config = cfg }
}

// WithFlowRegistry 运行期间将 StageManager 注册到 reg
func WithFlowRegistry(reg *FlowRegistry) RunnerOption {
	return func(r *Runner) { r.registry = reg }
}

// WithInputValidator 替换默认输入校验
func WithInputValidator(v InputValidator) RunnerOption {
	return func(r *Runner) {
		if v != nil {
			r.validate = v
		}
	}
}

// WithTracer 设置 tracer，默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithSharedBreakers 所有 flow 共用一个熔断器注册表（仍按 flow/stage 隔离）
func WithSharedBreakers(reg *CircuitBreakerRegistry) RunnerOption {
	return func(r *Runner) { r.breakers = reg }
}

// Runner 驱动循环：向执行链询问当前步骤，交给 StageManager 执行，
// 再根据结果决定下一步，直到完成或失败归档。
type Runner struct {
	chain    *ExecutionChain
	workers  map[Stage]StageFunc
	store    Checkpointer
	config   ManagerConfig
	registry *FlowRegistry
	breakers *CircuitBreakerRegistry
	validate InputValidator
	metrics  MetricsRecorder
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewRunner 创建 Runner；store 为 nil 时不写 checkpoint，也无法 Resume
func NewRunner(chain *ExecutionChain, workers map[Stage]StageFunc, store Checkpointer, opts ...RunnerOption) *Runner {
	if chain == nil {
		chain = DefaultContentChain()
	}
	r := &Runner{
		chain:    chain,
		workers:  make(map[Stage]StageFunc, len(workers)+2),
		store:    store,
		config:   DefaultManagerConfig(),
		validate: DefaultInputValidator,
		metrics:  NopMetrics(),
		tracer:   otel.Tracer(TracerName),
		logger:   zap.NewNop(),
	}
	for stage, fn := range workers {
		r.workers[stage] = fn
	}
	if _, ok := r.workers[StageInputValidation]; !ok {
		r.workers[StageInputValidation] = passInput
	}
	if _, ok := r.workers[StageFinalized]; !ok {
		r.workers[StageFinalized] = latestOutput
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "runner"))
	return r
}

func passInput(_ context.Context, in StageInput) (any, error) { return in.Input, nil }

// latestOutput 返回流水线中最靠后的阶段产出
func latestOutput(_ context.Context, in StageInput) (any, error) {
	var (
		best  Stage
		found bool
	)
	for stage := range in.Outputs {
		if !found || stage.Order() > best.Order() {
			best, found = stage, true
		}
	}
	if !found {
		return nil, nil
	}
	return in.Outputs[best], nil
}

// Chain 返回执行链模板
func (r *Runner) Chain() *ExecutionChain { return r.chain }

func (r *Runner) checkWorkers() error {
	for _, s := range r.chain.Steps() {
		if _, ok := r.workers[s.Stage]; !ok {
			return fmt.Errorf("%w: %s (step %s)", ErrNoWorker, s.Stage, s.Name)
		}
	}
	return nil
}

// flowRun 单次 flow 执行的上下文
type flowRun struct {
	mgr       *StageManager
	chain     *ExecutionChain
	lastStage Stage
	logger    *zap.Logger
}

func (r *Runner) newRun(state *FlowState) (*flowRun, error) {
	opts := []ManagerOption{
		WithManagerLogger(r.logger),
		WithManagerMetrics(r.metrics),
	}
	if r.store != nil {
		opts = append(opts, WithCheckpointer(r.store))
	}
	if r.breakers != nil {
		opts = append(opts, WithCircuitBreakers(r.breakers))
	}
	mgr := NewStageManager(state, r.config, opts...)
	if r.registry != nil {
		if err := r.registry.Register(mgr); err != nil {
			_ = mgr.Close()
			return nil, err
		}
	}
	return &flowRun{
		mgr:    mgr,
		chain:  r.chain.Clone(),
		logger: r.logger.With(zap.String("flow_id", state.FlowID())),
	}, nil
}

func (r *Runner) release(run *flowRun) {
	if r.registry != nil {
		r.registry.Unregister(run.mgr.FlowID())
	}
	if err := run.mgr.Close(); err != nil {
		run.logger.Warn("stage manager close", zap.Error(err))
	}
}

// Run 校验输入后从入口步骤驱动执行链。
// 失败的 flow 通过 FlowResult 报告；只有基础设施问题（缺少 worker、归档失败、ctx 取消）返回 error。
func (r *Runner) Run(ctx context.Context, flowID string, input any) (*FlowResult, error) {
	if err := r.checkWorkers(); err != nil {
		return nil, err
	}
	if v := r.chain.ValidateChainConfiguration(); !v.Valid {
		return nil, fmt.Errorf("invalid execution chain: %v", v.Errors)
	}

	state := NewFlowState(flowID, r.config.MaxStageExecutions, r.logger)
	state.SetInput(input)
	run, err := r.newRun(state)
	if err != nil {
		return nil, err
	}
	defer r.release(run)

	ctx, span := r.tracer.Start(ctx, "contentflow.flow", trace.WithAttributes(
		attribute.String("flow.id", state.FlowID()),
		attribute.String("flow.execution_id", state.ExecutionID()),
	))
	defer span.End()
	ctx = flowContext(ctx, span, state)

	r.metrics.IncActiveFlows()
	defer r.metrics.DecActiveFlows()

	if err := r.validate(input); err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			err = &ValidationError{Field: "input", Message: err.Error()}
		}
		run.logger.Warn("flow input rejected", zap.Error(err))
		return r.fail(ctx, span, run, err, StageInputValidation)
	}

	run.logger.Info("flow started", zap.String("entry", run.chain.Entry()))
	return r.drive(ctx, span, run, run.chain.Entry())
}

// Resume 从最新 checkpoint 恢复 FlowState，并从记录阶段之后的步骤继续
func (r *Runner) Resume(ctx context.Context, flowID string) (*FlowResult, error) {
	if err := r.checkWorkers(); err != nil {
		return nil, err
	}
	state, cp, err := RecoverFlowState(ctx, r.store, flowID, r.config.MaxStageExecutions, r.logger)
	if err != nil {
		return nil, err
	}
	run, err := r.newRun(state)
	if err != nil {
		return nil, err
	}
	defer r.release(run)

	ctx, span := r.tracer.Start(ctx, "contentflow.flow", trace.WithAttributes(
		attribute.String("flow.id", state.FlowID()),
		attribute.String("flow.execution_id", state.ExecutionID()),
		attribute.String("flow.resumed_from", cp.ID),
	))
	defer span.End()
	ctx = flowContext(ctx, span, state)

	r.metrics.IncActiveFlows()
	defer r.metrics.DecActiveFlows()

	for _, stage := range state.CompletedStages() {
		if s, ok := run.chain.StepForStage(stage); ok {
			run.chain.RecordStep(s.Name, StepSuccess, cp.ID, nil)
		}
	}

	cur := state.CurrentStage()
	run.lastStage = cur
	start := run.chain.Entry()
	if s, ok := run.chain.StepForStage(cur); ok {
		start = ""
		if next, ok := run.chain.NextAfter(s.Name, Succeeded(cur, nil)); ok {
			start = next
		}
	}
	run.logger.Info("flow resumed",
		zap.String("checkpoint", cp.ID),
		zap.String("stage", string(cur)),
		zap.String("next_step", start))
	return r.drive(ctx, span, run, start)
}

// RunBatch 并发执行多个互相独立的 flow（key 为 flow ID），concurrency <= 0 表示不限制
func (r *Runner) RunBatch(ctx context.Context, inputs map[string]any, concurrency int) (map[string]*FlowResult, error) {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		mu      sync.Mutex
		results = make(map[string]*FlowResult, len(inputs))
	)
	g := new(errgroup.Group)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, id := range ids {
		input := inputs[id]
		g.Go(func() error {
			res, err := r.Run(ctx, id, input)
			if res != nil {
				mu.Lock()
				results[id] = res
				mu.Unlock()
			}
			if err != nil {
				return fmt.Errorf("flow %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// drive 驱动循环
func (r *Runner) drive(ctx context.Context, span trace.Span, run *flowRun, start string) (*FlowResult, error) {
	mgr, chain := run.mgr, run.chain
	step := start

	for step != "" {
		if err := ctx.Err(); err != nil {
			return r.interrupted(span, run, err)
		}
		s, ok := chain.Step(step)
		if !ok {
			return r.fail(ctx, span, run, fmt.Errorf("%w: %s", ErrUnknownStep, step), run.lastStage)
		}

		if !chain.ShouldRun(step, mgr.State()) {
			res := mgr.RecordSkip(s.Stage, "condition not met for "+s.Name)
			chain.RecordStep(step, StepSkipped, "", nil)
			next, ok := chain.NextAfter(step, res)
			if !ok {
				break
			}
			step = next
			continue
		}

		run.lastStage = s.Stage
		res := r.executeStep(ctx, run, s)
		chain.RecordStep(step, StatusOf(res), snapshotRef(mgr.State(), res), res.Err)

		if res.IsFailed() {
			if ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
				return r.interrupted(span, run, ctx.Err())
			}
			if IsFatal(res.Err) {
				return r.fail(ctx, span, run, res.Err, s.Stage)
			}
			if !chain.ShouldContinueAfterFailure(step, res) {
				run.logger.Warn("critical step failed, halting chain", zap.String("step", step), zap.Error(res.Err))
				return r.fail(ctx, span, run, res.Err, s.Stage)
			}
			run.logger.Warn("optional step failed, continuing", zap.String("step", step), zap.Error(res.Err))
		}

		next, ok := chain.NextAfter(step, res)
		if !ok {
			break
		}
		step = next
	}

	if err := mgr.MarkFlowCompleted(ctx); err != nil {
		if types.IsErrorCode(err, types.ErrCheckpointFailed) {
			return r.fail(ctx, span, run, err, run.lastStage)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.result(run, nil), err
	}
	span.SetStatus(codes.Ok, "")
	return r.result(run, nil), nil
}

// flowContext worker 可通过 types.FlowID / types.ExecutionID / types.TraceID 读取
func flowContext(ctx context.Context, span trace.Span, state *FlowState) context.Context {
	ctx = types.WithFlowID(ctx, state.FlowID())
	ctx = types.WithExecutionID(ctx, state.ExecutionID())
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = types.WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx
}

// executeStep 执行单个步骤；非致命失败时尝试降级函数
func (r *Runner) executeStep(ctx context.Context, run *flowRun, s Step) StageResult {
	ctx, span := r.tracer.Start(ctx, "contentflow.stage", trace.WithAttributes(
		attribute.String("flow.id", run.mgr.FlowID()),
		attribute.String("stage", string(s.Stage)),
		attribute.String("step", s.Name),
		attribute.Bool("critical", s.Critical),
		attribute.Bool("strict", s.Strict),
	))
	defer span.End()
	ctx = types.WithStage(ctx, string(s.Stage))

	res := run.mgr.ExecuteMethod(ctx, s.Name, s.Stage, r.workers[s.Stage])

	if res.IsFailed() && s.AcceptsFallback() && !IsFatal(res.Err) && ctx.Err() == nil {
		payload, err := s.Fallback(run.mgr.State(), res.Err)
		if err == nil {
			res = run.mgr.ApplyFallback(ctx, s.Stage, payload, res.Err)
		} else {
			run.logger.Warn("fallback failed", zap.String("step", s.Name), zap.Error(err))
		}
	}

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome())),
		attribute.Bool("fallback_used", res.FallbackUsed),
		attribute.Int("retries", run.mgr.State().RetryCount(s.Stage)),
	)
	if res.IsFailed() {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, types.TypeName(res.Err))
	}
	return res
}

// fail 将 flow 送入 Error 阶段并写入失败归档
func (r *Runner) fail(ctx context.Context, span trace.Span, run *flowRun, cause error, stage Stage) (*FlowResult, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, types.TypeName(cause))

	run.lastStage = stage
	archiveErr := run.mgr.MarkFlowFailed(context.WithoutCancel(ctx), cause, stage)
	return r.result(run, cause), archiveErr
}

// interrupted ctx 取消：等待已调度的 checkpoint，不归档，flow 仍可 Resume
func (r *Runner) interrupted(span trace.Span, run *flowRun, err error) (*FlowResult, error) {
	if flushErr := run.mgr.FlushCheckpoints(); flushErr != nil {
		run.logger.Warn("checkpoint flush after cancellation", zap.Error(flushErr))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "interrupted")
	run.logger.Info("flow interrupted", zap.String("stage", string(run.lastStage)), zap.Error(err))
	return r.result(run, nil), err
}

func (r *Runner) result(run *flowRun, cause error) *FlowResult {
	state := run.mgr.State()
	res := &FlowResult{
		FlowID:          state.FlowID(),
		ExecutionID:     state.ExecutionID(),
		Status:          state.Status(),
		LastStage:       run.lastStage,
		Outputs:         state.Outputs(),
		RetryCounts:     state.RetryCounts(),
		CompletedStages: state.CompletedStages(),
		Chain:           run.chain.GetExecutionStatus(),
		Duration:        time.Since(state.StartTime()),
	}
	if res.LastStage == StageNone {
		res.LastStage = state.CurrentStage()
	}
	if cause != nil {
		res.Cause = cause
		res.Error = &FlowError{
			Type:    types.TypeName(cause),
			Message: cause.Error(),
			Stage:   run.lastStage,
		}
	}
	return res
}

// snapshotRef 执行日志中指向状态历史位置的引用
func snapshotRef(state *FlowState, res StageResult) string {
	if !res.IsSucceeded() {
		return ""
	}
	return string(res.Stage) + "@" + strconv.Itoa(len(state.History()))
}
