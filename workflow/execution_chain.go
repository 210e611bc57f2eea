package workflow

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// 默认内容执行链的步骤名
const (
	StepValidateInputs  = "ValidateInputs"
	StepConductResearch = "ConductResearch"
	StepAlignAudience   = "AlignAudience"
	StepGenerateDraft   = "GenerateDraft"
	StepValidateStyle   = "ValidateStyle"
	StepAssessQuality   = "AssessQuality"
	StepFinalize        = "Finalize"
)

// InputOriginalContent 输入中的标记：内容为原创时跳过调研
const InputOriginalContent = "original_content"

// FallbackFunc 步骤失败时提供降级值
type FallbackFunc func(view FlowView, cause error) (any, error)

// Step 执行链中的一个步骤
type Step struct {
	Name        string
	Stage       Stage
	Description string
	// Condition 返回 false 时跳过该步骤；nil 表示总是执行
	Condition     func(view FlowView) bool
	NextOnSuccess string
	// NextOnSkip 为空时使用 NextOnSuccess
	NextOnSkip string
	// NextOnFailure 非关键步骤失败后的去向，为空时使用 NextOnSuccess
	NextOnFailure string
	Critical      bool
	// Strict 关键步骤失败即终止，降级函数不参与
	Strict   bool
	Fallback FallbackFunc
}

// halts 失败后无论降级与否都终止 flow
func (s Step) halts() bool {
	return s.Critical && s.Strict
}

// AcceptsFallback 步骤失败时是否允许尝试降级函数
func (s Step) AcceptsFallback() bool {
	return s.Fallback != nil && !s.halts()
}

// StepStatus 执行日志中的步骤状态
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepSkipped StepStatus = "SKIPPED"
	StepFailed  StepStatus = "FAILED"
)

// ChainLogEntry 执行日志条目
type ChainLogEntry struct {
	Method      string     `json:"method"`
	Status      StepStatus `json:"status"`
	SnapshotRef string     `json:"state_snapshot_ref,omitempty"`
	Error       string     `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// ChainStatus GetExecutionStatus 的结果
type ChainStatus struct {
	TotalSteps         int             `json:"total_steps"`
	CompletedSteps     int             `json:"completed_steps"`
	FailedSteps        int             `json:"failed_steps"`
	SkippedSteps       int             `json:"skipped_steps"`
	ProgressPercentage float64         `json:"progress_percentage"`
	CurrentMethod      string          `json:"current_method,omitempty"`
	Log                []ChainLogEntry `json:"log"`
}

// ChainValidation ValidateChainConfiguration 的结果
type ChainValidation struct {
	Valid         bool     `json:"valid"`
	TotalSteps    int      `json:"total_steps"`
	Entry         string   `json:"entry"`
	TerminalSteps []string `json:"terminal_steps"`
	CriticalSteps []string `json:"critical_steps"`
	Errors        []string `json:"errors,omitempty"`
}

// ExecutionChain 显式的步骤表，由驱动循环解释执行
type ExecutionChain struct {
	steps      []Step
	index      map[string]int
	duplicates []string

	log     []ChainLogEntry
	current string
	mu      sync.RWMutex
}

// NewExecutionChain 按顺序创建执行链，第一个步骤为入口
func NewExecutionChain(steps ...Step) *ExecutionChain {
	c := &ExecutionChain{
		steps: make([]Step, 0, len(steps)),
		index: make(map[string]int, len(steps)),
	}
	for _, s := range steps {
		if _, dup := c.index[s.Name]; dup {
			c.duplicates = append(c.duplicates, s.Name)
			continue
		}
		c.index[s.Name] = len(c.steps)
		c.steps = append(c.steps, s)
	}
	return c
}

// DefaultContentChain 默认内容流水线：
// ValidateInputs → ConductResearch → AlignAudience → GenerateDraft → ValidateStyle → AssessQuality → Finalize。
// 输入标记 original_content 为 true 时跳过 ConductResearch。
func DefaultContentChain() *ExecutionChain {
	return NewExecutionChain(
		Step{
			Name:          StepValidateInputs,
			Stage:         StageInputValidation,
			Description:   "validate flow inputs",
			NextOnSuccess: StepConductResearch,
			Critical:      true,
			Strict:        true,
		},
		Step{
			Name:        StepConductResearch,
			Stage:       StageResearch,
			Description: "gather background research",
			Condition: func(view FlowView) bool {
				return !InputFlag(view.Input(), InputOriginalContent)
			},
			NextOnSuccess: StepAlignAudience,
		},
		Step{
			Name:          StepAlignAudience,
			Stage:         StageAudienceAlign,
			Description:   "align content with the target audience",
			NextOnSuccess: StepGenerateDraft,
		},
		Step{
			Name:          StepGenerateDraft,
			Stage:         StageDraftGeneration,
			Description:   "generate the draft",
			NextOnSuccess: StepValidateStyle,
			Critical:      true,
		},
		Step{
			Name:          StepValidateStyle,
			Stage:         StageStyleValidation,
			Description:   "check style compliance",
			NextOnSuccess: StepAssessQuality,
		},
		Step{
			Name:          StepAssessQuality,
			Stage:         StageQualityCheck,
			Description:   "assess content quality",
			NextOnSuccess: StepFinalize,
		},
		Step{
			Name:        StepFinalize,
			Stage:       StageFinalized,
			Description: "finalize content",
			Critical:    true,
			Strict:      true,
		},
	)
}

// InputFlag 读取 map 形式输入中的布尔标记
func InputFlag(input any, key string) bool {
	switch in := input.(type) {
	case map[string]any:
		b, _ := in[key].(bool)
		return b
	case map[string]bool:
		return in[key]
	case map[string]string:
		return in[key] == "true"
	}
	return false
}

// Clone 复制步骤表，执行日志为空；每个 flow 使用自己的副本
func (c *ExecutionChain) Clone() *ExecutionChain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &ExecutionChain{
		steps:      append([]Step(nil), c.steps...),
		index:      make(map[string]int, len(c.index)),
		duplicates: append([]string(nil), c.duplicates...),
	}
	for k, v := range c.index {
		out.index[k] = v
	}
	return out
}

// Entry 返回入口步骤名
func (c *ExecutionChain) Entry() string {
	if len(c.steps) == 0 {
		return ""
	}
	return c.steps[0].Name
}

// Steps 返回步骤表副本
func (c *ExecutionChain) Steps() []Step {
	return append([]Step(nil), c.steps...)
}

// Step 按名称查找步骤
func (c *ExecutionChain) Step(name string) (Step, bool) {
	i, ok := c.index[name]
	if !ok {
		return Step{}, false
	}
	return c.steps[i], true
}

// StepForStage 返回处理该阶段的第一个步骤
func (c *ExecutionChain) StepForStage(stage Stage) (Step, bool) {
	for _, s := range c.steps {
		if s.Stage == stage {
			return s, true
		}
	}
	return Step{}, false
}

// ShouldRun 评估步骤条件（跳过逻辑）
func (c *ExecutionChain) ShouldRun(name string, view FlowView) bool {
	step, ok := c.Step(name)
	if !ok {
		return false
	}
	if step.Condition == nil {
		return true
	}
	return step.Condition(view)
}

// GetNextMethod 返回下一步骤。
// 未知步骤、终止步骤，以及关键步骤失败时返回 ("", false)；
// 非关键步骤失败时继续到 NextOnFailure（未配置时为 NextOnSuccess）。
func (c *ExecutionChain) GetNextMethod(current string, success bool) (string, bool) {
	step, ok := c.Step(current)
	if !ok {
		return "", false
	}
	next := step.NextOnSuccess
	if !success {
		if step.Critical {
			return "", false
		}
		if step.NextOnFailure != "" {
			next = step.NextOnFailure
		}
	}
	if next == "" {
		return "", false
	}
	return next, true
}

// NextAfterSkip 返回跳过步骤后的去向
func (c *ExecutionChain) NextAfterSkip(current string) (string, bool) {
	step, ok := c.Step(current)
	if !ok {
		return "", false
	}
	next := step.NextOnSkip
	if next == "" {
		next = step.NextOnSuccess
	}
	return next, next != ""
}

// NextAfter 根据结果类型返回下一步骤；使用了降级值的结果按成功处理
func (c *ExecutionChain) NextAfter(current string, result StageResult) (string, bool) {
	switch result.Outcome() {
	case OutcomeSkipped:
		return c.NextAfterSkip(current)
	case OutcomeSucceeded:
		return c.GetNextMethod(current, true)
	default:
		if !c.ShouldContinueAfterFailure(current, result) {
			return "", false
		}
		return c.GetNextMethod(current, false)
	}
}

// ShouldContinueAfterFailure 非关键步骤总是继续；Strict 关键步骤（ValidateInputs、Finalize）总是终止；
// 其余关键步骤只有配置了降级函数且实际使用了降级值才继续
func (c *ExecutionChain) ShouldContinueAfterFailure(name string, result StageResult) bool {
	step, ok := c.Step(name)
	if !ok {
		return false
	}
	if !step.Critical {
		return true
	}
	if step.halts() {
		return false
	}
	return step.Fallback != nil && result.FallbackUsed
}

// StatusOf 将阶段结果映射为执行日志状态
func StatusOf(result StageResult) StepStatus {
	switch result.Outcome() {
	case OutcomeSucceeded:
		return StepSuccess
	case OutcomeSkipped:
		return StepSkipped
	default:
		return StepFailed
	}
}

// RecordStep 追加执行日志
func (c *ExecutionChain) RecordStep(method string, status StepStatus, snapshotRef string, err error) {
	entry := ChainLogEntry{
		Method:      method,
		Status:      status,
		SnapshotRef: snapshotRef,
		Timestamp:   time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	c.mu.Lock()
	c.log = append(c.log, entry)
	c.current = method
	c.mu.Unlock()
}

// GetExecutionStatus 汇总执行日志
func (c *ExecutionChain) GetExecutionStatus() ChainStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := ChainStatus{
		TotalSteps:    len(c.steps),
		CurrentMethod: c.current,
		Log:           append([]ChainLogEntry(nil), c.log...),
	}
	for _, e := range c.log {
		switch e.Status {
		case StepSuccess:
			st.CompletedSteps++
		case StepSkipped:
			st.CompletedSteps++
			st.SkippedSteps++
		case StepFailed:
			st.FailedSteps++
		}
	}
	if st.TotalSteps > 0 {
		st.ProgressPercentage = float64(st.CompletedSteps) / float64(st.TotalSteps) * 100
		if st.ProgressPercentage > 100 {
			st.ProgressPercentage = 100
		}
	}
	return st
}

// ValidateChainConfiguration 检查步骤表：重复名称、未知目标、非法阶段与转换、
// 不可达步骤、环路以及缺少终止步骤
func (c *ExecutionChain) ValidateChainConfiguration() ChainValidation {
	v := ChainValidation{
		TotalSteps: len(c.steps),
		Entry:      c.Entry(),
	}
	if len(c.steps) == 0 {
		v.Errors = append(v.Errors, "chain has no steps")
		return v
	}
	for _, name := range c.duplicates {
		v.Errors = append(v.Errors, fmt.Sprintf("duplicate step %q", name))
	}

	for _, s := range c.steps {
		if s.Name == "" {
			v.Errors = append(v.Errors, "step with empty name")
		}
		if !s.Stage.IsValid() || s.Stage == StageError {
			v.Errors = append(v.Errors, fmt.Sprintf("step %q: invalid stage %q", s.Name, s.Stage))
		}
		if s.Critical {
			v.CriticalSteps = append(v.CriticalSteps, s.Name)
		}
		if s.NextOnSuccess == "" {
			v.TerminalSteps = append(v.TerminalSteps, s.Name)
		}
		for _, target := range c.targets(s) {
			next, ok := c.Step(target)
			if !ok {
				v.Errors = append(v.Errors, fmt.Sprintf("step %q: unknown target %q", s.Name, target))
				continue
			}
			if s.Stage.IsValid() && next.Stage.IsValid() && !CanTransition(s.Stage, next.Stage) {
				v.Errors = append(v.Errors, fmt.Sprintf("step %q: illegal stage transition %s -> %s",
					s.Name, s.Stage, next.Stage))
			}
		}
	}
	if len(v.TerminalSteps) == 0 {
		v.Errors = append(v.Errors, "chain has no terminal step")
	}

	reachable := c.reachableFrom(v.Entry)
	for _, s := range c.steps {
		if !reachable[s.Name] {
			v.Errors = append(v.Errors, fmt.Sprintf("step %q is unreachable from %q", s.Name, v.Entry))
		}
	}
	if cycle := c.findCycle(); cycle != "" {
		v.Errors = append(v.Errors, fmt.Sprintf("cycle detected at step %q with no exit", cycle))
	}

	sort.Strings(v.Errors)
	v.Valid = len(v.Errors) == 0
	return v
}

// targets 返回步骤的全部出边（去重）
func (c *ExecutionChain) targets(s Step) []string {
	seen := make(map[string]bool, 3)
	var out []string
	for _, t := range []string{s.NextOnSuccess, s.NextOnSkip, s.NextOnFailure} {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func (c *ExecutionChain) reachableFrom(entry string) map[string]bool {
	seen := make(map[string]bool, len(c.steps))
	queue := []string{entry}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		step, ok := c.Step(name)
		if !ok {
			continue
		}
		seen[name] = true
		queue = append(queue, c.targets(step)...)
	}
	return seen
}

// findCycle 返回没有出口的环上的一个步骤名。
// 修订环（合法回退边）允许存在，执行次数由 MaxStageExecutions 与 LoopGuard 限定；
// 环内至少一个步骤需要指向环外或是终止步骤。
func (c *ExecutionChain) findCycle() string {
	for _, scc := range c.stronglyConnected() {
		if len(scc) == 1 {
			step, _ := c.Step(scc[0])
			if !slices.Contains(c.targets(step), scc[0]) {
				continue
			}
		}
		members := make(map[string]bool, len(scc))
		for _, name := range scc {
			members[name] = true
		}
		exit := false
		for _, name := range scc {
			step, _ := c.Step(name)
			for _, t := range c.targets(step) {
				if _, ok := c.index[t]; ok && !members[t] {
					exit = true
				}
			}
			if step.NextOnSuccess == "" {
				exit = true
			}
		}
		if !exit {
			sort.Strings(scc)
			return scc[0]
		}
	}
	return ""
}

// stronglyConnected Tarjan 算法，按步骤声明顺序遍历
func (c *ExecutionChain) stronglyConnected() [][]string {
	var (
		next    int
		index   = make(map[string]int, len(c.steps))
		low     = make(map[string]int, len(c.steps))
		onStack = make(map[string]bool, len(c.steps))
		stack   []string
		out     [][]string
	)
	var visit func(name string)
	visit = func(name string) {
		index[name] = next
		low[name] = next
		next++
		stack = append(stack, name)
		onStack[name] = true

		step, _ := c.Step(name)
		for _, t := range c.targets(step) {
			if _, ok := c.index[t]; !ok {
				continue
			}
			if _, seen := index[t]; !seen {
				visit(t)
				low[name] = min(low[name], low[t])
			} else if onStack[t] {
				low[name] = min(low[name], index[t])
			}
		}

		if low[name] == index[name] {
			var scc []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == name {
					break
				}
			}
			out = append(out, scc)
		}
	}
	for _, s := range c.steps {
		if _, seen := index[s.Name]; !seen {
			visit(s.Name)
		}
	}
	return out
}
