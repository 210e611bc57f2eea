package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 风险模式名称
const (
	RiskOscillation       = "oscillation"
	RiskBurst             = "burst"
	RiskWindow            = "window"
	RiskRepeatedArguments = "repeated_arguments"
)

// LoopGuardConfig 循环防护配置
type LoopGuardConfig struct {
	MaxExecutionsPerStage  int           `json:"max_executions_per_stage" yaml:"max_executions_per_stage"`
	MaxExecutionsPerMethod int           `json:"max_executions_per_method" yaml:"max_executions_per_method"`
	HistorySize            int           `json:"history_size" yaml:"history_size"`
	OscillationThreshold   int           `json:"oscillation_threshold" yaml:"oscillation_threshold"`
	MinCallInterval        time.Duration `json:"min_call_interval" yaml:"min_call_interval"`
	Window                 time.Duration `json:"window" yaml:"window"`
	WindowMaxCalls         int           `json:"window_max_calls" yaml:"window_max_calls"`
	RepeatThreshold        int           `json:"repeat_threshold" yaml:"repeat_threshold"`
}

// DefaultLoopGuardConfig 默认循环防护配置
func DefaultLoopGuardConfig() LoopGuardConfig {
	return LoopGuardConfig{
		MaxExecutionsPerStage:  10,
		MaxExecutionsPerMethod: 10,
		HistorySize:            100,
		OscillationThreshold:   4,
		MinCallInterval:        100 * time.Millisecond,
		Window:                 time.Minute,
		WindowMaxCalls:         20,
		RepeatThreshold:        3,
	}
}

func (c LoopGuardConfig) normalized() LoopGuardConfig {
	def := DefaultLoopGuardConfig()
	if c.MaxExecutionsPerStage <= 0 {
		c.MaxExecutionsPerStage = def.MaxExecutionsPerStage
	}
	if c.MaxExecutionsPerMethod <= 0 {
		c.MaxExecutionsPerMethod = def.MaxExecutionsPerMethod
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.OscillationThreshold <= 0 {
		c.OscillationThreshold = def.OscillationThreshold
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.WindowMaxCalls <= 0 {
		c.WindowMaxCalls = def.WindowMaxCalls
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = def.RepeatThreshold
	}
	return c
}

// LoopRecord 一次受保护调用的记录
type LoopRecord struct {
	ID          string        `json:"id"`
	Method      string        `json:"method_name"`
	Stage       Stage         `json:"stage"`
	Timestamp   time.Time     `json:"timestamp"`
	Fingerprint string        `json:"argument_fingerprint,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Closed      bool          `json:"closed"`
}

// RecordHandle TrackExecution 返回的句柄
type RecordHandle struct {
	id     string
	Method string
	Stage  Stage
	Start  time.Time
}

// LoopRisk 检测到的可疑调用模式（仅告警）
type LoopRisk struct {
	Pattern    string    `json:"pattern"`
	Method     string    `json:"method"`
	Stage      Stage     `json:"stage"`
	Detail     string    `json:"detail"`
	DetectedAt time.Time `json:"detected_at"`
}

// LoopGuardStatus 循环防护状态报告
type LoopGuardStatus struct {
	FlowID        string          `json:"flow_id"`
	Stopped       bool            `json:"stopped"`
	StopReason    string          `json:"stop_reason,omitempty"`
	StageCounts   map[Stage]int   `json:"stage_counts"`
	MethodCounts  map[string]int  `json:"method_counts"`
	ActiveRecords int             `json:"active_records"`
	ClosedRecords int             `json:"closed_records"`
	Risks         []LoopRisk      `json:"risks,omitempty"`
	Limits        LoopGuardConfig `json:"limits"`
}

// LoopGuard 跟踪 (method, stage) 执行次数，超过硬上限时返回致命错误，
// 并对振荡、突发、滑动窗口与重复参数等模式给出告警
type LoopGuard struct {
	flowID string
	config LoopGuardConfig

	stageCounts  map[Stage]int
	methodCounts map[string]int
	active       map[string]*LoopRecord
	closed       []LoopRecord
	stageSeq     []Stage
	callTimes    map[string][]time.Time
	limiters     map[string]*rate.Limiter
	fingerprints map[string]int
	risks        []LoopRisk

	stopped    bool
	stopReason string

	onRisk  func(LoopRisk)
	metrics MetricsRecorder
	now     func() time.Time
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewLoopGuard 创建循环防护
func NewLoopGuard(flowID string, config LoopGuardConfig, logger *zap.Logger) *LoopGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &LoopGuard{
		flowID:  flowID,
		config:  config.normalized(),
		metrics: NopMetrics(),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "loop_guard"), zap.String("flow_id", flowID)),
	}
	g.resetLocked()
	return g
}

func (g *LoopGuard) resetLocked() {
	g.stageCounts = make(map[Stage]int)
	g.methodCounts = make(map[string]int)
	g.active = make(map[string]*LoopRecord)
	g.closed = nil
	g.stageSeq = nil
	g.callTimes = make(map[string][]time.Time)
	g.limiters = make(map[string]*rate.Limiter)
	g.fingerprints = make(map[string]int)
	g.risks = nil
	g.stopped = false
	g.stopReason = ""
}

// SetMetrics 设置指标记录器
func (g *LoopGuard) SetMetrics(m MetricsRecorder) {
	if m != nil {
		g.metrics = m
	}
}

// OnRisk 注册风险回调，在锁外调用
func (g *LoopGuard) OnRisk(fn func(LoopRisk)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRisk = fn
}

// TrackExecution 记录一次受保护调用的开始。
// 超过 MaxExecutionsPerStage / MaxExecutionsPerMethod 或已被 ForceStop 时返回
// *LoopPreventionError，且不记录本次调用。
func (g *LoopGuard) TrackExecution(method string, stage Stage, args ...any) (*RecordHandle, error) {
	g.mu.Lock()

	if g.stopped {
		reason := g.stopReason
		g.mu.Unlock()
		g.metrics.RecordLoopViolation("force_stop")
		return nil, &LoopPreventionError{Method: method, Stage: stage, Reason: reason, Forced: true}
	}

	if n := g.stageCounts[stage] + 1; n > g.config.MaxExecutionsPerStage {
		g.mu.Unlock()
		g.metrics.RecordLoopViolation("stage")
		g.logger.Error("stage execution limit exceeded",
			zap.String("stage", string(stage)), zap.Int("count", n), zap.Int("limit", g.config.MaxExecutionsPerStage))
		return nil, &LoopPreventionError{
			Method: method, Stage: stage, Count: n, Limit: g.config.MaxExecutionsPerStage,
			Reason: "max executions per stage exceeded",
		}
	}
	if n := g.methodCounts[method] + 1; n > g.config.MaxExecutionsPerMethod {
		g.mu.Unlock()
		g.metrics.RecordLoopViolation("method")
		g.logger.Error("method execution limit exceeded",
			zap.String("method", method), zap.Int("count", n), zap.Int("limit", g.config.MaxExecutionsPerMethod))
		return nil, &LoopPreventionError{
			Method: method, Stage: stage, Count: n, Limit: g.config.MaxExecutionsPerMethod,
			Reason: "max executions per method exceeded",
		}
	}

	now := g.now()
	g.stageCounts[stage]++
	g.methodCounts[method]++

	rec := &LoopRecord{
		ID:        uuid.New().String(),
		Method:    method,
		Stage:     stage,
		Timestamp: now,
	}
	if len(args) > 0 {
		rec.Fingerprint = Fingerprint(args...)
	}
	g.active[rec.ID] = rec

	risks := g.detectLocked(rec)
	g.risks = append(g.risks, risks...)
	if over := len(g.risks) - g.config.HistorySize; over > 0 {
		g.risks = append([]LoopRisk(nil), g.risks[over:]...)
	}
	onRisk := g.onRisk
	g.mu.Unlock()

	for _, r := range risks {
		g.logger.Warn("loop risk detected",
			zap.String("pattern", r.Pattern),
			zap.String("method", r.Method),
			zap.String("stage", string(r.Stage)),
			zap.String("detail", r.Detail))
		g.metrics.RecordLoopRisk(r.Pattern)
		if onRisk != nil {
			onRisk(r)
		}
	}

	return &RecordHandle{id: rec.ID, Method: method, Stage: stage, Start: now}, nil
}

// detectLocked 检测告警模式（必须在锁内调用）
func (g *LoopGuard) detectLocked(rec *LoopRecord) []LoopRisk {
	var risks []LoopRisk
	now := rec.Timestamp
	add := func(pattern, detail string) {
		risks = append(risks, LoopRisk{
			Pattern: pattern, Method: rec.Method, Stage: rec.Stage, Detail: detail, DetectedAt: now,
		})
	}

	// 突发：同一方法调用间隔低于 MinCallInterval
	if g.config.MinCallInterval > 0 {
		lim, ok := g.limiters[rec.Method]
		if !ok {
			lim = rate.NewLimiter(rate.Every(g.config.MinCallInterval), 1)
			g.limiters[rec.Method] = lim
		}
		if !lim.AllowN(now, 1) {
			add(RiskBurst, fmt.Sprintf("calls closer than %v", g.config.MinCallInterval))
		}
	}

	// 滑动窗口
	times := g.callTimes[rec.Method]
	cutoff := now.Add(-g.config.Window)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	times = append(times[i:], now)
	g.callTimes[rec.Method] = times
	if len(times) > g.config.WindowMaxCalls {
		add(RiskWindow, fmt.Sprintf("%d calls within %v", len(times), g.config.Window))
	}

	// 重复参数
	if rec.Fingerprint != "" {
		key := rec.Method + "|" + rec.Fingerprint
		g.fingerprints[key]++
		if n := g.fingerprints[key]; n >= g.config.RepeatThreshold {
			add(RiskRepeatedArguments, fmt.Sprintf("identical arguments seen %d times", n))
		}
	}

	// 振荡：阶段序列尾部在两个阶段间来回切换
	if len(g.stageSeq) == 0 || g.stageSeq[len(g.stageSeq)-1] != rec.Stage {
		g.stageSeq = append(g.stageSeq, rec.Stage)
		if over := len(g.stageSeq) - g.config.HistorySize; over > 0 {
			g.stageSeq = append([]Stage(nil), g.stageSeq[over:]...)
		}
		if switches := alternatingSwitches(g.stageSeq); switches >= g.config.OscillationThreshold {
			a, b := g.stageSeq[len(g.stageSeq)-2], g.stageSeq[len(g.stageSeq)-1]
			add(RiskOscillation, fmt.Sprintf("%s <-> %s alternated %d times", a, b, switches))
		}
	}

	return risks
}

// alternatingSwitches 计算序列尾部 A,B,A,B... 模式的切换次数
func alternatingSwitches(seq []Stage) int {
	n := len(seq)
	if n < 2 {
		return 0
	}
	a, b := seq[n-1], seq[n-2]
	switches := 1
	for i := n - 3; i >= 0; i-- {
		want := a
		if (n-1-i)%2 == 1 {
			want = b
		}
		if seq[i] != want {
			break
		}
		switches++
	}
	return switches
}

// CompleteExecution 关闭记录并填充耗时
func (g *LoopGuard) CompleteExecution(handle *RecordHandle) error {
	if handle == nil {
		return fmt.Errorf("loop guard: nil record handle")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.active[handle.id]
	if !ok {
		return fmt.Errorf("loop guard: record %s is not active", handle.id)
	}
	delete(g.active, handle.id)

	rec.Duration = g.now().Sub(rec.Timestamp)
	rec.Closed = true
	g.closed = append(g.closed, *rec)
	if over := len(g.closed) - g.config.HistorySize; over > 0 {
		g.closed = append([]LoopRecord(nil), g.closed[over:]...)
	}
	return nil
}

// ShouldStopExecution 是否已被强制停止
func (g *LoopGuard) ShouldStopExecution() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// ForceStop 强制停止，之后所有 TrackExecution 立即失败直到 Reset
func (g *LoopGuard) ForceStop(reason string) {
	if reason == "" {
		reason = "force stopped"
	}
	g.mu.Lock()
	g.stopped = true
	g.stopReason = reason
	g.mu.Unlock()
	g.logger.Warn("loop guard force stopped", zap.String("reason", reason))
}

// Reset 清空所有记录与停止标记
func (g *LoopGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

// Records 返回已关闭的记录（滚动窗口）
func (g *LoopGuard) Records() []LoopRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]LoopRecord, len(g.closed))
	copy(out, g.closed)
	return out
}

// GetStatus 返回状态报告
func (g *LoopGuard) GetStatus() LoopGuardStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := LoopGuardStatus{
		FlowID:        g.flowID,
		Stopped:       g.stopped,
		StopReason:    g.stopReason,
		StageCounts:   make(map[Stage]int, len(g.stageCounts)),
		MethodCounts:  make(map[string]int, len(g.methodCounts)),
		ActiveRecords: len(g.active),
		ClosedRecords: len(g.closed),
		Risks:         append([]LoopRisk(nil), g.risks...),
		Limits:        g.config,
	}
	for k, v := range g.stageCounts {
		st.StageCounts[k] = v
	}
	for k, v := range g.methodCounts {
		st.MethodCounts[k] = v
	}
	return st
}

// Fingerprint 计算参数指纹：%#v 渲染后的 sha256 前 16 个十六进制字符
func Fingerprint(args ...any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", args)))
	return hex.EncodeToString(sum[:])[:16]
}
