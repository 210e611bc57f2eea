package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents 事件日志默认容量
const DefaultMaxEvents = 1000

// EventType 执行事件类型
type EventType string

const (
	EventStageStarted        EventType = "stage_started"
	EventStageCompleted      EventType = "stage_completed"
	EventStageFailed         EventType = "stage_failed"
	EventStageSkipped        EventType = "stage_skipped"
	EventStageTimeout        EventType = "stage_timeout"
	EventStageRetry          EventType = "stage_retry"
	EventCircuitStateChanged EventType = "circuit_state_changed"
	EventLoopRisk            EventType = "loop_risk"
	EventCheckpointSaved     EventType = "checkpoint_saved"
	EventCheckpointFailed    EventType = "checkpoint_failed"
	EventFlowCompleted       EventType = "flow_completed"
	EventFlowFailed          EventType = "flow_failed"
)

// ExecutionEvent 追加式执行事件，写入后不再修改
type ExecutionEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	FlowID    string         `json:"flow_id"`
	Stage     Stage          `json:"stage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventLog 有界事件日志；超出容量时丢弃最早的事件
type EventLog struct {
	events  []ExecutionEvent
	max     int
	dropped int64
	mu      sync.RWMutex
}

// NewEventLog 创建事件日志
func NewEventLog(maxEvents int) *EventLog {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &EventLog{
		events: make([]ExecutionEvent, 0, min(maxEvents, 64)),
		max:    maxEvents,
	}
}

// Append 追加事件，自动补全 ID 与时间戳
func (l *EventLog) Append(ev ExecutionEvent) ExecutionEvent {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
	if over := len(l.events) - l.max; over > 0 {
		kept := make([]ExecutionEvent, l.max)
		copy(kept, l.events[over:])
		l.events = kept
		l.dropped += int64(over)
	}
	return ev
}

// Latest 返回最近 n 条事件（按时间正序）；n <= 0 返回全部
func (l *EventLog) Latest(n int) []ExecutionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if n > 0 && n < len(l.events) {
		start = len(l.events) - n
	}
	out := make([]ExecutionEvent, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Len 返回当前保留的事件数
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Dropped 返回因容量限制被丢弃的事件数
func (l *EventLog) Dropped() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Capacity 返回事件日志容量
func (l *EventLog) Capacity() int { return l.max }
