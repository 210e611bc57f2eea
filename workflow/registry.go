package workflow

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FlowRegistry 显式的跨 flow 注册表，持有运行中 flow 的 StageManager
type FlowRegistry struct {
	mu     sync.RWMutex
	flows  map[string]*StageManager
	logger *zap.Logger
}

// NewFlowRegistry 创建注册表
func NewFlowRegistry(logger *zap.Logger) *FlowRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowRegistry{
		flows:  make(map[string]*StageManager),
		logger: logger.With(zap.String("component", "flow_registry")),
	}
}

// Register 注册 StageManager；同一 flow 同时只能有一个
func (r *FlowRegistry) Register(m *StageManager) error {
	if m == nil {
		return fmt.Errorf("register flow: nil stage manager")
	}
	id := m.FlowID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[id]; exists {
		return fmt.Errorf("flow %s is already running", id)
	}
	r.flows[id] = m
	r.logger.Debug("flow registered", zap.String("flow_id", id))
	return nil
}

// Unregister 移除 flow
func (r *FlowRegistry) Unregister(flowID string) {
	r.mu.Lock()
	delete(r.flows, flowID)
	r.mu.Unlock()
}

// Get 返回 flow 的 StageManager
func (r *FlowRegistry) Get(flowID string) (*StageManager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.flows[flowID]
	return m, ok
}

// FlowIDs 返回排序后的 flow ID
func (r *FlowRegistry) FlowIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len 已注册数量
func (r *FlowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

func (r *FlowRegistry) managers() []*StageManager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*StageManager, 0, len(r.flows))
	for _, m := range r.flows {
		out = append(out, m)
	}
	return out
}

// HealthSummary 每个 flow 的健康报告
func (r *FlowRegistry) HealthSummary() map[string]FlowHealthReport {
	mgrs := r.managers()
	out := make(map[string]FlowHealthReport, len(mgrs))
	for _, m := range mgrs {
		out[m.FlowID()] = m.GetFlowHealthReport()
	}
	return out
}

// AggregateHealth 所有运行中 flow 的健康汇总
type AggregateHealth struct {
	Status   HealthStatus `json:"status"`
	Flows    int          `json:"flows"`
	Healthy  int          `json:"healthy"`
	Degraded int          `json:"degraded"`
	Critical int          `json:"critical"`
	Unknown  int          `json:"unknown"`
	// CriticalFlows 处于 critical 的 flow ID
	CriticalFlows []string `json:"critical_flows,omitempty"`
}

// AggregateHealth 汇总健康状态：任一 flow critical 则 critical，任一 degraded/unknown 则 degraded
func (r *FlowRegistry) AggregateHealth() AggregateHealth {
	agg := AggregateHealth{Status: HealthHealthy}
	for id, report := range r.HealthSummary() {
		agg.Flows++
		switch report.Status {
		case HealthHealthy:
			agg.Healthy++
		case HealthDegraded:
			agg.Degraded++
		case HealthCritical:
			agg.Critical++
			agg.CriticalFlows = append(agg.CriticalFlows, id)
		default:
			agg.Unknown++
		}
	}
	sort.Strings(agg.CriticalFlows)
	switch {
	case agg.Critical > 0:
		agg.Status = HealthCritical
	case agg.Degraded > 0 || agg.Unknown > 0:
		agg.Status = HealthDegraded
	}
	return agg
}
