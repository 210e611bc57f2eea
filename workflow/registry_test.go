package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegisteredManager(t *testing.T, reg *FlowRegistry, flowID string) (*StageManager, *fakeClock) {
	t.Helper()
	cfg := testManagerConfig()
	m := NewStageManager(NewFlowState(flowID, cfg.MaxStageExecutions, nil), cfg)
	clock := newFakeClock()
	m.now = clock.Now
	require.NoError(t, reg.Register(m))
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func TestFlowRegistry_RegisterUnregister(t *testing.T) {
	reg := NewFlowRegistry(nil)
	m, _ := newRegisteredManager(t, reg, "flow-b")
	newRegisteredManager(t, reg, "flow-a")

	assert.Equal(t, []string{"flow-a", "flow-b"}, reg.FlowIDs())
	assert.Equal(t, 2, reg.Len())

	got, ok := reg.Get("flow-b")
	require.True(t, ok)
	assert.Same(t, m, got)

	err := reg.Register(NewStageManager(NewFlowState("flow-b", 3, nil), testManagerConfig()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow flow-b is already running")
	assert.Error(t, reg.Register(nil))

	reg.Unregister("flow-b")
	_, ok = reg.Get("flow-b")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestFlowRegistry_AggregateHealth(t *testing.T) {
	reg := NewFlowRegistry(nil)
	assert.Equal(t, HealthHealthy, reg.AggregateHealth().Status)

	healthy, hc := newRegisteredManager(t, reg, "flow-ok")
	runStage(t, healthy, hc, StageInputValidation, time.Second, nil)

	failing, fc := newRegisteredManager(t, reg, "flow-bad")
	runStage(t, failing, fc, StageInputValidation, time.Second, nil)
	runStage(t, failing, fc, StageResearch, time.Second, errWorker)

	summary := reg.HealthSummary()
	require.Len(t, summary, 2)
	assert.Equal(t, HealthHealthy, summary["flow-ok"].Status)
	assert.Equal(t, HealthCritical, summary["flow-bad"].Status)

	agg := reg.AggregateHealth()
	assert.Equal(t, HealthCritical, agg.Status)
	assert.Equal(t, 2, agg.Flows)
	assert.Equal(t, 1, agg.Healthy)
	assert.Equal(t, 1, agg.Critical)
	assert.Equal(t, []string{"flow-bad"}, agg.CriticalFlows)

	reg.Unregister("flow-bad")
	assert.Equal(t, HealthHealthy, reg.AggregateHealth().Status)
}
