package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/contentflow/testutil"
	"github.com/BaSui01/contentflow/testutil/fixtures"
	"github.com/BaSui01/contentflow/testutil/mocks"
	"github.com/BaSui01/contentflow/workflow"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWithRegistry("test", reg, reg, zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	c := newTestCollector(t)

	assert.NotNil(t, c.stageExecutionsTotal)
	assert.NotNil(t, c.stageDuration)
	assert.NotNil(t, c.circuitTransitionsTotal)
	assert.NotNil(t, c.checkpointWritesTotal)
	assert.NotNil(t, c.flowsTotal)
	assert.NotNil(t, c.activeFlows)
}

func TestCollector_RecordStageExecution(t *testing.T) {
	c := newTestCollector(t)

	c.RecordStageExecution("research", "succeeded", 100*time.Millisecond)
	c.RecordStageExecution("research", "succeeded", 300*time.Millisecond)
	c.RecordStageExecution("research", "failed", time.Second)

	assert.Equal(t, 2.0, promtest.ToFloat64(c.stageExecutionsTotal.WithLabelValues("research", "succeeded")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.stageExecutionsTotal.WithLabelValues("research", "failed")))
	assert.Equal(t, 2, promtest.CollectAndCount(c.stageDuration))
}

func TestCollector_RecordRetry(t *testing.T) {
	c := newTestCollector(t)
	c.RecordRetry("draft_generation")
	c.RecordRetry("draft_generation")
	assert.Equal(t, 2.0, promtest.ToFloat64(c.stageRetriesTotal.WithLabelValues("draft_generation")))
}

func TestCollector_CircuitMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCircuitTransition("research", "closed", "open")
	assert.Equal(t, 1.0, promtest.ToFloat64(c.circuitOpen.WithLabelValues("research")))
	c.RecordCircuitRejection("research")
	c.RecordCircuitRejection("research")
	assert.Equal(t, 2.0, promtest.ToFloat64(c.circuitRejectionsTotal.WithLabelValues("research")))

	c.RecordCircuitTransition("research", "open", "half_open")
	assert.Equal(t, 0.0, promtest.ToFloat64(c.circuitOpen.WithLabelValues("research")))
	assert.Equal(t, 2, promtest.CollectAndCount(c.circuitTransitionsTotal))
}

func TestCollector_LoopMetrics(t *testing.T) {
	c := newTestCollector(t)
	c.RecordLoopViolation("stage")
	c.RecordLoopRisk("oscillation")
	c.RecordLoopRisk("oscillation")

	assert.Equal(t, 1.0, promtest.ToFloat64(c.loopViolationsTotal.WithLabelValues("stage")))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.loopRisksTotal.WithLabelValues("oscillation")))
}

func TestCollector_CheckpointAndFlowMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCheckpointWrite(true, 5*time.Millisecond)
	c.RecordCheckpointWrite(false, 50*time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.checkpointWritesTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.checkpointWritesTotal.WithLabelValues("false")))

	c.IncActiveFlows()
	c.IncActiveFlows()
	c.DecActiveFlows()
	assert.Equal(t, 1.0, promtest.ToFloat64(c.activeFlows))

	c.RecordFlowOutcome("completed", time.Minute)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.flowsTotal.WithLabelValues("completed")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordStageExecution("quality_check", "succeeded", time.Millisecond)
				c.RecordRetry("quality_check")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, promtest.ToFloat64(c.stageExecutionsTotal.WithLabelValues("quality_check", "succeeded")))
	assert.Equal(t, 1000.0, promtest.ToFloat64(c.stageRetriesTotal.WithLabelValues("quality_check")))
}

func TestCollector_Handler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordFlowOutcome("failed", time.Second)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_flows_total{status="failed"} 1`)
}

func TestCollector_RunnerIntegration(t *testing.T) {
	c := newTestCollector(t)
	workers := mocks.Workers()
	workers[workflow.StageDraftGeneration].FailTimes(2, errors.New("rate limited"))

	runner := workflow.NewRunner(nil, mocks.StageFuncs(workers), mocks.NewRecordingCheckpointer(),
		workflow.WithRunnerConfig(fixtures.ManagerConfig()),
		workflow.WithRunnerMetrics(c),
	)
	res, err := runner.Run(testutil.TestContext(t), "metrics-1", fixtures.ArticleInput())
	require.NoError(t, err)
	require.Equal(t, workflow.FlowStatusCompleted, res.Status)

	assert.Equal(t, 1.0, promtest.ToFloat64(c.flowsTotal.WithLabelValues("completed")))
	assert.Equal(t, 0.0, promtest.ToFloat64(c.activeFlows))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.stageRetriesTotal.WithLabelValues("draft_generation")))
	assert.Equal(t, 7.0, promtest.ToFloat64(c.checkpointWritesTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, promtest.ToFloat64(
		c.stageExecutionsTotal.WithLabelValues("draft_generation", string(workflow.OutcomeSucceeded))))
}
