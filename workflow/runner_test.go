package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/contentflow/persistence"
	"github.com/BaSui01/contentflow/testutil"
	"github.com/BaSui01/contentflow/testutil/fixtures"
	"github.com/BaSui01/contentflow/testutil/mocks"
	"github.com/BaSui01/contentflow/types"
	"github.com/BaSui01/contentflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func newRunner(t *testing.T, workers map[workflow.Stage]*mocks.MockWorker, store workflow.Checkpointer, opts ...workflow.RunnerOption) *workflow.Runner {
	t.Helper()
	base := []workflow.RunnerOption{
		workflow.WithRunnerConfig(fixtures.ManagerConfig()),
		workflow.WithRunnerLogger(zaptest.NewLogger(t)),
	}
	return workflow.NewRunner(nil, mocks.StageFuncs(workers), store, append(base, opts...)...)
}

func TestRunner_FullRunWithTransientDraftFailures(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	workers[workflow.StageDraftGeneration].FailTimes(2, errors.New("rate limited"))
	store := mocks.NewRecordingCheckpointer()

	res, err := newRunner(t, workers, store).Run(ctx, "article-1", fixtures.ArticleInput())
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusCompleted, res.Status)
	assert.Nil(t, res.Error)
	assert.Equal(t, workflow.StageFinalized, res.LastStage)
	assert.Equal(t, 2, res.RetryCounts[workflow.StageDraftGeneration])
	assert.Equal(t, 3, workers[workflow.StageDraftGeneration].CallCount())
	assert.Len(t, res.CompletedStages, len(workflow.PipelineStages))

	// 每个成功阶段恰好一个 checkpoint，归档后全部删除
	want := make([]string, 0, len(workflow.PipelineStages))
	for _, s := range workflow.PipelineStages {
		want = append(want, string(s))
	}
	assert.Equal(t, want, store.SavedStages("article-1"))
	remaining, err := store.ListCheckpoints(ctx, "article-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	assert.Equal(t, []string{"article-1"}, store.CompletedFlows())
	archive, err := store.LoadArchive(ctx, persistence.ArchiveCompleted, "article-1")
	require.NoError(t, err)
	assert.Equal(t, len(workflow.PipelineStages), archive.CheckpointsRemoved)

	assert.Equal(t, 7, res.Chain.CompletedSteps)
	assert.Equal(t, 100.0, res.Chain.ProgressPercentage)
	assert.Equal(t, workflow.StepFinalize, res.Chain.CurrentMethod)
}

func TestRunner_OriginalContentSkipsResearch(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	store := mocks.NewRecordingCheckpointer()

	res, err := newRunner(t, workers, store).Run(ctx, "original-1", fixtures.OriginalContentInput())
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusCompleted, res.Status)
	assert.Zero(t, workers[workflow.StageResearch].CallCount())
	assert.NotContains(t, res.CompletedStages, workflow.StageResearch)
	assert.NotContains(t, store.SavedStages("original-1"), string(workflow.StageResearch))
	assert.Equal(t, 1, res.Chain.SkippedSteps)
	assert.Equal(t, 100.0, res.Chain.ProgressPercentage)

	var skipped []string
	for _, e := range res.Chain.Log {
		if e.Status == workflow.StepSkipped {
			skipped = append(skipped, e.Method)
		}
	}
	assert.Equal(t, []string{workflow.StepConductResearch}, skipped)
}

func TestRunner_CriticalFailureArchivesFlow(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	workers[workflow.StageDraftGeneration].WithError(
		types.NewError(types.ErrUpstreamError, "model unavailable"))
	store := mocks.NewRecordingCheckpointer()

	cfg := fixtures.ManagerConfig()
	cfg.Stages[workflow.StageDraftGeneration] = workflow.StageConfig{
		CircuitBreaker: &workflow.CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute},
	}
	runner := newRunner(t, workers, store, workflow.WithRunnerConfig(cfg))

	res, err := runner.Run(ctx, "article-2", fixtures.ArticleInput())
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "UPSTREAM_ERROR", res.Error.Type)
	assert.Equal(t, workflow.StageDraftGeneration, res.Error.Stage)
	assert.True(t, types.IsErrorCode(res.Cause, types.ErrUpstreamError))
	assert.Equal(t, 3, workers[workflow.StageDraftGeneration].CallCount())
	assert.Zero(t, workers[workflow.StageStyleValidation].CallCount())
	assert.Equal(t, 1, res.Chain.FailedSteps)

	assert.Equal(t, []string{"article-2"}, store.FailedFlows())
	archive, err := store.LoadArchive(ctx, persistence.ArchiveFailed, "article-2")
	require.NoError(t, err)
	require.NotNil(t, archive.Error)
	assert.Equal(t, "UPSTREAM_ERROR", archive.Error.Type)
	assert.Equal(t, string(workflow.StageDraftGeneration), archive.Error.Stage)

	remaining, err := store.ListCheckpoints(ctx, "article-2")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRunner_ValidationFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	store := mocks.NewRecordingCheckpointer()

	res, err := newRunner(t, workers, store).Run(ctx, "empty-1", map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "VALIDATION", res.Error.Type)
	assert.Equal(t, workflow.StageInputValidation, res.Error.Stage)
	assert.Empty(t, store.Saves("empty-1"))
	assert.Zero(t, workers[workflow.StageInputValidation].CallCount())
	assert.Equal(t, []string{"empty-1"}, store.FailedFlows())

	archive, err := store.LoadArchive(ctx, persistence.ArchiveFailed, "empty-1")
	require.NoError(t, err)
	assert.Equal(t, "VALIDATION", archive.Error.Type)
}

func TestRunner_CustomInputValidator(t *testing.T) {
	ctx := testutil.TestContext(t)
	runner := newRunner(t, mocks.Workers(), mocks.NewRecordingCheckpointer(),
		workflow.WithInputValidator(func(in any) error {
			if !workflow.InputFlag(in, "approved") {
				return errors.New("brief not approved")
			}
			return nil
		}))

	res, err := runner.Run(ctx, "brief-1", fixtures.ArticleInput())
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "VALIDATION", res.Error.Type)

	var verr *workflow.ValidationError
	require.ErrorAs(t, res.Cause, &verr)
	assert.Equal(t, "input", verr.Field)
}

func TestRunner_OptionalStepFailureContinues(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	workers[workflow.StageResearch].WithError(errors.New("search index down"))
	delete(workers, workflow.StageFinalized)
	store := mocks.NewRecordingCheckpointer()

	res, err := newRunner(t, workers, store).Run(ctx, "article-3", fixtures.ArticleInput())
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusCompleted, res.Status)
	assert.Nil(t, res.Error)
	assert.NotContains(t, res.CompletedStages, workflow.StageResearch)
	assert.Equal(t, 1, res.Chain.FailedSteps)
	assert.Equal(t, 6, res.Chain.CompletedSteps)
	assert.Equal(t, 1, workers[workflow.StageAudienceAlign].CallCount())
	// 默认 finalize worker 取最后一个阶段的产出
	assert.Equal(t, "quality_check output", res.Outputs[workflow.StageFinalized])
}

func TestRunner_FallbackOnOptionalStep(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	workers[workflow.StageAudienceAlign].WithError(errors.New("persona service down"))
	store := mocks.NewRecordingCheckpointer()

	steps := workflow.DefaultContentChain().Steps()
	for i := range steps {
		if steps[i].Name == workflow.StepAlignAudience {
			steps[i].Fallback = func(view workflow.FlowView, cause error) (any, error) {
				return "general audience", nil
			}
		}
	}
	runner := workflow.NewRunner(workflow.NewExecutionChain(steps...), mocks.StageFuncs(workers), store,
		workflow.WithRunnerConfig(fixtures.ManagerConfig()))

	res, err := runner.Run(ctx, "article-4", fixtures.ArticleInput())
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusCompleted, res.Status)
	assert.Equal(t, "general audience", res.Outputs[workflow.StageAudienceAlign])
	assert.Contains(t, res.CompletedStages, workflow.StageAudienceAlign)
	assert.Contains(t, store.SavedStages("article-4"), string(workflow.StageAudienceAlign))
	assert.Zero(t, res.Chain.FailedSteps)
}

func TestRunner_FallbackLetsCriticalStepContinue(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	workers[workflow.StageDraftGeneration].WithError(errors.New("model overloaded"))

	steps := workflow.DefaultContentChain().Steps()
	for i := range steps {
		if steps[i].Name == workflow.StepGenerateDraft {
			steps[i].Fallback = func(workflow.FlowView, error) (any, error) { return "template draft", nil }
		}
	}
	runner := workflow.NewRunner(workflow.NewExecutionChain(steps...), mocks.StageFuncs(workers),
		mocks.NewRecordingCheckpointer(), workflow.WithRunnerConfig(fixtures.ManagerConfig()))

	res, err := runner.Run(ctx, "article-5", fixtures.ArticleInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.FlowStatusCompleted, res.Status)
	assert.Equal(t, "template draft", res.Outputs[workflow.StageDraftGeneration])
}

func TestRunner_StrictStepIgnoresFallback(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	workers[workflow.StageFinalized].WithError(errors.New("publish target rejected"))
	store := mocks.NewRecordingCheckpointer()

	fallbackCalls := 0
	steps := workflow.DefaultContentChain().Steps()
	for i := range steps {
		if steps[i].Name == workflow.StepFinalize {
			steps[i].Fallback = func(workflow.FlowView, error) (any, error) {
				fallbackCalls++
				return "unpublished copy", nil
			}
		}
	}
	runner := workflow.NewRunner(workflow.NewExecutionChain(steps...), mocks.StageFuncs(workers), store,
		workflow.WithRunnerConfig(fixtures.ManagerConfig()))

	res, err := runner.Run(ctx, "article-5s", fixtures.ArticleInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.FlowStatusFailed, res.Status)
	assert.Zero(t, fallbackCalls)
	require.NotNil(t, res.Error)
	assert.Equal(t, workflow.StageFinalized, res.Error.Stage)
	assert.NotContains(t, res.Outputs, workflow.StageFinalized)
	assert.Equal(t, []string{"article-5s"}, store.FailedFlows())
}

func TestRunner_RevisionLoopHitsStageCeiling(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	workers[workflow.StageStyleValidation].WithError(errors.New("style guide violation"))
	store := mocks.NewRecordingCheckpointer()

	steps := workflow.DefaultContentChain().Steps()
	for i := range steps {
		if steps[i].Name == workflow.StepValidateStyle {
			steps[i].NextOnFailure = workflow.StepGenerateDraft
		}
	}
	chain := workflow.NewExecutionChain(steps...)
	require.True(t, chain.ValidateChainConfiguration().Valid)

	cfg := fixtures.ManagerConfig()
	cfg.MaxStageExecutions = 2
	cfg.LoopGuard.OscillationThreshold = 100
	cfg.LoopGuard.RepeatThreshold = 100
	runner := workflow.NewRunner(chain, mocks.StageFuncs(workers), store,
		workflow.WithRunnerConfig(cfg), workflow.WithRunnerLogger(zaptest.NewLogger(t)))

	res, err := runner.Run(ctx, "article-loop", fixtures.ArticleInput())
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusFailed, res.Status)
	var loopErr *workflow.LoopPreventionError
	require.ErrorAs(t, res.Cause, &loopErr)
	assert.Equal(t, workflow.StageDraftGeneration, loopErr.Stage)
	assert.Equal(t, 2, loopErr.Limit)
	assert.True(t, types.IsErrorCode(res.Cause, types.ErrLoopExceeded))
	assert.Equal(t, 2, workers[workflow.StageDraftGeneration].CallCount())
	assert.Zero(t, workers[workflow.StageQualityCheck].CallCount())

	require.NotNil(t, res.Error)
	assert.Equal(t, workflow.StageDraftGeneration, res.Error.Stage)
	assert.Equal(t, []string{"article-loop"}, store.FailedFlows())
	archive, err := store.LoadArchive(ctx, persistence.ArchiveFailed, "article-loop")
	require.NoError(t, err)
	require.NotNil(t, archive.Error)
}

func TestRunner_ResumeAfterInterruption(t *testing.T) {
	store := mocks.NewRecordingCheckpointer()
	workers := mocks.Workers()

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	workers[workflow.StageDraftGeneration].WithFunc(func(ctx context.Context, _ workflow.StageInput) (any, error) {
		cancel()
		return nil, ctx.Err()
	})

	res, err := newRunner(t, workers, store).Run(ctx, "article-6", fixtures.ArticleInput())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, workflow.FlowStatusRunning, res.Status)
	assert.Empty(t, store.CompletedFlows())
	assert.Empty(t, store.FailedFlows())
	assert.Equal(t,
		[]string{"input_validation", "research", "audience_align"},
		store.SavedStages("article-6"))

	// 新进程：相同存储，draft worker 恢复正常
	resumed := mocks.Workers()
	res, err = newRunner(t, resumed, store).Resume(testutil.TestContext(t), "article-6")
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusCompleted, res.Status)
	assert.Zero(t, resumed[workflow.StageInputValidation].CallCount())
	assert.Zero(t, resumed[workflow.StageResearch].CallCount())
	assert.Zero(t, resumed[workflow.StageAudienceAlign].CallCount())
	assert.Equal(t, 1, resumed[workflow.StageDraftGeneration].CallCount())
	assert.Len(t, res.CompletedStages, len(workflow.PipelineStages))
	assert.Equal(t, "research output", res.Outputs[workflow.StageResearch])

	calls := resumed[workflow.StageDraftGeneration].Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "platform engineers", calls[0].Input.(map[string]any)["audience"])

	assert.Equal(t, []string{"article-6"}, store.CompletedFlows())
	assert.Equal(t, 100.0, res.Chain.ProgressPercentage)
}

func TestRunner_ResumeWithoutCheckpoint(t *testing.T) {
	runner := newRunner(t, mocks.Workers(), mocks.NewRecordingCheckpointer())
	_, err := runner.Resume(testutil.TestContext(t), "never-ran")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestRunner_CheckpointFailureFailsFlow(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := mocks.Workers()
	store := mocks.NewRecordingCheckpointer().FailSavesAfter(2, errors.New("disk full"))

	res, err := newRunner(t, workers, store).Run(ctx, "article-7", fixtures.ArticleInput())
	require.NoError(t, err)

	assert.Equal(t, workflow.FlowStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "CHECKPOINT_FAILED", res.Error.Type)
	assert.True(t, workflow.IsFatal(res.Cause))
	assert.Zero(t, workers[workflow.StageDraftGeneration].CallCount())
	assert.Equal(t, []string{"article-7"}, store.FailedFlows())
}

func TestRunner_MissingWorker(t *testing.T) {
	workers := mocks.Workers()
	delete(workers, workflow.StageStyleValidation)

	_, err := newRunner(t, workers, nil).Run(testutil.TestContext(t), "article-8", fixtures.ArticleInput())
	assert.ErrorIs(t, err, workflow.ErrNoWorker)
}

func TestRunner_InvalidChain(t *testing.T) {
	chain := workflow.NewExecutionChain(
		workflow.Step{Name: "A", Stage: workflow.StageInputValidation, NextOnSuccess: "Missing"},
	)
	runner := workflow.NewRunner(chain, nil, nil)
	_, err := runner.Run(testutil.TestContext(t), "bad-chain", fixtures.ArticleInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid execution chain")
}

func TestRunner_RegistryRejectsDuplicateFlow(t *testing.T) {
	reg := workflow.NewFlowRegistry(nil)
	running := workflow.NewStageManager(workflow.NewFlowState("dup-1", 3, nil), fixtures.ManagerConfig())
	require.NoError(t, reg.Register(running))
	t.Cleanup(func() { _ = running.Close() })

	runner := newRunner(t, mocks.Workers(), nil, workflow.WithFlowRegistry(reg))
	_, err := runner.Run(testutil.TestContext(t), "dup-1", fixtures.ArticleInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	// 结束后从注册表注销
	res, err := runner.Run(testutil.TestContext(t), "other-1", fixtures.ArticleInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.FlowStatusCompleted, res.Status)
	assert.Equal(t, []string{"dup-1"}, reg.FlowIDs())
}

func TestRunner_RunBatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := mocks.NewRecordingCheckpointer()
	runner := newRunner(t, mocks.Workers(), store)

	results, err := runner.RunBatch(ctx, map[string]any{
		"batch-a": fixtures.ArticleInput(),
		"batch-b": fixtures.OriginalContentInput(),
		"batch-c": nil,
	}, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, workflow.FlowStatusCompleted, results["batch-a"].Status)
	assert.Equal(t, workflow.FlowStatusCompleted, results["batch-b"].Status)
	assert.Equal(t, workflow.FlowStatusFailed, results["batch-c"].Status)
	assert.ElementsMatch(t, []string{"batch-a", "batch-b"}, store.CompletedFlows())
	assert.Equal(t, []string{"batch-c"}, store.FailedFlows())
}

func TestRunner_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	runner := newRunner(t, mocks.Workers(), nil, workflow.WithTracer(tp.Tracer("test")))
	_, err := runner.Run(testutil.TestContext(t), "traced-1", fixtures.OriginalContentInput())
	require.NoError(t, err)

	counts := map[string]int{}
	for _, s := range rec.Ended() {
		counts[s.Name()]++
	}
	assert.Equal(t, 1, counts["contentflow.flow"])
	// research 被跳过，不产生 span
	assert.Equal(t, 6, counts["contentflow.stage"])
}

func TestRunner_WorkerContextCarriesFlowIdentity(t *testing.T) {
	workers := mocks.Workers()
	var flowID, stage, execID string
	workers[workflow.StageAudienceAlign].WithFunc(func(ctx context.Context, _ workflow.StageInput) (any, error) {
		flowID, _ = types.FlowID(ctx)
		stage, _ = types.Stage(ctx)
		execID, _ = types.ExecutionID(ctx)
		return "aligned", nil
	})

	res, err := newRunner(t, workers, nil).Run(testutil.TestContext(t), "ctx-1", fixtures.ArticleInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.FlowStatusCompleted, res.Status)
	assert.Equal(t, "ctx-1", flowID)
	assert.Equal(t, string(workflow.StageAudienceAlign), stage)
	assert.NotEmpty(t, execID)
}
