package workflow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageNone, StageInputValidation, true},
		{StageNone, StageResearch, false},
		{StageInputValidation, StageResearch, true},
		{StageInputValidation, StageAudienceAlign, true}, // 跳过调研
		{StageResearch, StageInputValidation, false},
		{StageResearch, StageResearch, true},
		{StageStyleValidation, StageDraftGeneration, true},
		{StageQualityCheck, StageStyleValidation, true},
		{StageAudienceAlign, StageResearch, false},
		{StageFinalized, StageResearch, false},
		{StageFinalized, StageError, true},
		{StageError, StageError, true},
		{StageError, StageFinalized, false},
		{StageNone, StageError, true},
		{StageResearch, Stage("publishing"), false},
		{StageInputValidation, StageFinalized, false},
		{StageResearch, StageFinalized, false},
		{StageAudienceAlign, StageFinalized, false},
		{StageDraftGeneration, StageFinalized, true},
		{StageStyleValidation, StageFinalized, true},
		{StageQualityCheck, StageFinalized, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage(" Draft-Generation ")
	require.NoError(t, err)
	assert.Equal(t, StageDraftGeneration, s)

	_, err = ParseStage("publishing")
	assert.Error(t, err)

	assert.True(t, StageFinalized.IsTerminal())
	assert.True(t, StageError.IsTerminal())
	assert.False(t, StageQualityCheck.IsTerminal())
	assert.Less(t, StageResearch.Order(), StageAudienceAlign.Order())
	assert.Equal(t, "none", StageNone.String())
}

func TestFlowState_Transition(t *testing.T) {
	s := NewFlowState("flow-1", 3, zap.NewNop())
	assert.Equal(t, StageNone, s.CurrentStage())
	assert.Equal(t, FlowStatusRunning, s.Status())

	require.NoError(t, s.Transition(StageInputValidation, "start"))
	require.NoError(t, s.Transition(StageResearch, "next"))

	err := s.Transition(StageInputValidation, "back")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StageResearch, invalid.From)
	assert.Equal(t, StageResearch, s.CurrentStage())
	assert.Len(t, s.History(), 2)

	require.NoError(t, s.Transition(StageError, "boom"))
	assert.Equal(t, FlowStatusFailed, s.Status())
}

func TestFlowState_LoopCeiling(t *testing.T) {
	s := NewFlowState("flow-1", 2, nil)
	require.NoError(t, s.Transition(StageInputValidation, "start"))
	require.NoError(t, s.Transition(StageResearch, "1"))
	require.NoError(t, s.Transition(StageResearch, "2"))

	err := s.Transition(StageResearch, "3")
	var loopErr *LoopPreventionError
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, StageResearch, loopErr.Stage)
	assert.Equal(t, 3, loopErr.Count)
	assert.Equal(t, 2, loopErr.Limit)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 2, s.StageExecutionCount(StageResearch))
	assert.Len(t, s.History(), 3)

	// 进入 Error 不受上限约束
	require.NoError(t, s.Transition(StageError, "ceiling"))
	require.NoError(t, s.Transition(StageError, "again"))
}

func TestFlowState_StageLimit(t *testing.T) {
	s := NewFlowState("flow-1", 5, nil)
	s.SetStageLimit(StageDraftGeneration, 1)
	assert.Equal(t, 1, s.StageLimit(StageDraftGeneration))
	assert.Equal(t, 5, s.StageLimit(StageResearch))

	require.NoError(t, s.Transition(StageInputValidation, ""))
	require.NoError(t, s.Transition(StageDraftGeneration, ""))
	assert.Error(t, s.Transition(StageDraftGeneration, ""))
}

func TestFlowState_SnapshotRestore(t *testing.T) {
	s := NewFlowState("flow-1", 3, nil)
	s.SetInput(map[string]any{"topic": "go"})
	require.NoError(t, s.Transition(StageInputValidation, ""))
	s.MarkCompleted(StageInputValidation, "ok")
	require.NoError(t, s.Transition(StageResearch, ""))
	s.IncrementRetry(StageResearch)
	s.SetCircuitOpen(StageResearch, true)
	s.MarkCompleted(StageResearch, map[string]any{"notes": "n"})

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	var snap FlowSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	r := RestoreFlowState(snap, nil)
	assert.Equal(t, "flow-1", r.FlowID())
	assert.NotEqual(t, s.ExecutionID(), r.ExecutionID())
	assert.Equal(t, StageResearch, r.CurrentStage())
	assert.Equal(t, []Stage{StageInputValidation, StageResearch}, r.CompletedStages())
	assert.Equal(t, 1, r.RetryCount(StageResearch))
	assert.True(t, r.IsCircuitOpen(StageResearch))
	assert.True(t, s.StartTime().Equal(r.StartTime()))
	out, ok := r.Output(StageResearch)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"notes": "n"}, out)

	// 恢复后的计数继续生效
	require.NoError(t, r.Transition(StageResearch, ""))
	require.NoError(t, r.Transition(StageResearch, ""))
	assert.Error(t, r.Transition(StageResearch, ""))
}

func TestFlowState_SelfHealsNilMaps(t *testing.T) {
	s := NewFlowState("flow-1", 3, nil)
	s.retryCount = nil
	s.completedStages = nil

	assert.Equal(t, 1, s.IncrementRetry(StageResearch))
	s.MarkCompleted(StageResearch, nil)
	assert.True(t, s.IsCompleted(StageResearch))
}

// 任意转换序列下，进入每个阶段的次数都不超过上限，被拒绝的转换不写入历史
func TestProperty_StageCeilingNeverExceeded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 4).Draw(rt, "limit")
		s := NewFlowState("flow-prop", limit, nil)
		targets := rapid.SliceOfN(rapid.SampledFrom(PipelineStages), 1, 40).Draw(rt, "targets")

		for _, to := range targets {
			before := len(s.History())
			err := s.Transition(to, "prop")
			after := len(s.History())

			if err != nil {
				if after != before {
					rt.Fatalf("rejected transition to %s changed history", to)
				}
				var loopErr *LoopPreventionError
				var invalid *InvalidTransitionError
				if !errors.As(err, &loopErr) && !errors.As(err, &invalid) {
					rt.Fatalf("unexpected error type %T", err)
				}
				continue
			}
			if after != before+1 {
				rt.Fatalf("accepted transition to %s did not append exactly one entry", to)
			}
		}

		for _, st := range PipelineStages {
			if n := s.StageExecutionCount(st); n > limit {
				rt.Fatalf("stage %s entered %d times, limit %d", st, n, limit)
			}
		}
		for i, tr := range s.History() {
			if !CanTransition(tr.From, tr.To) {
				rt.Fatalf("history entry %d is illegal: %s -> %s", i, tr.From, tr.To)
			}
		}
	})
}
