package workflow

import (
	"context"
	"fmt"

	"github.com/BaSui01/contentflow/persistence"
	"go.uber.org/zap"
)

// Checkpointer StageManager 与 Runner 使用的 checkpoint 存储契约
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, flowID, stage string, state any) (*persistence.Checkpoint, error)
	RecoverLatest(ctx context.Context, flowID string) (*persistence.Checkpoint, error)
	ArchiveCompleted(ctx context.Context, flowID string, results any) (*persistence.Archive, error)
	ArchiveFailed(ctx context.Context, flowID string, cause error, stage string) (*persistence.Archive, error)
}

var _ Checkpointer = (*persistence.CheckpointStore)(nil)

// StateClass 实现 persistence.StateClassNamer
func (FlowSnapshot) StateClass() string { return SnapshotStateClass }

// RecoverFlowState 从最新 checkpoint 重建 FlowState。
// maxStageExecutions > 0 时覆盖快照中的上限。
func RecoverFlowState(
	ctx context.Context,
	store Checkpointer,
	flowID string,
	maxStageExecutions int,
	logger *zap.Logger,
) (*FlowState, *persistence.Checkpoint, error) {
	if store == nil {
		return nil, nil, fmt.Errorf("recover flow %s: no checkpoint store configured", flowID)
	}
	cp, err := store.RecoverLatest(ctx, flowID)
	if err != nil {
		return nil, nil, err
	}
	if cp.StateClass != "" && cp.StateClass != SnapshotStateClass {
		return nil, nil, fmt.Errorf("recover flow %s: unexpected state class %q", flowID, cp.StateClass)
	}

	var snap FlowSnapshot
	if err := cp.Decode(&snap); err != nil {
		return nil, nil, fmt.Errorf("recover flow %s: %w", flowID, err)
	}
	if snap.FlowID == "" {
		snap.FlowID = flowID
	}
	if maxStageExecutions > 0 {
		snap.MaxStageExecutions = maxStageExecutions
	}
	if snap.Status == "" || snap.Status == FlowStatusFailed {
		snap.Status = FlowStatusRunning
	}

	state := RestoreFlowState(snap, logger)
	if logger != nil {
		logger.Info("flow state recovered",
			zap.String("flow_id", flowID),
			zap.String("checkpoint", cp.ID),
			zap.String("stage", string(state.CurrentStage())),
			zap.Int("completed_stages", len(snap.CompletedStages)))
	}
	return state, cp, nil
}
