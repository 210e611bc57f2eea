package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BaSui01/contentflow/config"
	"github.com/BaSui01/contentflow/persistence"
	"github.com/BaSui01/contentflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeConfig 生成使用文件 checkpoint 存储的配置
func writeConfig(t *testing.T, extra string) (cfgPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "checkpoints")
	cfgPath = filepath.Join(dir, "contentflow.yaml")
	content := fmt.Sprintf(`
checkpoint:
  type: file
  base_dir: %s
log:
  level: error
  format: json
  output_paths: [stderr]
%s`, dataDir, extra)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath, dataDir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

// seedFlow 写入 input_validation 与 research 两个 checkpoint
func seedFlow(t *testing.T, dataDir, flowID string) {
	t.Helper()
	cfg := persistence.DefaultStoreConfig()
	cfg.BaseDir = dataDir
	store, err := persistence.NewCheckpointStoreFromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	s := workflow.NewFlowState(flowID, 3, nil)
	s.SetInput(map[string]any{"topic": "go"})

	require.NoError(t, s.Transition(workflow.StageInputValidation, "start"))
	s.MarkCompleted(workflow.StageInputValidation, "ok")
	_, err = store.SaveCheckpoint(ctx, flowID, string(workflow.StageInputValidation), s.Snapshot())
	require.NoError(t, err)

	require.NoError(t, s.Transition(workflow.StageResearch, "next"))
	s.MarkCompleted(workflow.StageResearch, "notes")
	_, err = store.SaveCheckpoint(ctx, flowID, string(workflow.StageResearch), s.Snapshot())
	require.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ContentFlow "+Version)
	assert.Contains(t, out, "Git Commit:")
}

func TestUnknownCommand(t *testing.T) {
	_, err := runCLI(t, "serve")
	require.Error(t, err)
}

func TestValidateChain_Default(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	out, err := runCLI(t, "--config", cfgPath, "validate-chain")
	require.NoError(t, err)

	var v workflow.ChainValidation
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, 7, v.TotalSteps)
	assert.Equal(t, workflow.StepValidateInputs, v.Entry)
}

func TestValidateChain_File(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	out, err := runCLI(t, "-c", cfgPath, "validate-chain",
		"--chain", "../../workflow/dsl/testdata/content_chain.yaml")
	require.NoError(t, err)

	var v workflow.ChainValidation
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, []string{workflow.StepFinalize}, v.TerminalSteps)
}

func TestValidateChain_FromConfig(t *testing.T) {
	chainPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(chainPath, []byte(`
version: "1"
name: bad
steps:
  - name: a
    stage: research
    next: b
  - name: b
    stage: input_validation
`), 0o644))
	cfgPath, _ := writeConfig(t, fmt.Sprintf("flow:\n  chain_file: %s\n", chainPath))

	_, err := runCLI(t, "--config", cfgPath, "validate-chain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal stage transition")
}

func TestInvalidConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t, "flow:\n  max_stage_executions: -1\n")
	_, err := runCLI(t, "--config", cfgPath, "validate-chain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestCheckpointsList(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, "")
	seedFlow(t, dataDir, "flow-cli")

	out, err := runCLI(t, "--config", cfgPath, "checkpoints", "list", "--flow", "flow-cli")
	require.NoError(t, err)
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "input_validation")
	assert.Contains(t, out, "research")

	out, err = runCLI(t, "--config", cfgPath, "checkpoints", "list", "--flow", "flow-none")
	require.NoError(t, err)
	assert.Contains(t, out, "no checkpoints for flow flow-none")
}

func TestCheckpointsList_RequiresFlow(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	_, err := runCLI(t, "--config", cfgPath, "checkpoints", "list")
	require.Error(t, err)
}

func TestCheckpointsStats(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, "")
	seedFlow(t, dataDir, "flow-a")
	seedFlow(t, dataDir, "flow-b")

	out, err := runCLI(t, "--config", cfgPath, "checkpoints", "stats")
	require.NoError(t, err)

	var stats persistence.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 4, stats.TotalCheckpoints)
}

func TestRecover(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, "")
	seedFlow(t, dataDir, "flow-cli")

	out, err := runCLI(t, "--config", cfgPath, "recover", "--flow", "flow-cli")
	require.NoError(t, err)

	var report recoverReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, workflow.StepAlignAudience, report.NextStep)
	assert.Equal(t, "flow-cli", report.State.FlowID)
	assert.Equal(t, workflow.StageResearch, report.State.CurrentStage)
	assert.Equal(t, workflow.FlowStatusRunning, report.State.Status)
	assert.ElementsMatch(t,
		[]workflow.Stage{workflow.StageInputValidation, workflow.StageResearch},
		report.State.CompletedStages)
}

func TestRecover_UnknownFlow(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	_, err := runCLI(t, "--config", cfgPath, "recover", "--flow", "flow-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint found for flow flow-missing")
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.DefaultLogConfig())
	require.NotNil(t, logger)
	logger.Info("hello")
}
