package workflow

import (
	"fmt"
	"strings"
)

// Stage 定义内容流水线中的阶段
type Stage string

const (
	StageNone            Stage = ""                 // Flow not started yet
	StageInputValidation Stage = "input_validation" // Validate inputs
	StageResearch        Stage = "research"         // Conduct research
	StageAudienceAlign   Stage = "audience_align"   // Align with target audience
	StageDraftGeneration Stage = "draft_generation" // Generate the draft
	StageStyleValidation Stage = "style_validation" // Style compliance check
	StageQualityCheck    Stage = "quality_check"    // Quality assessment
	StageFinalized       Stage = "finalized"        // Terminal: content finalized
	StageError           Stage = "error"            // Terminal: flow failed
)

// PipelineStages 按执行顺序列出所有非终止阶段以及 Finalized
var PipelineStages = []Stage{
	StageInputValidation,
	StageResearch,
	StageAudienceAlign,
	StageDraftGeneration,
	StageStyleValidation,
	StageQualityCheck,
	StageFinalized,
}

// AllStages 所有合法阶段（含 Error）
var AllStages = append(append([]Stage{}, PipelineStages...), StageError)

// Order 返回阶段在流水线中的位置；StageNone 为 0，Error 排在最后，未知阶段为 -1
func (s Stage) Order() int {
	switch s {
	case StageNone:
		return 0
	case StageError:
		return len(PipelineStages) + 1
	}
	for i, p := range PipelineStages {
		if p == s {
			return i + 1
		}
	}
	return -1
}

// IsTerminal 判断是否为终止阶段
func (s Stage) IsTerminal() bool {
	return s == StageFinalized || s == StageError
}

// IsValid 判断是否为已知阶段（不含 StageNone）
func (s Stage) IsValid() bool {
	return s != StageNone && s.Order() > 0
}

func (s Stage) String() string {
	if s == StageNone {
		return "none"
	}
	return string(s)
}

// ParseStage 解析阶段名称，大小写与连字符不敏感
func ParseStage(name string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for _, s := range AllStages {
		if string(s) == normalized {
			return s, nil
		}
	}
	return StageNone, fmt.Errorf("unknown stage: %q", name)
}

// backEdges 合法的回退边（修订循环），受 MaxStageExecutions 约束
var backEdges = map[Stage][]Stage{
	StageStyleValidation: {StageDraftGeneration},
	StageQualityCheck:    {StageDraftGeneration, StageStyleValidation},
}

// finalizeFrom 可以直接进入 Finalized 的阶段：必须先产出草稿
var finalizeFrom = map[Stage]bool{
	StageDraftGeneration: true,
	StageStyleValidation: true,
	StageQualityCheck:    true,
}

// CanTransition 检查阶段转换是否合法
//
//   - 任意阶段 -> Error 总是合法
//   - StageNone 只能进入 InputValidation
//   - 非终止阶段可以前进到任意后续非终止阶段（跳过逻辑），也可以重新执行自身
//   - Finalized 只能从 finalizeFrom 中的阶段进入
//   - 回退边见 backEdges
//   - Finalized / Error 除进入 Error 外不可离开
func CanTransition(from, to Stage) bool {
	if to == StageError {
		return true
	}
	if !to.IsValid() {
		return false
	}
	if from == StageNone {
		return to == StageInputValidation
	}
	if !from.IsValid() || from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	if to == StageFinalized {
		return finalizeFrom[from]
	}
	if to.Order() > from.Order() {
		return true
	}
	for _, s := range backEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions 返回从 from 出发的全部合法目标阶段
func AllowedTransitions(from Stage) []Stage {
	var out []Stage
	for _, s := range AllStages {
		if CanTransition(from, s) {
			out = append(out, s)
		}
	}
	return out
}
