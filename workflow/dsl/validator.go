package dsl

import (
	"fmt"
	"strings"

	"github.com/BaSui01/contentflow/workflow"
)

// SupportedVersion 当前支持的 DSL 版本
const SupportedVersion = "1"

// 条件表达式可用的顶层变量
var conditionRoots = map[string]bool{
	"input":     true,
	"completed": true,
	"outputs":   true,
	"stage":     true,
	"flow_id":   true,
	"vars":      true,
}

// Validator DSL 静态检查：字段完整性、阶段名、引用与表达式语法。
// 图结构（环路、可达性、阶段转换合法性）由 ExecutionChain.ValidateChainConfiguration 检查。
type Validator struct {
	conditions map[string]bool
	fallbacks  map[string]bool
}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{}
}

// Validate 返回全部问题
func (v *Validator) Validate(dsl *ChainDSL) []error {
	var errs []error

	if dsl.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	} else if dsl.Version != SupportedVersion {
		errs = append(errs, fmt.Errorf("unsupported version %q", dsl.Version))
	}
	if dsl.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if len(dsl.Steps) == 0 {
		errs = append(errs, fmt.Errorf("steps must have at least one step"))
	}

	names := make(map[string]bool, len(dsl.Steps))
	for _, s := range dsl.Steps {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("step name is required"))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate step name: %s", s.Name))
		}
		names[s.Name] = true
	}
	if dsl.Entry != "" && !names[dsl.Entry] {
		errs = append(errs, fmt.Errorf("entry step %q does not exist", dsl.Entry))
	}

	for name, def := range dsl.Variables {
		switch def.Type {
		case "", "string", "int", "float", "bool":
		default:
			errs = append(errs, fmt.Errorf("variable %s: invalid type %q", name, def.Type))
		}
	}

	for i := range dsl.Steps {
		errs = append(errs, v.validateStep(&dsl.Steps[i], dsl, names)...)
	}
	return errs
}

func (v *Validator) validateStep(s *StepDef, dsl *ChainDSL, names map[string]bool) []error {
	var errs []error
	label := s.Name
	if label == "" {
		label = "<unnamed>"
	}

	if s.Stage == "" {
		errs = append(errs, fmt.Errorf("step %s: stage is required", label))
	} else if stage, err := workflow.ParseStage(s.Stage); err != nil {
		errs = append(errs, fmt.Errorf("step %s: %w", label, err))
	} else if stage == workflow.StageError {
		errs = append(errs, fmt.Errorf("step %s: stage %q cannot be a step", label, s.Stage))
	}

	targets := []struct{ field, name string }{
		{"next", s.Next},
		{"on_skip", s.OnSkip},
		{"on_failure", s.OnFailure},
	}
	for _, t := range targets {
		if t.name != "" && !names[t.name] {
			errs = append(errs, fmt.Errorf("step %s: %s target %q does not exist", label, t.field, t.name))
		}
	}

	if s.When != "" && s.WhenRef != "" {
		errs = append(errs, fmt.Errorf("step %s: when and when_ref are mutually exclusive", label))
	}
	if s.When != "" {
		vals := defaults(dsl.Variables)
		for _, ref := range extractVariableRefs(s.When) {
			if _, ok := vals[ref]; !ok {
				vals[ref] = "null"
			}
		}
		expr, err := Compile(interpolate(s.When, vals))
		if err != nil {
			errs = append(errs, fmt.Errorf("step %s: invalid condition: %w", label, err))
		} else {
			for _, ref := range expr.Refs() {
				root, rest, _ := strings.Cut(ref, ".")
				if !conditionRoots[root] {
					errs = append(errs, fmt.Errorf("step %s: condition references unknown variable %q", label, ref))
					continue
				}
				if root == "vars" && rest != "" {
					if _, ok := dsl.Variables[strings.SplitN(rest, ".", 2)[0]]; !ok {
						errs = append(errs, fmt.Errorf("step %s: variable %q not defined", label, rest))
					}
				}
			}
		}
	}
	if s.WhenRef != "" && v.conditions != nil && !v.conditions[s.WhenRef] {
		errs = append(errs, fmt.Errorf("step %s: condition %q is not registered", label, s.WhenRef))
	}

	if s.Strict && !s.Critical {
		errs = append(errs, fmt.Errorf("step %s: strict requires critical", label))
	}
	if s.Strict && s.Fallback != nil {
		errs = append(errs, fmt.Errorf("step %s: strict step never uses its fallback", label))
	}
	if fb := s.Fallback; fb != nil {
		switch {
		case fb.Ref != "" && fb.Value != nil:
			errs = append(errs, fmt.Errorf("step %s: fallback value and ref are mutually exclusive", label))
		case fb.Ref == "" && fb.Value == nil:
			errs = append(errs, fmt.Errorf("step %s: fallback requires value or ref", label))
		case fb.Ref != "" && v.fallbacks != nil && !v.fallbacks[fb.Ref]:
			errs = append(errs, fmt.Errorf("step %s: fallback %q is not registered", label, fb.Ref))
		}
	}

	for _, ref := range extractVariableRefs(s.Description + " " + s.When) {
		if _, ok := dsl.Variables[ref]; !ok {
			errs = append(errs, fmt.Errorf("step %s: variable %q referenced but not defined", label, ref))
		}
	}
	return errs
}

// extractVariableRefs 提取 ${var} 引用
func extractVariableRefs(s string) []string {
	var refs []string
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			break
		}
		refs = append(refs, s[start+2:start+end])
		s = s[start+end+1:]
	}
	return refs
}
