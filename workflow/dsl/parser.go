package dsl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BaSui01/contentflow/workflow"
	"gopkg.in/yaml.v3"
)

// ConditionFunc 命名条件
type ConditionFunc func(view workflow.FlowView) bool

// Parser 将 YAML 执行链定义解析为 *workflow.ExecutionChain
type Parser struct {
	conditions map[string]ConditionFunc
	fallbacks  map[string]workflow.FallbackFunc
	overrides  map[string]any
}

// NewParser 创建解析器，内置条件 original_content 与默认执行链的调研跳过规则一致
func NewParser() *Parser {
	p := &Parser{
		conditions: make(map[string]ConditionFunc),
		fallbacks:  make(map[string]workflow.FallbackFunc),
		overrides:  make(map[string]any),
	}
	p.RegisterCondition("needs_research", func(view workflow.FlowView) bool {
		return !workflow.InputFlag(view.Input(), workflow.InputOriginalContent)
	})
	return p
}

// RegisterCondition 注册命名条件，供 when_ref 引用
func (p *Parser) RegisterCondition(name string, fn ConditionFunc) {
	p.conditions[name] = fn
}

// RegisterFallback 注册降级函数，供 fallback.ref 引用
func (p *Parser) RegisterFallback(name string, fn workflow.FallbackFunc) {
	p.fallbacks[name] = fn
}

// SetVariable 覆盖变量默认值
func (p *Parser) SetVariable(name string, value any) {
	p.overrides[name] = value
}

// ParseFile 从文件解析
func (p *Parser) ParseFile(filename string) (*workflow.ExecutionChain, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read chain file: %w", err)
	}
	return p.Parse(data)
}

// Load 只做 YAML 解码与静态检查，不构建执行链
func (p *Parser) Load(data []byte) (*ChainDSL, error) {
	var def ChainDSL
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse YAML: empty document")
		}
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := p.validate(&def); err != nil {
		return nil, fmt.Errorf("validate chain: %w", err)
	}
	return &def, nil
}

// Parse 解码、校验并构建执行链；图结构不合法时返回 ValidateChainConfiguration 的错误
func (p *Parser) Parse(data []byte) (*workflow.ExecutionChain, error) {
	def, err := p.Load(data)
	if err != nil {
		return nil, err
	}
	vars, err := p.resolveVariables(def.Variables)
	if err != nil {
		return nil, err
	}

	steps := make([]workflow.Step, 0, len(def.Steps))
	for i := range def.Steps {
		step, err := p.buildStep(&def.Steps[i], vars)
		if err != nil {
			return nil, fmt.Errorf("build step %s: %w", def.Steps[i].Name, err)
		}
		steps = append(steps, step)
	}
	if def.Entry != "" {
		steps = moveToFront(steps, def.Entry)
	}

	chain := workflow.NewExecutionChain(steps...)
	if v := chain.ValidateChainConfiguration(); !v.Valid {
		return nil, fmt.Errorf("chain %s: %s", def.Name, strings.Join(v.Errors, "; "))
	}
	return chain, nil
}

func (p *Parser) validate(def *ChainDSL) error {
	v := NewValidator()
	v.conditions = make(map[string]bool, len(p.conditions))
	for name := range p.conditions {
		v.conditions[name] = true
	}
	v.fallbacks = make(map[string]bool, len(p.fallbacks))
	for name := range p.fallbacks {
		v.fallbacks[name] = true
	}
	errs := v.Validate(def)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
}

// resolveVariables 默认值叠加覆盖值；必填变量缺失时报错
func (p *Parser) resolveVariables(defs map[string]VariableDef) (map[string]any, error) {
	vars := defaults(defs)
	for name, value := range p.overrides {
		vars[name] = value
	}
	var missing []string
	for name, def := range defs {
		if _, ok := vars[name]; def.Required && !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required variables not set: %s", strings.Join(missing, ", "))
	}
	return vars, nil
}

func (p *Parser) buildStep(def *StepDef, vars map[string]any) (workflow.Step, error) {
	stage, err := workflow.ParseStage(def.Stage)
	if err != nil {
		return workflow.Step{}, err
	}
	step := workflow.Step{
		Name:          def.Name,
		Stage:         stage,
		Description:   interpolate(def.Description, vars),
		NextOnSuccess: def.Next,
		NextOnSkip:    def.OnSkip,
		NextOnFailure: def.OnFailure,
		Critical:      def.Critical,
		Strict:        def.Strict,
	}

	switch {
	case def.WhenRef != "":
		fn := p.conditions[def.WhenRef]
		step.Condition = func(view workflow.FlowView) bool { return fn(view) }
	case def.When != "":
		expr, err := Compile(interpolate(def.When, vars))
		if err != nil {
			return workflow.Step{}, fmt.Errorf("condition: %w", err)
		}
		step.Condition = func(view workflow.FlowView) bool {
			return expr.Eval(ConditionVars(view, vars))
		}
	}

	if fb := def.Fallback; fb != nil {
		if fb.Ref != "" {
			step.Fallback = p.fallbacks[fb.Ref]
		} else {
			value := fb.Value
			step.Fallback = func(workflow.FlowView, error) (any, error) { return value, nil }
		}
	}
	return step, nil
}

// ConditionVars 条件表达式的变量环境：
// input（map 输入按键访问）、completed.<stage>、outputs.<stage>、stage、flow_id、vars.<name>
func ConditionVars(view workflow.FlowView, globals map[string]any) map[string]any {
	completed := make(map[string]any)
	outputs := make(map[string]any)
	for _, s := range workflow.PipelineStages {
		if view.IsCompleted(s) {
			completed[string(s)] = true
		}
		if out, ok := view.Output(s); ok {
			outputs[string(s)] = out
		}
	}
	if globals == nil {
		globals = map[string]any{}
	}
	return map[string]any{
		"input":     normalizeInput(view.Input()),
		"completed": completed,
		"outputs":   outputs,
		"stage":     string(view.CurrentStage()),
		"flow_id":   view.FlowID(),
		"vars":      globals,
	}
}

func normalizeInput(input any) any {
	switch in := input.(type) {
	case map[string]string:
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	case map[string]bool:
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	return input
}

func defaults(defs map[string]VariableDef) map[string]any {
	vars := make(map[string]any, len(defs))
	for name, def := range defs {
		if def.Default != nil {
			vars[name] = def.Default
		}
	}
	return vars
}

// interpolate 替换 ${name}
func interpolate(template string, vars map[string]any) string {
	if !strings.Contains(template, "${") {
		return template
	}
	result := template
	for name, value := range vars {
		result = strings.ReplaceAll(result, "${"+name+"}", fmt.Sprintf("%v", value))
	}
	return result
}

func moveToFront(steps []workflow.Step, name string) []workflow.Step {
	for i, s := range steps {
		if s.Name == name && i > 0 {
			out := make([]workflow.Step, 0, len(steps))
			out = append(out, s)
			out = append(out, steps[:i]...)
			return append(out, steps[i+1:]...)
		}
	}
	return steps
}
