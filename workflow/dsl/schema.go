package dsl

// ChainDSL 执行链定义文件的顶层结构
type ChainDSL struct {
	// Version DSL 版本，目前只支持 "1"
	Version string `yaml:"version" json:"version"`
	// Name 执行链名称
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Variables 全局变量，条件表达式中通过 vars.<name> 访问，描述中可用 ${name} 插值
	Variables map[string]VariableDef `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Entry 入口步骤，为空时使用第一个步骤
	Entry string `yaml:"entry,omitempty" json:"entry,omitempty"`

	// Steps 按声明顺序排列的步骤
	Steps []StepDef `yaml:"steps" json:"steps"`

	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// VariableDef 变量定义
type VariableDef struct {
	Type        string `yaml:"type" json:"type"` // string, int, float, bool
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// StepDef 步骤定义
type StepDef struct {
	Name        string `yaml:"name" json:"name"`
	Stage       string `yaml:"stage" json:"stage"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// When 条件表达式，为 false 时跳过该步骤
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	// WhenRef 引用 Parser 中注册的命名条件，与 When 互斥
	WhenRef string `yaml:"when_ref,omitempty" json:"when_ref,omitempty"`

	Next      string `yaml:"next,omitempty" json:"next,omitempty"`
	OnSkip    string `yaml:"on_skip,omitempty" json:"on_skip,omitempty"`
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	Critical bool `yaml:"critical,omitempty" json:"critical,omitempty"`
	// Strict 仅对 critical 步骤有效：失败即终止，不使用降级
	Strict   bool         `yaml:"strict,omitempty" json:"strict,omitempty"`
	Fallback *FallbackDef `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// FallbackDef 降级定义：固定值或引用注册的降级函数
type FallbackDef struct {
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
	Ref   string `yaml:"ref,omitempty" json:"ref,omitempty"`
}
