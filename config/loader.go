// =============================================================================
// 📦 ContentFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("contentflow.yaml").
//	    WithEnvPrefix("CONTENTFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/contentflow/persistence"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 ContentFlow 的完整配置结构
type Config struct {
	// Flow 流程级配置
	Flow FlowConfig `yaml:"flow" env:"FLOW"`

	// Stages 按阶段名覆盖超时、重试、熔断与执行上限（不支持环境变量）
	Stages map[string]StageConfig `yaml:"stages"`

	// Retry 默认重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// CircuitBreaker 默认熔断器配置
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`

	// LoopGuard 循环防护配置
	LoopGuard LoopGuardConfig `yaml:"loop_guard" env:"LOOP_GUARD"`

	// Checkpoint checkpoint 存储配置
	Checkpoint persistence.StoreConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// FlowConfig 流程级配置
type FlowConfig struct {
	// 每个阶段允许进入的最大次数
	MaxStageExecutions int `yaml:"max_stage_executions" env:"MAX_STAGE_EXECUTIONS"`
	// 阶段默认时间预算，0 表示不限制
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 执行事件日志容量
	MaxEvents int `yaml:"max_events" env:"MAX_EVENTS"`
	// 健康报告统计的最近事件数
	HealthWindow int `yaml:"health_window" env:"HEALTH_WINDOW"`
	// 执行链 YAML 定义，为空时使用默认内容流水线
	ChainFile string `yaml:"chain_file" env:"CHAIN_FILE"`
	// RunBatch 并发上限，0 表示不限制
	BatchConcurrency int `yaml:"batch_concurrency" env:"BATCH_CONCURRENCY"`
}

// StageConfig 单个阶段的覆盖配置；零值字段继承全局配置
type StageConfig struct {
	Timeout        time.Duration         `yaml:"timeout"`
	MaxExecutions  int                   `yaml:"max_executions"`
	Retry          *RetryConfig          `yaml:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	// 最大尝试次数（含首次调用）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 第二次尝试前的延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 指数退避倍数
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 是否添加抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
	// 抖动幅度（±比例）
	JitterFraction float64 `yaml:"jitter_fraction" env:"JITTER_FRACTION"`
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

// LoopGuardConfig 循环防护配置
type LoopGuardConfig struct {
	MaxExecutionsPerStage  int           `yaml:"max_executions_per_stage" env:"MAX_EXECUTIONS_PER_STAGE"`
	MaxExecutionsPerMethod int           `yaml:"max_executions_per_method" env:"MAX_EXECUTIONS_PER_METHOD"`
	HistorySize            int           `yaml:"history_size" env:"HISTORY_SIZE"`
	OscillationThreshold   int           `yaml:"oscillation_threshold" env:"OSCILLATION_THRESHOLD"`
	MinCallInterval        time.Duration `yaml:"min_call_interval" env:"MIN_CALL_INTERVAL"`
	Window                 time.Duration `yaml:"window" env:"WINDOW"`
	WindowMaxCalls         int           `yaml:"window_max_calls" env:"WINDOW_MAX_CALLS"`
	RepeatThreshold        int           `yaml:"repeat_threshold" env:"REPEAT_THRESHOLD"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	environ    func() []string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "CONTENTFLOW",
		lookupEnv: os.LookupEnv,
		environ:   os.Environ,
	}
}

// WithConfigPath 设置配置文件路径；文件不存在时只用默认值与环境变量
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
	return l
}

// WithValidator 添加配置验证器，按添加顺序执行
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 严格解码 YAML：未知字段报错，空文件视为无覆盖
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", l.configPath, err)
	}
	return nil
}

// loadFromEnv 按 env tag 覆盖结构体字段，再处理 <PREFIX>_STAGES_<STAGE>_<FIELD> 形式的阶段覆盖
func (l *Loader) loadFromEnv(cfg *Config) error {
	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return err
	}
	return l.loadStageEnv(cfg)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := l.setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := l.lookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// stageEnvFields 阶段覆盖支持的字段后缀
var stageEnvFields = []string{"_TIMEOUT", "_MAX_EXECUTIONS"}

// loadStageEnv 例如 CONTENTFLOW_STAGES_DRAFT_GENERATION_TIMEOUT=10m
func (l *Loader) loadStageEnv(cfg *Config) error {
	prefix := l.envPrefix + "_STAGES_"
	for _, kv := range l.environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		for _, suffix := range stageEnvFields {
			stage, found := strings.CutSuffix(rest, suffix)
			if !found || stage == "" {
				continue
			}
			name := strings.ToLower(stage)
			if cfg.Stages == nil {
				cfg.Stages = make(map[string]StageConfig)
			}
			sc := cfg.Stages[name]
			switch suffix {
			case "_TIMEOUT":
				d, err := time.ParseDuration(value)
				if err != nil {
					return fmt.Errorf("failed to set %s: %w", key, err)
				}
				sc.Timeout = d
			case "_MAX_EXECUTIONS":
				n, err := strconv.Atoi(value)
				if err != nil {
					return fmt.Errorf("failed to set %s: %w", key, err)
				}
				sc.MaxExecutions = n
			}
			cfg.Stages[name] = sc
			break
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 将字符串解析为字段类型
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}
