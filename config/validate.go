package config

import (
	"fmt"
	"strings"

	"github.com/BaSui01/contentflow/internal/database"
	"github.com/BaSui01/contentflow/persistence"
	"github.com/BaSui01/contentflow/workflow"
	"go.uber.org/zap/zapcore"
)

// Validate 验证配置，收集全部问题后一次返回
func (c *Config) Validate() error {
	var errs []string

	if c.Flow.MaxStageExecutions <= 0 {
		errs = append(errs, "flow.max_stage_executions must be positive")
	}
	if c.Flow.DefaultTimeout < 0 {
		errs = append(errs, "flow.default_timeout must not be negative")
	}
	if c.Flow.MaxEvents <= 0 {
		errs = append(errs, "flow.max_events must be positive")
	}
	if c.Flow.BatchConcurrency < 0 {
		errs = append(errs, "flow.batch_concurrency must not be negative")
	}

	errs = append(errs, c.Retry.validate("retry")...)
	errs = append(errs, c.CircuitBreaker.validate("circuit_breaker", false)...)
	errs = append(errs, c.LoopGuard.validate()...)

	for name, sc := range c.Stages {
		prefix := "stages." + name
		stage, err := workflow.ParseStage(name)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
			continue
		}
		if stage == workflow.StageError {
			errs = append(errs, prefix+": error stage cannot be configured")
		}
		if sc.Timeout < 0 {
			errs = append(errs, prefix+".timeout must not be negative")
		}
		if sc.MaxExecutions < 0 {
			errs = append(errs, prefix+".max_executions must not be negative")
		}
		if sc.Retry != nil {
			errs = append(errs, sc.Retry.validate(prefix+".retry")...)
		}
		if sc.CircuitBreaker != nil {
			errs = append(errs, sc.CircuitBreaker.validate(prefix+".circuit_breaker", true)...)
		}
	}

	errs = append(errs, validateCheckpoint(c.Checkpoint)...)

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Sprintf("log.format must be json or console, got %q", c.Log.Format))
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, "metrics.namespace is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r RetryConfig) validate(prefix string) []string {
	var errs []string
	if r.MaxAttempts <= 0 {
		errs = append(errs, prefix+".max_attempts must be positive")
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, prefix+": delays must not be negative")
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		errs = append(errs, prefix+".initial_delay must not exceed max_delay")
	}
	if r.Multiplier < 1 {
		errs = append(errs, prefix+".multiplier must be at least 1")
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		errs = append(errs, prefix+".jitter_fraction must be between 0 and 1")
	}
	return errs
}

// validate partial 为 true 时允许零值（继承全局配置）
func (b CircuitBreakerConfig) validate(prefix string, partial bool) []string {
	var errs []string
	if b.FailureThreshold < 0 || (!partial && b.FailureThreshold == 0) {
		errs = append(errs, prefix+".failure_threshold must be positive")
	}
	if b.SuccessThreshold < 0 || (!partial && b.SuccessThreshold == 0) {
		errs = append(errs, prefix+".success_threshold must be positive")
	}
	if b.RecoveryTimeout < 0 || (!partial && b.RecoveryTimeout == 0) {
		errs = append(errs, prefix+".recovery_timeout must be positive")
	}
	return errs
}

func (g LoopGuardConfig) validate() []string {
	var errs []string
	if g.MaxExecutionsPerStage <= 0 {
		errs = append(errs, "loop_guard.max_executions_per_stage must be positive")
	}
	if g.MaxExecutionsPerMethod <= 0 {
		errs = append(errs, "loop_guard.max_executions_per_method must be positive")
	}
	if g.HistorySize <= 0 {
		errs = append(errs, "loop_guard.history_size must be positive")
	}
	if g.MinCallInterval < 0 || g.Window < 0 {
		errs = append(errs, "loop_guard: intervals must not be negative")
	}
	return errs
}

func validateCheckpoint(sc persistence.StoreConfig) []string {
	var errs []string
	switch sc.Type {
	case persistence.StoreTypeMemory:
	case persistence.StoreTypeFile:
		if sc.BaseDir == "" {
			errs = append(errs, "checkpoint.base_dir is required for the file store")
		}
	case persistence.StoreTypeRedis:
		if sc.Redis.Host == "" || sc.Redis.Port <= 0 {
			errs = append(errs, "checkpoint.redis host and port are required for the redis store")
		}
	case persistence.StoreTypeSQL:
		switch sc.SQL.Driver {
		case database.DriverPostgres, database.DriverMySQL, database.DriverSQLite:
		default:
			errs = append(errs, fmt.Sprintf("checkpoint.sql.driver %q is not supported", sc.SQL.Driver))
		}
		if sc.SQL.DSN == "" {
			errs = append(errs, "checkpoint.sql.dsn is required for the sql store")
		}
		if sc.SQL.Pool != (database.PoolConfig{}) {
			if err := sc.SQL.Pool.Validate(); err != nil {
				errs = append(errs, "checkpoint.sql.pool: "+err.Error())
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("checkpoint.type %q is not supported", sc.Type))
	}
	if sc.Retry.MaxRetries < 0 {
		errs = append(errs, "checkpoint.retry.max_retries must not be negative")
	}
	return errs
}
