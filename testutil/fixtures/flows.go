// Package fixtures 提供 flow 测试使用的样例输入与配置。
package fixtures

import (
	"time"

	"github.com/BaSui01/contentflow/retry"
	"github.com/BaSui01/contentflow/workflow"
)

// ArticleInput 普通文章输入
func ArticleInput() map[string]any {
	return map[string]any{
		"topic":    "circuit breakers in content pipelines",
		"audience": "platform engineers",
		"tone":     "practical",
	}
}

// OriginalContentInput 原创内容输入，默认执行链会跳过调研
func OriginalContentInput() map[string]any {
	in := ArticleInput()
	in[workflow.InputOriginalContent] = true
	return in
}

// FastRetry 毫秒级退避的重试策略
func FastRetry(attempts int) *retry.Policy {
	return &retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

// ManagerConfig 适合测试的 StageManager 配置：快速重试、不限时
func ManagerConfig() workflow.ManagerConfig {
	cfg := workflow.DefaultManagerConfig()
	cfg.Retry = FastRetry(3)
	cfg.DefaultTimeout = 0
	cfg.LoopGuard.MinCallInterval = 0
	return cfg
}
