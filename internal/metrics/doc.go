// 版权所有 2024 ContentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的 flow 引擎指标采集能力。

# 概述

Collector 实现 workflow.MetricsRecorder，通过 promauto 在给定
Registry 上注册指标。所有指标按 namespace 隔离。

# 主要能力

  - 阶段指标：执行次数与耗时（按 stage/outcome），重试次数。
  - 熔断器指标：状态转换、拒绝次数、当前是否熔断。
  - 循环防护指标：上限触发（按 kind）与风险告警（按 pattern）。
  - checkpoint 指标：写入次数（按 success）与写入耗时。
  - flow 指标：结束状态、端到端耗时、运行中 flow 数。
  - Handler 暴露 Prometheus 抓取端点。
*/
package metrics
