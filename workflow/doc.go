// Copyright (c) ContentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供内容流水线的流程控制引擎。

# 概述

一次内容生成按固定顺序经过若干阶段（校验 → 调研 → 受众对齐 → 初稿 →
风格检查 → 质量评估 → 定稿），每个阶段由昂贵且不可靠的外部 worker 完成。
本包负责决定每个阶段是否执行、最多执行几次、失败后如何处理，以及崩溃后
如何从 checkpoint 恢复。

# 核心类型

  - Stage / CanTransition：阶段枚举与合法转换图
  - FlowState：单个 flow 的权威状态（转换历史、完成阶段、重试计数、阶段产出）
  - CircuitBreaker：按 (flow, stage) 隔离的熔断器，Closed/Open/HalfOpen
  - RetryExecutor：指数退避重试，每次重试递增阶段重试计数
  - LoopGuard：阶段执行上限之外的振荡、突发与强制停止检测
  - StageManager：阶段执行编排，breaker(retry(worker))、超时、事件、checkpoint
  - ExecutionChain：显式步骤表，条件跳过、关键步骤、降级函数、下一步路由
  - Runner：驱动循环 Run / Resume / RunBatch
  - FlowRegistry：运行中 flow 的显式注册表与健康汇总

# 组合方式

熔断器包裹重试：一次完整的重试序列失败只计为一次熔断失败。
checkpoint 只在阶段成功后异步写入，下一个阶段开始前等待写入完成；
写入失败视为致命错误。
*/
package workflow
