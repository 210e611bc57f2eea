// Copyright (c) ContentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 ContentFlow 命令行工具。

# 概述

cmd/contentflow 是 flow 引擎的运维入口，用于校验执行链定义、查看
checkpoint 存储以及从最新 checkpoint 重建 flow 状态。命令行基于
kong 解析，配置通过 config.Loader 从 YAML 文件与 CONTENTFLOW_* 环境变量加载，
日志使用 zap。

# 子命令

  - validate-chain：校验执行链（--chain 或 flow.chain_file，缺省为内置链），输出 JSON 报告
  - checkpoints list --flow ID：按时间顺序列出 flow 的 checkpoint
  - checkpoints stats：输出存储统计
  - recover --flow ID：重建 FlowState 并给出恢复后的下一步骤，不执行任何阶段
  - version：版本信息，Version、BuildTime、GitCommit 通过 ldflags 注入

所有子命令接受全局参数 --config / -c。命令输出写到 stdout，日志写到 stderr。
*/
package main
