// Copyright (c) ContentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 contentflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、persistence、
config 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode: 结构化错误体系，含 Retryable 与 Stage 标记
  - Coded            : 携带错误码的类型化错误接口
  - WithFlowID / WithStage 等: 沿 context 传递 flow 标识与当前阶段

# 主要能力

  - 错误码解析：GetErrorCode / IsErrorCode（沿 errors.As 链查找）
  - 可重试判断：IsRetryable
  - 失败记录类型名：TypeName
*/
package types
