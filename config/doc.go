// Package config 提供 ContentFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → CONTENTFLOW_* 环境变量 的顺序叠加，
// Validate 一次性报告全部问题，ManagerConfig / StoreConfig 将配置
// 转换为 workflow 与 persistence 包使用的结构。
package config
