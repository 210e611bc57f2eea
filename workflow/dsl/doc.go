// Package dsl 提供 YAML 声明式执行链定义：步骤、阶段、跳转目标、
// 关键性、条件表达式与降级值，解析为 *workflow.ExecutionChain。
//
// 条件表达式支持比较与逻辑运算，变量环境见 ConditionVars，例如：
//
//	when: "!input.original_content && vars.research_enabled"
package dsl
