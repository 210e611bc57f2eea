// 版权所有 2024 ContentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package testutil 提供 contentflow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 事件断言: EventTypes / CountEvents / StageEvents
  - 异步等待: WaitFor

# 子包

  - testutil/mocks: MockWorker（可编排的阶段 worker，支持前 N 次失败、
    永久失败、延迟与 panic）与 RecordingCheckpointer（记录 checkpoint 写入
    与归档，可注入写入失败）
  - testutil/fixtures: 样例输入与测试用 StageManager 配置

# 使用示例

	workers := mocks.Workers()
	workers[workflow.StageDraftGeneration].FailTimes(2, errors.New("rate limited"))
	store := mocks.NewRecordingCheckpointer()
	runner := workflow.NewRunner(nil, mocks.StageFuncs(workers), store,
		workflow.WithRunnerConfig(fixtures.ManagerConfig()))
*/
package testutil
