// 版权所有 2024 ContentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供 flow checkpoint 的持久化、恢复与终态归档。

# 概述

CheckpointStore 在每个阶段成功完成后保存 FlowState 快照，进程重启后
通过 RecoverLatest 取回最新 checkpoint 继续执行。flow 进入终态时，
ArchiveCompleted / ArchiveFailed 先写入归档记录，再删除该 flow 的全部 checkpoint。

# 存储后端

  - MemoryBackend：内存实现，适合开发与测试。
  - FileBackend：checkpoints/<flow_id>/<unixnano>_<stage>.json，原子写。
  - RedisBackend：字符串 + 每个 flow 一个有序集合索引，支持 TTL。
  - SQLBackend：GORM 实现，支持 postgres / mysql / sqlite。

NewBackend / NewCheckpointStoreFromConfig 按 StoreConfig.Type 选择后端。

# 可靠性

写入经 retry 包按指数退避重试；同一 flow 的 checkpoint 时间戳严格递增，
ID 中的时间戳补零到 20 位，字典序即时间序。
*/
package persistence
