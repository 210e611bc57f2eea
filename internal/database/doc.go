// 版权所有 2024 ContentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为 SQL checkpoint 后端打开数据库并管理连接池。

Open 按驱动名（postgres / mysql / sqlite）选择 GORM dialector，sqlite
使用 glebarez 的纯 Go 实现。Pool 包装 *gorm.DB，后台定时探活，Close 可重复调用。

checkpoint 写入通过 TxRetry 执行：死锁、锁等待、SQLITE_BUSY 与断连由 Transient
识别后按指数退避整体重试事务，其余错误直接返回。Config.SlowQuery 大于 0 时
慢查询经 zap 输出。
*/
package database
