// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 负责打开工作流存储使用的数据库连接。

Dialector 按配置选择 postgres、mysql 或纯 Go 的 sqlite 驱动；
PoolManager 设置连接池参数，并在后台定时 Ping 探活，
其 Ping 与 GetStats 结果供服务的健康检查接口使用。
*/
package database
