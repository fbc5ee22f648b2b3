// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理工作流存储的数据库 Schema，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

各方言的 SQL 脚本内嵌在 migrations/<dialect>/ 下，创建
workflow_executions、workflow_step_executions、workflow_checkpoints、
workflow_events 与 workflow_metrics 五张表；workflow_checkpoints 上的
唯一索引 idx_checkpoint_version 保证同一执行、同一节点的检查点版本
不会重复写入。

  - Migrator / DefaultMigrator：Up、Down、Steps、Goto、Force、Status 等操作。
  - NewMigratorFromConfig：从应用配置的 database 段创建迁移器。
  - CLI：durableflow migrate 子命令使用的终端输出层。
*/
package migration
