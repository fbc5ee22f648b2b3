// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 durableflow 的可执行入口。

# 子命令

  - serve     启动 API 服务与独立端口的 Prometheus 指标服务
  - run       同步启动一次工作流并输出 RunResult JSON
  - resume    以外部数据恢复暂停的节点
  - retry     重跑失败的节点
  - validate  解析并校验 JSON、YAML、HCL 定义文件
  - migrate   数据库迁移（up、down、steps、goto、force、status 等）
  - health    探测运行中服务的 /healthz 或 /ready
  - version   打印构建注入的版本信息

# 组装

Runtime 负责打开数据库连接池、按需执行迁移、连接 Redis（分布式运行锁
与事件流）并以内置执行器构建 workflow.Engine。Server 在其上挂载
/v1 路由与健康检查，并在 workflows.watch 开启时轮询定义目录，
整体替换定义目录快照。

中间件链：Recovery、RequestID、SecurityHeaders、CORS、RequestLogger、
OTelTracing、MetricsMiddleware、RateLimiter（按 IP）、APIKeyAuth。
*/
package main
