// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 durableflow HTTP API 的请求处理器。

  - ExecutionHandler：工作流定义查询、启动执行、恢复暂停节点、
    重试失败节点，以及执行记录、审计事件、检查点与节点指标查询。
  - HealthHandler：/healthz 存活探针与 /readyz 就绪探针，
    可注册数据库、Redis 等 HealthCheck。
  - Response / ErrorInfo：统一 JSON 响应结构；WriteError 将引擎错误
    映射为 404、409、422 或 500。
*/
package handlers
