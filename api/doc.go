// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package api 定义 durableflow HTTP 接口的请求与响应类型。
//
// 路由（由 serve 子命令注册）:
//
//	GET  /v1/workflows                              已加载的工作流定义
//	GET  /v1/workflows/{name}                       单个定义
//	POST /v1/workflows/{name}/executions            启动一次执行
//	GET  /v1/executions?status=&limit=              执行列表
//	GET  /v1/executions/{id}                        执行记录与步骤
//	POST /v1/executions/{id}/resume                 恢复暂停节点
//	POST /v1/executions/{id}/retry                  重试失败节点
//	GET  /v1/executions/{id}/events?after=&count=   审计事件
//	GET  /v1/executions/{id}/checkpoints            检查点
//	GET  /v1/executions/{id}/metrics                节点指标
package api
