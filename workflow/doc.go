// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供持久化的工作流编排与执行引擎。

# 概述

workflow 包把 JSON / YAML / HCL 定义的工作流编译为依赖图，按节点状态机
驱动执行，并在每个节点边界写入 checkpoint，使执行可以在暂停（表单、审批、
签名、回调）或进程崩溃之后继续。

# 核心类型

  - Definition / DefinitionCatalog：工作流定义的解析、校验与目录加载
  - DependencyGraph：BuildGraph 构建的依赖图（环检测、入口推断）
  - StateMachine / Scheduler：节点状态转换表与就绪调度
  - Navigator：基于优先级分层的条件路由
  - JoinHandler：wait_all / wait_any 汇合与超时
  - ExecutionContext：全局与节点局部变量、模板解析、快照
  - CheckpointManager：带版本号的 checkpoint，敏感字段脱敏
  - RetryStrategy / CircuitBreaker：指数退避重试与按节点类型熔断
  - ExecutorRegistry：节点类型到执行器的路由
  - Engine / Orchestrator：初始化、执行、恢复、重试单个节点

# 存储

Store 接口有内存实现（MemoryStore）以及 persistence 子包中的 gorm 与
Redis 实现。事件异步写入，checkpoint 同步写入。
*/
package workflow
