// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package telemetry 初始化 OpenTelemetry 的 TracerProvider 与 MeterProvider。
// 引擎为每次运行创建 workflow.run span，为每个节点创建 workflow.node 子 span；
// 遥测禁用时保持全局 noop 实现，不连接任何外部服务。
package telemetry
