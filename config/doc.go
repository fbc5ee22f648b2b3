// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 DurableFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → DURABLEFLOW_* 环境变量 的顺序叠加，
// 并提供工作流定义目录的轮询监听，用于在运行时重新加载定义。
package config
