// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 为出站调用提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 供 webhook/http 节点的 HTTP 客户端与 Redis 连接使用。
package tlsutil
