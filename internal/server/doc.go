// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 durableflow 的 HTTP 监听生命周期。

API 服务与 Prometheus 指标服务各由一个 Manager 承载：Start 非阻塞地
监听并服务，Serve 阻塞到 context 结束后优雅关闭，Shutdown 在
ShutdownTimeout 内排空进行中的请求。监听端口为 0 时可通过 ListenAddr
取得实际绑定的地址。
*/
package server
