// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集。

Collector 实现 workflow.MetricsRecorder，记录执行次数与耗时、
节点结果、重试次数、状态转换以及检查点写入延迟与大小；
同时记录 HTTP 请求与数据库连接池状态，供 serve 子命令的
/metrics 端点导出。指标通过 promauto.With 注册到调用方提供的
Registerer，测试中可使用独立的 prometheus.Registry。
*/
package metrics
