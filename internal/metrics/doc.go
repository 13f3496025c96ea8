// 版权所有 2024 RouteCodex Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供网关全链路的 Prometheus 指标采集能力，覆盖
HTTP 入口、上游 Provider、Failover 重试与 Quota 状态四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按组件分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 route/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - Provider 指标：请求总数、请求耗时、Token 用量（estimated/actual），
    按 provider_key 分组。
  - Failover 指标：每次重试的结果分布（success/retryable/fatal）、
    耗尽次数，按 route_key 分组。
  - Quota 指标：冷却状态 Gauge、拉黑次数计数，按 provider_key 分组。
  - 缓存指标：凭证缓存命中与未命中计数，按 cache_type 分组。
*/
package metrics
