// 版权所有 2026 ModelGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的调度核心指标采集能力，覆盖
准入、故障转移、缓存亲和与审计四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂注册机制，测试可传入独立 Registry 避免重复注册。所有指标按
namespace 隔离，支持多维度 label 分组，便于 Grafana 等工具进行
可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。nil 接收者上的记录
    方法是空操作，测试无需构造收集器。

# 主要能力

  - 准入指标：检查总数、通过率滑动均值、负载因子，按 credential 分组。
  - 故障转移指标：尝试总数与耗时（按 provider/outcome 分组）、
    整次执行结果计数、首块探测失败计数。
  - 缓存亲和指标：查询命中/未命中/出错计数。
  - 审计指标：被吞掉的审计写入失败计数、单请求候选数分布。
*/
package metrics
