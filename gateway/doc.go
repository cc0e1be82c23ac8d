// Copyright (c) ModelGate Authors.
// Licensed under the MIT License.

/*
Package gateway 实现 ModelGate 的候选调度与故障转移执行核心。

# 概述

对每个入站请求，核心按优先级构造一组可路由的
(Provider, Endpoint, Credential) 候选三元组，经过排序、
缓存亲和重排与准入控制后，交由故障转移引擎依次尝试，
并为每次尝试维护完整的审计轨迹。

# 组件

  - CandidateBuilder：从活跃 Provider 构造合格候选（协议兼容、
    模型支持、凭证可用性过滤）。
  - CandidateSorter：优先级排序 / 公平轮转 / 负载均衡洗牌。
  - CacheAffinityManager：滑动 TTL 的会话亲和绑定。
  - ConcurrencyChecker：共享并发计数 + 自适应预留准入。
  - CacheAwareScheduler：组合以上组件的调度门面。
  - ErrorClassifier：错误分类与上游错误信封解析。
  - FailoverEngine：审计状态机驱动的候选遍历执行器。
  - CandidateResolver：分页取数、全局重排与审计批量创建。

跨副本共享状态（并发计数、熔断健康、亲和绑定、轮转游标）
全部存放在 Redis；审计轨迹持久化在关系库中。
*/
package gateway
