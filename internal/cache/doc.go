// 版权所有 2026 ModelGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的共享状态访问能力，支持连接池、健康检查、
JSON 序列化与原子计数器。

# 概述

本包封装 go-redis 客户端，为调度核心提供统一的共享状态接口。
网关的缓存亲和绑定、凭据并发计数器、熔断健康状态与轮转游标都存放在
Redis，保证多副本部署下的正确性。Manager 负责连接生命周期管理，
包括初始化、健康检查与优雅关闭。

# 核心类型

  - Manager：共享状态管理器，持有 Redis 客户端与连接池配置，
    提供 Get/Set/Delete/Exists/Expire 等基础操作、
    GetJSON/SetJSON 便捷序列化方法，以及 Incr/DecrFloor 原子计数器。
  - Config：Redis 配置，包含地址、密码、连接池大小、默认 TTL
    与健康检查间隔等参数。

# 主要能力

  - 键值读写：支持字符串与 JSON 两种模式的存取。
  - 原子计数器：Incr/DecrFloor 用于并发槽位，DecrFloor 通过
    Lua 脚本保证结果不为负。
  - 滑动 TTL：Expire 用于亲和绑定的窗口刷新。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 错误语义：提供 ErrCacheMiss 哨兵错误。
*/
package cache
