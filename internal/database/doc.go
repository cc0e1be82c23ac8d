// 版权所有 2026 ModelGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理，支持多方言打开、
健康检查、作用域连接与事务重试。

# 概述

本包通过 PoolManager 封装 GORM 与 database/sql 的连接池配置，
统一管理连接生命周期、空闲回收与最大连接数限制。Open 按驱动类型
（postgres/mysql/sqlite）构造 GORM 方言。后台健康检查定时探活，
异常时通过 zap 日志输出诊断信息。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时与健康检查间隔。
  - OpenConfig：驱动类型 + DSN。
  - ConnFunc / TransactionFunc：作用域连接与事务回调函数类型。

# 资源纪律

池化连接是稀缺资源，不允许跨上游网络调用闲置。WithConnection 将
「获取 → 同步落库 → 释放」封装为作用域资源：回调的每条退出路径
（包括提前返回与错误）都保证连接归还，之后调用方才能进入任何
网络 I/O 挂起点。审计记录的状态写入都要求经由这一路径。

# 主要能力

  - 多方言打开：postgres/mysql 生产部署，sqlite 纯 Go 驱动用于测试。
  - 连接池调优：通过 MaxIdleConns/MaxOpenConns/ConnMaxLifetime 精细控制。
  - 健康检查：后台定时 PingContext 探活，输出连接数与空闲数。
  - 事务管理：WithTransaction 提供单次事务执行，
    WithTransactionRetry 支持指数退避重试（死锁、序列化失败等场景）。
*/
package database
