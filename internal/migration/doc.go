// Copyright (c) ModelGate Authors.
// Licensed under the MIT License.

/*
包 migration 管理网关目录表与审计表的数据库 Schema 迁移，
支持 PostgreSQL、MySQL 与 SQLite 三种方言，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 随二进制内嵌，由 golang-migrate
引擎执行版本化变更。支持正向迁移、回滚、跳转到指定版本以及强制
设置版本号（修复 dirty 状态）。

# 核心类型

  - Migrator：迁移操作集接口（Up/Down/DownAll/Goto/Force/Version/
    Status/Info/Close）。
  - SchemaMigrator：Migrator 的 golang-migrate 实现，按方言表驱动
    选择 sql 驱动与内嵌迁移目录。
  - Config：迁移配置（方言、连接串、版本记录表名）。
  - Console：面向 migrate 子命令的文本输出包装。

# 工厂函数

  - NewMigratorFromDatabaseConfig：从网关数据库配置构造。
  - NewMigratorFromURL：从方言名与连接串直连构造。
  - BuildDSN / ParseDatabaseType：连接串拼接与方言解析辅助。
*/
package migration
