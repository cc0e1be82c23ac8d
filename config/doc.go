// Copyright (c) ModelGate Authors.
// Licensed under the MIT License.

// Package config 提供 ModelGate 调度核心的配置管理功能。
//
// 支持从 YAML 文件和环境变量加载配置，优先级为
// 默认值 → 文件 → 环境变量，并提供可插拔的验证器。
package config
