// Copyright (c) ModelGate Authors.
// Licensed under the MIT License.

/*
Package types 提供 ModelGate 网关的全局共享类型定义。

# 概述

types 是网关最底层的公共包，不依赖任何内部包，为 gateway、config、
internal 等上层模块提供统一的错误契约。所有跨包共享的错误码、结构化
错误类型和错误工具链均定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、RetryAfter、Provider 标记
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - 常用错误构造：NewAdmissionRejectedError / NewRateLimitedError / NewUnavailableError
*/
package types
