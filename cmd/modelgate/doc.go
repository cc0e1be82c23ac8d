// Copyright (c) ModelGate Authors.
// Licensed under the MIT License.

// modelgate 命令是 ModelGate 网关的主入口，提供 serve、migrate、
// seed、health、version 子命令。
package main
