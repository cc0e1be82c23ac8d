// Package telemetry 封装网关进程的 OpenTelemetry SDK 初始化，
// 统一设置全局 TracerProvider / MeterProvider 与 W3C 传播器，
// 并在资源里带上服务命名空间与宿主实例标识。
// 遥测禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
