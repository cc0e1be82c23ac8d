// 版权所有 2026 ModelGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理网关的 HTTP 监听面生命周期。

网关进程对外暴露两个监听器：api 面承载候选预览、健康检查与
流式转发入口，metrics 面暴露 Prometheus 抓取端点。每个监听器
由一个 Manager 负责绑定、后台服务与幂等的优雅关闭；进程主
循环用 AwaitSignal 等待 SIGINT/SIGTERM 或任一监听器的异步
错误，再按序关停全部监听器。

APIDefaults 与 MetricsDefaults 给出两个监听面的缺省配置，
其中 api 面的写超时为 0，避免 SSE 长流被服务器超时截断。
*/
package server
