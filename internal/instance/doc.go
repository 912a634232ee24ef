// Package instance 定义服务器实例领域模型、持久化注册表与生命周期编排（Manager）。
//
// 版本解析、构件下载、进程控制与日志读取通过窄接口注入，由 main 负责装配具体实现。
package instance
