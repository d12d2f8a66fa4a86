/*
Package pkg 包含了项目的公共类部分。具体地：

config.go -- 统一定义了所有配置的加载项，便于使用

logger.go -- 配置logger项，以及 logger 在 context 中的挂载

errors.go -- agent 对外的错误分类 (AgentError)，HTTP 层据此返回 {name, message}

errChan.go -- 后台协程向主线程汇报致命错误的通道
*/
package pkg
