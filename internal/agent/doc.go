/*
Package agent 组装注册表、NGSI 方言、broker 网关、命令队列与变换链，对外提供 IoT agent 的编程接口。

agent.go -- Activate / Deactivate 与组件装配

south.go -- 南向接口：设备开通注销、测量值上报、命令队列与命令结果

north.go -- 北向接口：broker 转发的更新、查询与订阅通知

handlers.go -- 协议层注册的回调与中间件
*/
package agent
