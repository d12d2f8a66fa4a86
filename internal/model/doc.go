/*
Package model 定义 agent 的领域模型：

attribute.go -- 设备/配置组上的属性定义 (active, lazy, commands, static)

device.go -- 设备 (Device) 及其有效配置的合并规则

group.go -- 配置组 (Group)

command.go -- 轮询设备的待下发命令

entity.go -- 发往 / 来自 Context Broker 的实体与属性值
*/
package model
