/*
Package middleware 实现更新、查询、通知与开通流程上的变换链。

chain.go -- 泛型变换链 Chain[T]，按注册顺序折叠执行，第一个错误即中止

transforms.go -- 表达式计算、属性别名、时间戳处理与压缩

bidirectional.go -- 双向属性：开通时订阅，通知时反算设备属性

plugins.go -- 按名称启用内置变换
*/
package middleware
