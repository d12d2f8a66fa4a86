// Package expression 实现属性表达式的求值。
//
// 表达式可以是 "${...}" 模板，也可以是不带模板的单个表达式。表达式内
// "@name" 或裸标识符引用上下文中的变量，"#" 做字符串拼接，"+" 在两侧
// 都是数字时相加、否则拼接。编译结果按原始字符串缓存。
package expression
