package expression

import "strings"

// Cast 按属性声明的类型转换表达式结果
func Cast(typ string, v any) any {
	switch strings.ToLower(typ) {
	case "number", "integer", "float":
		if f, ok := toNumber(v); ok {
			if strings.EqualFold(typ, "float") {
				return f
			}
			return normalizeNumber(f)
		}
		return v
	case "boolean":
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return b == "true" || b == "1"
		}
		if f, ok := toNumber(v); ok {
			return f == 1
		}
		return false
	case "none":
		return nil
	case "text", "string":
		return toString(v)
	}
	return v
}

// String 将求值结果格式化为字符串
func String(v any) string {
	return toString(v)
}
