package expression

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

// functionNames 表达式中注册的函数，不参与变量收集
var functionNames = map[string]struct{}{}

func function(name string, fn func(params ...any) (any, error), types ...any) expr.Option {
	functionNames[name] = struct{}{}
	return expr.Function(name, fn, types...)
}

func arity(name string, params []any, n int) error {
	if len(params) != n {
		return fmt.Errorf("%s 需要 %d 个参数, 得到 %d", name, n, len(params))
	}
	return nil
}

func numberArg(name string, v any) (float64, error) {
	if f, ok := toNumber(v); ok {
		return f, nil
	}
	return 0, fmt.Errorf("%s 需要数字参数, 得到 %T", name, v)
}

func intArg(name string, v any) (int, error) {
	f, err := numberArg(name, v)
	return int(f), err
}

func unaryMath(name string, op func(float64) float64) expr.Option {
	return function(name, func(params ...any) (any, error) {
		if err := arity(name, params, 1); err != nil {
			return nil, err
		}
		f, err := numberArg(name, params[0])
		if err != nil {
			return nil, err
		}
		return normalizeNumber(op(f)), nil
	}, new(func(any) any))
}

// helpers 字符串与数学函数
var helpers = []expr.Option{
	function("add", func(params ...any) (any, error) {
		if err := arity("add", params, 2); err != nil {
			return nil, err
		}
		return add(params[0], params[1]), nil
	}, new(func(any, any) any)),

	function("sprintf", func(params ...any) (any, error) {
		if len(params) < 1 {
			return nil, errors.New("sprintf 需要至少一个参数")
		}
		format, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("sprintf 第一个参数需要 string, 得到 %T", params[0])
		}
		return fmt.Sprintf(format, params[1:]...), nil
	}, new(func(string, ...any) string)),

	function("string", func(params ...any) (any, error) {
		if err := arity("string", params, 1); err != nil {
			return nil, err
		}
		return toString(params[0]), nil
	}, new(func(any) string)),

	function("indexOf", func(params ...any) (any, error) {
		if err := arity("indexOf", params, 2); err != nil {
			return nil, err
		}
		return strings.Index(toString(params[0]), toString(params[1])), nil
	}, new(func(any, any) int)),

	function("length", func(params ...any) (any, error) {
		if err := arity("length", params, 1); err != nil {
			return nil, err
		}
		return len([]rune(toString(params[0]))), nil
	}, new(func(any) int)),

	function("substr", func(params ...any) (any, error) {
		if err := arity("substr", params, 3); err != nil {
			return nil, err
		}
		start, err := intArg("substr", params[1])
		if err != nil {
			return nil, err
		}
		n, err := intArg("substr", params[2])
		if err != nil {
			return nil, err
		}
		s := []rune(toString(params[0]))
		start = clamp(start, len(s))
		return string(s[start:clamp(start+max(n, 0), len(s))]), nil
	}, new(func(any, any, any) string)),

	function("slice", func(params ...any) (any, error) {
		if err := arity("slice", params, 3); err != nil {
			return nil, err
		}
		start, err := intArg("slice", params[1])
		if err != nil {
			return nil, err
		}
		end, err := intArg("slice", params[2])
		if err != nil {
			return nil, err
		}
		s := []rune(toString(params[0]))
		start, end = clamp(start, len(s)), clamp(end, len(s))
		if end < start {
			return "", nil
		}
		return string(s[start:end]), nil
	}, new(func(any, any, any) string)),

	function("trim", func(params ...any) (any, error) {
		if err := arity("trim", params, 1); err != nil {
			return nil, err
		}
		return strings.TrimSpace(toString(params[0])), nil
	}, new(func(any) string)),

	function("uppercase", func(params ...any) (any, error) {
		if err := arity("uppercase", params, 1); err != nil {
			return nil, err
		}
		return strings.ToUpper(toString(params[0])), nil
	}, new(func(any) string)),

	function("lowercase", func(params ...any) (any, error) {
		if err := arity("lowercase", params, 1); err != nil {
			return nil, err
		}
		return strings.ToLower(toString(params[0])), nil
	}, new(func(any) string)),

	// replace 只替换第一次出现
	function("replace", func(params ...any) (any, error) {
		if err := arity("replace", params, 3); err != nil {
			return nil, err
		}
		return strings.Replace(toString(params[0]), toString(params[1]), toString(params[2]), 1), nil
	}, new(func(any, any, any) string)),

	unaryMath("sin", math.Sin),
	unaryMath("cos", math.Cos),
	unaryMath("abs", math.Abs),
	unaryMath("floor", math.Floor),
	unaryMath("ceiling", math.Ceil),
	unaryMath("round", math.Round),

	function("min", func(params ...any) (any, error) {
		return fold("min", params, math.Min)
	}, new(func(any, any) any)),

	function("max", func(params ...any) (any, error) {
		return fold("max", params, math.Max)
	}, new(func(any, any) any)),

	function("mod", func(params ...any) (any, error) {
		return fold("mod", params, math.Mod)
	}, new(func(any, any) any)),

	function("random", func(params ...any) (any, error) {
		return rand.Float64(), nil
	}, new(func() float64)),
}

func fold(name string, params []any, op func(a, b float64) float64) (any, error) {
	if err := arity(name, params, 2); err != nil {
		return nil, err
	}
	a, err := numberArg(name, params[0])
	if err != nil {
		return nil, err
	}
	b, err := numberArg(name, params[1])
	if err != nil {
		return nil, err
	}
	return normalizeNumber(op(a, b)), nil
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// add 两侧都是数字时相加，否则按字符串拼接
func add(a, b any) any {
	x, xInt, xok := numeric(a)
	y, yInt, yok := numeric(b)
	if xok && yok {
		if xInt && yInt {
			return int64(x) + int64(y)
		}
		return x + y
	}
	return toString(a) + toString(b)
}

// numeric 仅识别 Go 数字类型
func numeric(v any) (float64, bool, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true, true
	case int8:
		return float64(n), true, true
	case int16:
		return float64(n), true, true
	case int32:
		return float64(n), true, true
	case int64:
		return float64(n), true, true
	case uint:
		return float64(n), true, true
	case uint8:
		return float64(n), true, true
	case uint16:
		return float64(n), true, true
	case uint32:
		return float64(n), true, true
	case uint64:
		return float64(n), true, true
	case float32:
		return float64(n), false, true
	case float64:
		return n, false, true
	}
	return 0, false, false
}

// toNumber 数字或数字字符串
func toNumber(v any) (float64, bool) {
	if f, _, ok := numeric(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// normalizeNumber 整数值的浮点数转为 int64
func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// coerce 数字字符串转为数字参与运算
func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return v
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return v
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}
