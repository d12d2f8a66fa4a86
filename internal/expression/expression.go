package expression

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"iotagent/internal/pkg"
)

// ErrUnavailable 表达式引用的变量在上下文中不存在
var ErrUnavailable = errors.New("表达式变量不可用")

// constants 表达式中可直接使用的常量
var constants = map[string]any{
	"E":  2.718281828459045,
	"PI": 3.141592653589793,
}

// segment 模板中的一段：字面量或 ${...} 表达式
type segment struct {
	literal string
	program *vm.Program
	source  string
}

// Expression 编译后的表达式模板
type Expression struct {
	raw       string
	segments  []segment
	variables []string
	// whole 整个模板只有一个 ${...}，结果保持原生类型
	whole bool
}

var cache sync.Map // string -> *Expression

// Parse 编译表达式。包含 ${...} 时按模板处理，否则整个字符串视为一个表达式
func Parse(raw string) (*Expression, error) {
	if cached, ok := cache.Load(raw); ok {
		return cached.(*Expression), nil
	}
	e := &Expression{raw: raw}
	vars := map[string]struct{}{}

	if !strings.Contains(raw, "${") {
		seg, err := compileSegment(raw, vars)
		if err != nil {
			return nil, err
		}
		e.segments = []segment{seg}
		e.whole = true
	} else {
		rest := raw
		for {
			start := strings.Index(rest, "${")
			if start < 0 {
				break
			}
			end := strings.Index(rest[start:], "}")
			if end < 0 {
				return nil, pkg.NewInvalidExpression(raw, errors.New("缺少 }"))
			}
			end += start
			if start > 0 {
				e.segments = append(e.segments, segment{literal: rest[:start]})
			}
			seg, err := compileSegment(rest[start+2:end], vars)
			if err != nil {
				return nil, err
			}
			e.segments = append(e.segments, seg)
			rest = rest[end+1:]
		}
		if rest != "" {
			e.segments = append(e.segments, segment{literal: rest})
		}
		e.whole = len(e.segments) == 1 && e.segments[0].program != nil
	}

	for name := range vars {
		e.variables = append(e.variables, name)
	}
	sort.Strings(e.variables)
	actual, _ := cache.LoadOrStore(raw, e)
	return actual.(*Expression), nil
}

func compileSegment(source string, vars map[string]struct{}) (segment, error) {
	rewritten := rewrite(source)
	if strings.TrimSpace(rewritten) == "" {
		return segment{}, pkg.NewInvalidExpression(source, errors.New("空表达式"))
	}
	tree, err := parser.Parse(rewritten)
	if err != nil {
		return segment{}, pkg.NewInvalidExpression(source, err)
	}
	collectVariables(tree.Node, vars)

	program, err := expr.Compile(rewritten, compileOptions()...)
	if err != nil {
		return segment{}, pkg.NewInvalidExpression(source, err)
	}
	return segment{program: program, source: source}, nil
}

// compileOptions 变量在运行时由 map 提供，编译期不做类型约束
func compileOptions() []expr.Option {
	options := []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.Patch(&concatPatcher{}),
	}
	return append(options, helpers...)
}

// rewrite 将 @name 改写为标识符，# 改写为字符串拼接；引号内的内容保持不变
func rewrite(source string) string {
	out := make([]rune, 0, len(source)+8)
	var quote rune
	escaped := false
	afterConcat := false
	for _, r := range source {
		if quote != 0 {
			out = append(out, r)
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		if afterConcat && unicode.IsSpace(r) {
			continue
		}
		afterConcat = false
		switch r {
		case '"', '\'', '`':
			quote = r
			out = append(out, r)
		case '@':
		case '#':
			// "#" 两侧的空白并入拼接运算符
			for len(out) > 0 && unicode.IsSpace(out[len(out)-1]) {
				out = out[:len(out)-1]
			}
			out = append(out, []rune(` + "" + `)...)
			afterConcat = true
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// collectVariables 收集表达式引用的变量名，函数名与常量除外
func collectVariables(node ast.Node, vars map[string]struct{}) {
	c := &identCollector{callees: map[ast.Node]struct{}{}, names: vars}
	ast.Walk(&node, c)
}

type identCollector struct {
	callees map[ast.Node]struct{}
	names   map[string]struct{}
}

func (c *identCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.CallNode:
		c.callees[n.Callee] = struct{}{}
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			delete(c.names, id.Value)
		}
	case *ast.IdentifierNode:
		if _, isCallee := c.callees[n]; isCallee {
			return
		}
		if _, isConst := constants[n.Value]; isConst {
			return
		}
		if _, isFunc := functionNames[n.Value]; isFunc {
			return
		}
		c.names[n.Value] = struct{}{}
	}
}

// concatPatcher 将 + 替换为 add()：两侧都是数字时相加，否则拼接字符串
type concatPatcher struct{}

func (concatPatcher) Visit(node *ast.Node) {
	n, ok := (*node).(*ast.BinaryNode)
	if !ok || n.Operator != "+" {
		return
	}
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: "add"},
		Arguments: []ast.Node{n.Left, n.Right},
	})
}

// Raw 返回原始表达式
func (e *Expression) Raw() string { return e.raw }

// Variables 表达式引用的变量名 (已排序)
func (e *Expression) Variables() []string { return e.variables }

// Available 判断上下文是否包含所有引用的变量
func (e *Expression) Available(vars map[string]any) bool {
	for _, name := range e.variables {
		if _, ok := vars[name]; !ok {
			return false
		}
	}
	return true
}

// Evaluate 求值。缺少变量时返回 ErrUnavailable，求值失败返回 InvalidExpression
func (e *Expression) Evaluate(vars map[string]any) (any, error) {
	if !e.Available(vars) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, e.raw)
	}
	env := make(map[string]any, len(vars)+len(constants))
	for k, v := range constants {
		env[k] = v
	}
	for k, v := range vars {
		env[k] = coerce(v)
	}

	if e.whole {
		return e.segments[0].run(env)
	}
	var b strings.Builder
	for _, seg := range e.segments {
		if seg.program == nil {
			b.WriteString(seg.literal)
			continue
		}
		out, err := seg.run(env)
		if err != nil {
			return nil, err
		}
		b.WriteString(toString(out))
	}
	return b.String(), nil
}

func (s segment) run(env map[string]any) (any, error) {
	out, err := expr.Run(s.program, env)
	if err != nil {
		return nil, pkg.NewInvalidExpression(s.source, err)
	}
	return out, nil
}

// Evaluate 编译并求值
func Evaluate(raw string, vars map[string]any) (any, error) {
	e, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(vars)
}

// IsTemplate 判断字符串是否包含 ${...}
func IsTemplate(s string) bool {
	return strings.Contains(s, "${")
}
