package middleware

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"iotagent/internal/expression"
	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// expressionContext 表达式可见的变量：设备标识、静态属性、缓存的上次值、本次上报值，后者覆盖前者
func expressionContext(entity model.Entity, info *model.Device, last map[string]any) map[string]any {
	vars := map[string]any{
		"id":          info.ID,
		"type":        entity.Type,
		"service":     info.Service,
		"subservice":  info.Subservice,
		"entity_name": entity.ID,
	}
	for _, s := range info.StaticAttributes {
		vars[s.Name] = s.Value
	}
	for k, v := range last {
		vars[k] = v
	}
	for _, a := range entity.Attributes {
		vars[a.Name] = a.Value
	}
	return vars
}

// ExpressionTransform 计算 active 属性上声明的 ${...} 表达式。
// 引用的属性本次未上报时从 cache 中取上次的值，仍缺失则跳过该属性
func ExpressionTransform(cache *LastValues) Func[EntityEnvelope] {
	return func(ctx context.Context, in EntityEnvelope) (EntityEnvelope, error) {
		info := in.TypeInfo
		if info == nil {
			return in, nil
		}
		key := Key(info.Service, info.Subservice, in.Entity.ID)
		var last map[string]any
		if cache != nil {
			last = cache.Get(key)
		}
		current := make(map[string]any, len(in.Entity.Attributes))
		for _, a := range in.Entity.Attributes {
			current[a.Name] = a.Value
		}
		vars := expressionContext(in.Entity, info, last)

		out := in.Entity.Clone()
		for _, attr := range info.Active {
			if attr.Expression == "" {
				continue
			}
			e, err := expression.Parse(attr.Expression)
			if err != nil {
				return in, err
			}
			v, err := e.Evaluate(vars)
			if errors.Is(err, expression.ErrUnavailable) {
				pkg.LoggerFromContext(ctx).Debug("表达式变量缺失，跳过",
					zap.String("attribute", attr.Name), zap.String("expression", attr.Expression))
				continue
			}
			if err != nil {
				return in, err
			}
			value := expression.Cast(attr.Type, v)
			name := attr.Name
			if name == "" {
				name = attr.ObjectID
			}
			// 原始测量值已被表达式消费，避免与别名后的属性重名
			if attr.ObjectID != "" && attr.ObjectID != name {
				out.Remove(attr.ObjectID)
			}
			if existing, ok := out.Attribute(name); ok {
				existing.Value = value
				if attr.Type != "" {
					existing.Type = attr.Type
				}
			} else {
				out.Set(model.AttributeValue{Name: name, Type: attr.Type, Value: value, Metadata: attr.Metadata})
			}
			vars[name] = value
		}
		if cache != nil {
			cache.Merge(key, current)
		}
		return EntityEnvelope{Entity: out, TypeInfo: info}, nil
	}
}

type aliasMappings struct {
	direct  map[string]string
	types   map[string]string
	inverse map[string]string
}

func extractMappings(info *model.Device) aliasMappings {
	m := aliasMappings{direct: map[string]string{}, types: map[string]string{}, inverse: map[string]string{}}
	for _, list := range [][]model.Attribute{info.Active, info.Lazy, info.Commands} {
		for _, a := range list {
			if a.ObjectID == "" || a.Name == "" {
				continue
			}
			m.direct[a.ObjectID] = a.Name
			m.types[a.ObjectID] = a.Type
			m.inverse[a.Name] = a.ObjectID
		}
	}
	return m
}

// AliasUpdate 南向上报的 object_id 映射为实体属性名，并采用声明的类型
func AliasUpdate(_ context.Context, in EntityEnvelope) (EntityEnvelope, error) {
	if in.TypeInfo == nil {
		return in, nil
	}
	m := extractMappings(in.TypeInfo)
	out := in.Entity.Clone()
	for i := range out.Attributes {
		attr := &out.Attributes[i]
		name, ok := m.direct[attr.Name]
		if !ok {
			continue
		}
		attr.ObjectID = attr.Name
		if t := m.types[attr.Name]; t != "" {
			attr.Type = t
		}
		attr.Name = name
	}
	return EntityEnvelope{Entity: out, TypeInfo: in.TypeInfo}, nil
}

// AliasQuery 实体属性名映射回设备的 object_id
func AliasQuery(_ context.Context, in EntityEnvelope) (EntityEnvelope, error) {
	if in.TypeInfo == nil {
		return in, nil
	}
	m := extractMappings(in.TypeInfo)
	out := in.Entity.Clone()
	for i := range out.Attributes {
		if oid, ok := m.inverse[out.Attributes[i].Name]; ok {
			out.Attributes[i].Name = oid
		}
	}
	return EntityEnvelope{Entity: out, TypeInfo: in.TypeInfo}, nil
}

// TimestampProcess 实体带 TimeInstant 属性时，把它作为元数据附加到其余属性上
func TimestampProcess(timestampType string) Func[EntityEnvelope] {
	return func(_ context.Context, in EntityEnvelope) (EntityEnvelope, error) {
		stamp, ok := in.Entity.Attribute(model.TimeInstant)
		if !ok {
			return in, nil
		}
		out := in.Entity.Clone()
		for i := range out.Attributes {
			attr := &out.Attributes[i]
			if attr.Name == model.TimeInstant {
				continue
			}
			if attr.Metadata == nil {
				attr.Metadata = map[string]model.Metadata{}
			}
			attr.Metadata[model.TimeInstant] = model.Metadata{Type: timestampType, Value: stamp.Value}
		}
		return EntityEnvelope{Entity: out, TypeInfo: in.TypeInfo}, nil
	}
}

var (
	basicTimestamp    = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})T(\d{2})(\d{2})(\d{2})$`)
	extendedTimestamp = regexp.MustCompile(`^\+00(\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})$`)
)

// ExpandTimestamp 20071103T131805 -> +002007-11-03T13:18:05，不匹配时返回 false
func ExpandTimestamp(s string) (string, bool) {
	m := basicTimestamp.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return "+00" + m[1] + "-" + m[2] + "-" + m[3] + "T" + m[4] + ":" + m[5] + ":" + m[6], true
}

// CompactTimestamp ExpandTimestamp 的逆变换
func CompactTimestamp(s string) (string, bool) {
	m := extendedTimestamp.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1] + m[2] + m[3] + "T" + m[4] + m[5] + m[6], true
}

func isTimestampType(typ string) bool {
	return strings.EqualFold(typ, model.TimestampTypeV1) || strings.EqualFold(typ, model.TimestampTypeV2)
}

func convertTimestamps(entity model.Entity, fn func(string) (string, bool)) model.Entity {
	out := entity.Clone()
	convert := func(typ string, v any) any {
		s, ok := v.(string)
		if !ok || !isTimestampType(typ) {
			return v
		}
		if converted, ok := fn(s); ok {
			return converted
		}
		return v
	}
	for i := range out.Attributes {
		attr := &out.Attributes[i]
		attr.Value = convert(attr.Type, attr.Value)
		for name, md := range attr.Metadata {
			md.Value = convert(md.Type, md.Value)
			attr.Metadata[name] = md
		}
	}
	return out
}

// CompressTimestampUpdate 南向的紧凑格式时间戳展开为扩展格式
func CompressTimestampUpdate(_ context.Context, in EntityEnvelope) (EntityEnvelope, error) {
	return EntityEnvelope{Entity: convertTimestamps(in.Entity, ExpandTimestamp), TypeInfo: in.TypeInfo}, nil
}

// CompressTimestampQuery 查询结果中的扩展格式时间戳压缩为紧凑格式
func CompressTimestampQuery(_ context.Context, in EntityEnvelope) (EntityEnvelope, error) {
	return EntityEnvelope{Entity: convertTimestamps(in.Entity, CompactTimestamp), TypeInfo: in.TypeInfo}, nil
}
