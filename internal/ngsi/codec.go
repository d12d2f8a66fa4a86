package ngsi

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/goccy/go-json"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

const (
	// DateTimeDefault 时间类属性的初始值
	DateTimeDefault = "1970-01-01T00:00:00.000Z"
	// AttributeDefault 其他属性的初始值
	AttributeDefault = " "
)

// Encode 序列化请求体
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// decode 反序列化，数字保留为 float64
func decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// decodeWrongSyntax 反序列化失败时返回 WrongSyntax
func decodeWrongSyntax(data []byte, v any) error {
	if err := decode(bytes.TrimSpace(data), v); err != nil {
		return pkg.NewWrongSyntax(string(data))
	}
	return nil
}

// InitialValue 按类型给出实体初次创建时属性的占位值
func InitialValue(typ string) any {
	switch strings.ToLower(typ) {
	case "iso8601", "datetime":
		return DateTimeDefault
	}
	return AttributeDefault
}

// Autocast 将字符串形式的值按声明的类型转换为 JSON 原生类型，无法转换时返回 WrongSyntax
func Autocast(attr model.AttributeValue) (model.AttributeValue, error) {
	s, ok := attr.Value.(string)
	if !ok {
		return attr, nil
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		// 开通时的空白占位值不参与转换
		return attr, nil
	}
	var err error
	switch strings.ToLower(attr.Type) {
	case "number":
		n, ok := parseNumber(trimmed)
		if !ok {
			return attr, castError(attr)
		}
		attr.Value = n
	case "integer":
		var i int64
		if i, err = strconv.ParseInt(trimmed, 10, 64); err != nil {
			return attr, castError(attr)
		}
		attr.Value = i
	case "float":
		var f float64
		if f, err = strconv.ParseFloat(trimmed, 64); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return attr, castError(attr)
		}
		attr.Value = f
	case "boolean":
		switch trimmed {
		case "true":
			attr.Value = true
		case "false":
			attr.Value = false
		default:
			return attr, castError(attr)
		}
	case "none":
		attr.Value = nil
	case "array":
		var arr []any
		if err = decode([]byte(trimmed), &arr); err != nil {
			return attr, castError(attr)
		}
		attr.Value = arr
	case "object":
		var obj map[string]any
		if err = decode([]byte(trimmed), &obj); err != nil || obj == nil {
			return attr, castError(attr)
		}
		attr.Value = obj
	}
	return attr, nil
}

func castError(attr model.AttributeValue) error {
	return pkg.NewWrongSyntax(fmt.Sprintf("attribute %s cannot be cast to %s: %v", attr.Name, attr.Type, attr.Value))
}

// parseNumber 整数解析为 int64；小数保留原始写法 (json.Number)，"23.0" 原样发送
func parseNumber(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	if json.Valid([]byte(s)) {
		return json.Number(s), true
	}
	// ".5"、"+1.5" 等不是合法的 JSON 数字字面量
	return f, true
}

// toFloat 将数值或数值字符串转换为 float64
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// splitLngLat 将逗号分隔的字符串或嵌套数组展开为坐标数字序列
func splitLngLat(value any) ([]float64, error) {
	var out []float64
	switch v := value.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			f, ok := toFloat(part)
			if !ok {
				return nil, pkg.NewBadGeocoordinates(value)
			}
			out = append(out, f)
		}
	case []any:
		for _, elem := range v {
			nested, err := splitLngLat(elem)
			if err != nil {
				return nil, pkg.NewBadGeocoordinates(value)
			}
			out = append(out, nested...)
		}
	case []float64:
		out = append(out, v...)
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil, pkg.NewBadGeocoordinates(value)
		}
		out = append(out, f)
	}
	return out, nil
}

// LngLats 将坐标展开为 GeoJSON 坐标：两个数时为单点，否则按两两成对分组；奇数个时报 BadGeocoordinates
func LngLats(value any) (any, error) {
	flat, err := splitLngLat(value)
	if err != nil {
		return nil, err
	}
	if len(flat) == 2 {
		return []float64{flat[0], flat[1]}, nil
	}
	if len(flat)%2 != 0 {
		return nil, pkg.NewBadGeocoordinates(value)
	}
	pairs := make([][]float64, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		pairs = append(pairs, []float64{flat[i], flat[i+1]})
	}
	return pairs, nil
}

// GeoJSON 构造 {type, coordinates}；值已经是对象时原样返回。
// MultiLineString / MultiPolygon 的数组值本身就是多层嵌套的坐标，只有字符串需要拆分
func GeoJSON(shape string, value any) (any, error) {
	switch value.(type) {
	case map[string]any:
		return value, nil
	case string:
	case []any, []float64:
		if shape == "MultiLineString" || shape == "MultiPolygon" {
			return map[string]any{"type": shape, "coordinates": value}, nil
		}
	default:
		return value, nil
	}
	coords, err := LngLats(value)
	if err != nil {
		return nil, err
	}
	return map[string]any{"type": shape, "coordinates": coords}, nil
}

// geoShape 识别地理类型，返回 GeoJSON 的几何类型
func geoShape(typ string) (string, bool) {
	switch strings.ToLower(typ) {
	case "geoproperty", "point", "geo:point":
		return "Point", true
	case "linestring", "geo:linestring", "geo:line":
		return "LineString", true
	case "polygon", "geo:polygon":
		return "Polygon", true
	case "multipoint", "geo:multipoint":
		return "MultiPoint", true
	case "multilinestring", "geo:multilinestring":
		return "MultiLineString", true
	case "multipolygon", "geo:multipolygon":
		return "MultiPolygon", true
	}
	return "", false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp 解析 ISO8601 时间
func ParseTimestamp(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp 以 ISO8601 (毫秒精度) 输出，指定时区时带偏移
func FormatTimestamp(t time.Time, timezone string) string {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			return t.In(loc).Format("2006-01-02T15:04:05.000Z07:00")
		}
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ValidateTimestamp 已携带 TimeInstant 时校验其格式
func ValidateTimestamp(entity *model.Entity) error {
	if attr, ok := entity.Attribute(model.TimeInstant); ok {
		if _, valid := ParseTimestamp(attr.Value); !valid {
			return pkg.NewBadTimestamp(attr.Value)
		}
	}
	for _, attr := range entity.Attributes {
		if md, ok := attr.Metadata[model.TimeInstant]; ok {
			if _, valid := ParseTimestamp(md.Value); !valid {
				return pkg.NewBadTimestamp(md.Value)
			}
		}
	}
	return nil
}

// AddTimestamp 没有 TimeInstant 属性时补充一个，并给每个属性附上 TimeInstant 元数据
func AddTimestamp(entity *model.Entity, timestampType, timezone string, now time.Time) {
	stamp := FormatTimestamp(now, timezone)
	if existing, ok := entity.Attribute(model.TimeInstant); ok {
		if s, ok := existing.Value.(string); ok {
			stamp = s
		}
	} else {
		entity.Attributes = append(entity.Attributes, model.AttributeValue{
			Name:  model.TimeInstant,
			Type:  timestampType,
			Value: stamp,
		})
	}
	for i := range entity.Attributes {
		attr := &entity.Attributes[i]
		if attr.Name == model.TimeInstant {
			continue
		}
		if attr.Metadata == nil {
			attr.Metadata = map[string]model.Metadata{}
		}
		if _, ok := attr.Metadata[model.TimeInstant]; !ok {
			attr.Metadata[model.TimeInstant] = model.Metadata{Type: timestampType, Value: stamp}
		}
	}
}

// stringValue 将属性值格式化为字符串 (v1 只支持字符串值)
func stringValue(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		return val
	}
	return fmt.Sprint(v)
}
