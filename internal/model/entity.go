package model

const (
	// TimeInstant 时间戳属性名
	TimeInstant = "TimeInstant"
	// TimestampTypeV1 NGSIv1 的时间戳类型
	TimestampTypeV1 = "ISO8601"
	// TimestampTypeV2 NGSIv2 / LD 的时间戳类型
	TimestampTypeV2 = "DateTime"
)

// AttributeValue 一次更新/查询/通知中携带的属性值
type AttributeValue struct {
	Name       string              `json:"name"`
	Type       string              `json:"type,omitempty"`
	Value      any                 `json:"value"`
	ObjectID   string              `json:"object_id,omitempty"`
	Metadata   map[string]Metadata `json:"metadata,omitempty"`
	Expression string              `json:"expression,omitempty"`
}

// EntityRef 实体引用
type EntityRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Entity 发往或来自 Context Broker 的实体
type Entity struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Attributes []AttributeValue `json:"attributes"`
}

// Ref 返回实体引用
func (e *Entity) Ref() EntityRef {
	return EntityRef{ID: e.ID, Type: e.Type}
}

// Attribute 按名称查找属性值
func (e *Entity) Attribute(name string) (*AttributeValue, bool) {
	for i := range e.Attributes {
		if e.Attributes[i].Name == name {
			return &e.Attributes[i], true
		}
	}
	return nil, false
}

// Set 覆盖同名属性，不存在时追加
func (e *Entity) Set(attr AttributeValue) {
	if existing, ok := e.Attribute(attr.Name); ok {
		*existing = attr
		return
	}
	e.Attributes = append(e.Attributes, attr)
}

// Remove 删除同名属性
func (e *Entity) Remove(name string) {
	out := e.Attributes[:0]
	for _, a := range e.Attributes {
		if a.Name != name {
			out = append(out, a)
		}
	}
	e.Attributes = out
}

// Clone 拷贝属性切片与元数据
func (e Entity) Clone() Entity {
	attrs := make([]AttributeValue, len(e.Attributes))
	for i, a := range e.Attributes {
		if a.Metadata != nil {
			md := make(map[string]Metadata, len(a.Metadata))
			for k, v := range a.Metadata {
				md[k] = v
			}
			a.Metadata = md
		}
		attrs[i] = a
	}
	e.Attributes = attrs
	return e
}

// Names 返回属性名列表
func (e *Entity) Names() []string {
	names := make([]string, 0, len(e.Attributes))
	for _, a := range e.Attributes {
		names = append(names, a.Name)
	}
	return names
}
