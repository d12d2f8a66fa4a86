package model

// Metadata 属性元数据
type Metadata struct {
	Type  string `json:"type" bson:"type" mapstructure:"type"`
	Value any    `json:"value" bson:"value" mapstructure:"value"`
}

// ReverseExpression 双向插件中，由实体属性反向计算设备属性的表达式
type ReverseExpression struct {
	ObjectID   string `json:"object_id" bson:"object_id" mapstructure:"object_id"`
	Type       string `json:"type" bson:"type" mapstructure:"type"`
	Expression string `json:"expression" bson:"expression" mapstructure:"expression"`
}

// Attribute 设备或配置组上声明的属性
type Attribute struct {
	Name       string              `json:"name,omitempty" bson:"name,omitempty" mapstructure:"name"`
	Type       string              `json:"type,omitempty" bson:"type,omitempty" mapstructure:"type"`
	ObjectID   string              `json:"object_id,omitempty" bson:"object_id,omitempty" mapstructure:"object_id"`
	Value      any                 `json:"value,omitempty" bson:"value,omitempty" mapstructure:"value"`
	Expression string              `json:"expression,omitempty" bson:"expression,omitempty" mapstructure:"expression"`
	EntityName string              `json:"entity_name,omitempty" bson:"entity_name,omitempty" mapstructure:"entity_name"`
	EntityType string              `json:"entity_type,omitempty" bson:"entity_type,omitempty" mapstructure:"entity_type"`
	Metadata   map[string]Metadata `json:"metadata,omitempty" bson:"metadata,omitempty" mapstructure:"metadata"`
	Reverse    []ReverseExpression `json:"reverse,omitempty" bson:"reverse,omitempty" mapstructure:"reverse"`
}

// FindAttribute 在属性列表中按 name 或 object_id 查找
func FindAttribute(attrs []Attribute, key string) (Attribute, bool) {
	for _, a := range attrs {
		if a.Name == key || (a.ObjectID != "" && a.ObjectID == key) {
			return a, true
		}
	}
	return Attribute{}, false
}

// AttributeNames 返回属性名列表
func AttributeNames(attrs []Attribute) []string {
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		names = append(names, a.Name)
	}
	return names
}

// SetDefaultAttributeIds 互补缺失的 object_id 与 name
func SetDefaultAttributeIds(attrs []Attribute) []Attribute {
	for i := range attrs {
		if attrs[i].ObjectID == "" && attrs[i].Name != "" {
			attrs[i].ObjectID = attrs[i].Name
		}
		if attrs[i].Name == "" && attrs[i].ObjectID != "" {
			attrs[i].Name = attrs[i].ObjectID
		}
	}
	return attrs
}

func cloneAttributes(attrs []Attribute) []Attribute {
	if attrs == nil {
		return nil
	}
	out := make([]Attribute, len(attrs))
	copy(out, attrs)
	return out
}

func sameAttributes(a, b []Attribute) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Type != b[i].Type || a[i].ObjectID != b[i].ObjectID {
			return false
		}
	}
	return true
}
