package model

// Group 配置组 (服务)，业务标识为 (service, subservice, resource, apikey)
type Group struct {
	ID                           string      `json:"_id,omitempty" bson:"_id,omitempty" mapstructure:"-"`
	Service                      string      `json:"service" bson:"service" mapstructure:"service"`
	Subservice                   string      `json:"subservice" bson:"subservice" mapstructure:"subservice"`
	Resource                     string      `json:"resource" bson:"resource" mapstructure:"resource"`
	Apikey                       string      `json:"apikey" bson:"apikey" mapstructure:"apikey"`
	Type                         string      `json:"type,omitempty" bson:"type,omitempty" mapstructure:"type"`
	Trust                        string      `json:"trust,omitempty" bson:"trust,omitempty" mapstructure:"trust"`
	CbHost                       string      `json:"cbHost,omitempty" bson:"cbHost,omitempty" mapstructure:"cbHost"`
	Timezone                     string      `json:"timezone,omitempty" bson:"timezone,omitempty" mapstructure:"timezone"`
	Timestamp                    *bool       `json:"timestamp,omitempty" bson:"timestamp,omitempty" mapstructure:"timestamp"`
	Active                       []Attribute `json:"attributes,omitempty" bson:"attributes,omitempty" mapstructure:"attributes"`
	Lazy                         []Attribute `json:"lazy,omitempty" bson:"lazy,omitempty" mapstructure:"lazy"`
	Commands                     []Attribute `json:"commands,omitempty" bson:"commands,omitempty" mapstructure:"commands"`
	StaticAttributes             []Attribute `json:"staticAttributes,omitempty" bson:"staticAttributes,omitempty" mapstructure:"staticAttributes"`
	InternalAttributes           []any       `json:"internalAttributes,omitempty" bson:"internalAttributes,omitempty" mapstructure:"internalAttributes"`
	ExplicitAttrs                *bool       `json:"explicitAttrs,omitempty" bson:"explicitAttrs,omitempty" mapstructure:"explicitAttrs"`
	EntityNameExp                string      `json:"entityNameExp,omitempty" bson:"entityNameExp,omitempty" mapstructure:"entityNameExp"`
	Autoprovision                *bool       `json:"autoprovision,omitempty" bson:"autoprovision,omitempty" mapstructure:"autoprovision"`
	Transport                    string      `json:"transport,omitempty" bson:"transport,omitempty" mapstructure:"transport"`
	Endpoint                     string      `json:"endpoint,omitempty" bson:"endpoint,omitempty" mapstructure:"endpoint"`
	DefaultEntityNameConjunction string      `json:"defaultEntityNameConjunction,omitempty" bson:"defaultEntityNameConjunction,omitempty" mapstructure:"defaultEntityNameConjunction"`
}

// GroupList 分页查询结果
type GroupList struct {
	Count  int64   `json:"count"`
	Groups []Group `json:"services"`
}

// GroupField 按 bson 字段名读取配置组上的字符串字段，供 findBy 使用
func (g *Group) GroupField(field string) (string, bool) {
	switch field {
	case "service":
		return g.Service, true
	case "subservice":
		return g.Subservice, true
	case "resource":
		return g.Resource, true
	case "apikey":
		return g.Apikey, true
	case "type":
		return g.Type, true
	case "_id", "id":
		return g.ID, true
	}
	return "", false
}

// Clone 深拷贝属性数组
func (g Group) Clone() Group {
	g.Active = cloneAttributes(g.Active)
	g.Lazy = cloneAttributes(g.Lazy)
	g.Commands = cloneAttributes(g.Commands)
	g.StaticAttributes = cloneAttributes(g.StaticAttributes)
	if g.InternalAttributes != nil {
		g.InternalAttributes = append([]any(nil), g.InternalAttributes...)
	}
	return g
}
