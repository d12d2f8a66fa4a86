package model

import (
	"time"
)

const (
	TransportHTTP = "HTTP"
)

// Subscription 设备在 Context Broker 上持有的订阅
type Subscription struct {
	ID       string   `json:"id" bson:"id"`
	Triggers []string `json:"triggers,omitempty" bson:"triggers,omitempty"`
}

// Device 已注册的设备，唯一标识为 (service, subservice, id)
type Device struct {
	ID                 string         `json:"id" bson:"id"`
	Type               string         `json:"type,omitempty" bson:"type,omitempty"`
	Name               string         `json:"name,omitempty" bson:"name,omitempty"`
	Service            string         `json:"service" bson:"service"`
	Subservice         string         `json:"subservice" bson:"subservice"`
	Apikey             string         `json:"apikey,omitempty" bson:"apikey,omitempty"`
	Resource           string         `json:"resource,omitempty" bson:"resource,omitempty"`
	InternalID         string         `json:"internalId,omitempty" bson:"internalId,omitempty"`
	Protocol           string         `json:"protocol,omitempty" bson:"protocol,omitempty"`
	Transport          string         `json:"transport,omitempty" bson:"transport,omitempty"`
	Endpoint           string         `json:"endpoint,omitempty" bson:"endpoint,omitempty"`
	Polling            *bool          `json:"polling,omitempty" bson:"polling,omitempty"`
	Timezone           string         `json:"timezone,omitempty" bson:"timezone,omitempty"`
	Timestamp          *bool          `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Active             []Attribute    `json:"active,omitempty" bson:"active,omitempty"`
	Lazy               []Attribute    `json:"lazy,omitempty" bson:"lazy,omitempty"`
	Commands           []Attribute    `json:"commands,omitempty" bson:"commands,omitempty"`
	StaticAttributes   []Attribute    `json:"staticAttributes,omitempty" bson:"staticAttributes,omitempty"`
	InternalAttributes []any          `json:"internalAttributes,omitempty" bson:"internalAttributes,omitempty"`
	ExplicitAttrs      *bool          `json:"explicitAttrs,omitempty" bson:"explicitAttrs,omitempty"`
	RegistrationID     string         `json:"registrationId,omitempty" bson:"registrationId,omitempty"`
	Subscriptions      []Subscription `json:"subscriptions,omitempty" bson:"subscriptions,omitempty"`
	CbHost             string         `json:"cbHost,omitempty" bson:"cbHost,omitempty"`
	EntityNameExp      string         `json:"entityNameExp,omitempty" bson:"entityNameExp,omitempty"`
	Autoprovision      *bool          `json:"autoprovision,omitempty" bson:"autoprovision,omitempty"`
	UseCBFlowControl   *bool          `json:"useCBflowControl,omitempty" bson:"useCBflowControl,omitempty"`
	CreationDate       time.Time      `json:"creationDate,omitempty" bson:"creationDate,omitempty"`
}

// DeviceList 分页查询结果
type DeviceList struct {
	Count   int64    `json:"count"`
	Devices []Device `json:"devices"`
}

// IsPolling 设备是否为轮询模式
func (d *Device) IsPolling() bool {
	return d.Polling != nil && *d.Polling
}

// Bool 读取可空布尔值，未设置时返回 def
func Bool(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// BoolPtr 返回 b 的指针
func BoolPtr(b bool) *bool {
	return &b
}

// Clone 深拷贝属性数组，避免合并或中间件修改到注册表中的记录
func (d Device) Clone() Device {
	d.Active = cloneAttributes(d.Active)
	d.Lazy = cloneAttributes(d.Lazy)
	d.Commands = cloneAttributes(d.Commands)
	d.StaticAttributes = cloneAttributes(d.StaticAttributes)
	if d.InternalAttributes != nil {
		d.InternalAttributes = append([]any(nil), d.InternalAttributes...)
	}
	if d.Subscriptions != nil {
		d.Subscriptions = append([]Subscription(nil), d.Subscriptions...)
	}
	return d
}

// Merge 计算设备的有效配置：设备字段优先，未设置的字段由配置组补齐。
// 每个属性数组独立继承，设备定义了就整体使用设备的数组。
func (d Device) Merge(g *Group) Device {
	out := d.Clone()
	if g == nil {
		return out
	}
	if out.Type == "" {
		out.Type = g.Type
	}
	if out.Apikey == "" {
		out.Apikey = g.Apikey
	}
	if out.Resource == "" {
		out.Resource = g.Resource
	}
	if out.Timezone == "" {
		out.Timezone = g.Timezone
	}
	if out.Timestamp == nil {
		out.Timestamp = g.Timestamp
	}
	if out.ExplicitAttrs == nil {
		out.ExplicitAttrs = g.ExplicitAttrs
	}
	if out.CbHost == "" {
		out.CbHost = g.CbHost
	}
	if out.EntityNameExp == "" {
		out.EntityNameExp = g.EntityNameExp
	}
	if out.Autoprovision == nil {
		out.Autoprovision = g.Autoprovision
	}
	if out.Transport == "" {
		out.Transport = g.Transport
	}
	if out.Endpoint == "" {
		out.Endpoint = g.Endpoint
	}
	if len(out.Active) == 0 {
		out.Active = cloneAttributes(g.Active)
	}
	if len(out.Lazy) == 0 {
		out.Lazy = cloneAttributes(g.Lazy)
	}
	if len(out.Commands) == 0 {
		out.Commands = cloneAttributes(g.Commands)
	}
	if len(out.StaticAttributes) == 0 {
		out.StaticAttributes = cloneAttributes(g.StaticAttributes)
	}
	if len(out.InternalAttributes) == 0 && g.InternalAttributes != nil {
		out.InternalAttributes = append([]any(nil), g.InternalAttributes...)
	}
	return out
}

// SetDefaultAttributeIds 为 active/lazy/commands 补齐 object_id 与 name
func (d *Device) SetDefaultAttributeIds() {
	d.Active = SetDefaultAttributeIds(d.Active)
	d.Lazy = SetDefaultAttributeIds(d.Lazy)
	d.Commands = SetDefaultAttributeIds(d.Commands)
}

// NeedsRegistration 有 lazy 或 commands 时需要在 broker 上注册为 context provider
func (d *Device) NeedsRegistration() bool {
	return len(d.Lazy) > 0 || len(d.Commands) > 0
}

// RegistrationChanged 判断 lazy/commands 是否发生变化
func (d *Device) RegistrationChanged(other *Device) bool {
	return !sameAttributes(d.Lazy, other.Lazy) || !sameAttributes(d.Commands, other.Commands)
}

// FindCommand 按名称查找命令
func (d *Device) FindCommand(name string) (Attribute, bool) {
	return FindAttribute(d.Commands, name)
}

// AddSubscription 记录订阅
func (d *Device) AddSubscription(s Subscription) {
	d.Subscriptions = append(d.Subscriptions, s)
}

// RemoveSubscription 删除订阅记录，返回是否存在
func (d *Device) RemoveSubscription(id string) bool {
	for i := range d.Subscriptions {
		if d.Subscriptions[i].ID == id {
			d.Subscriptions = append(d.Subscriptions[:i], d.Subscriptions[i+1:]...)
			return true
		}
	}
	return false
}
