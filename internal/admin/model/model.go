package model

import (
	"time"

	iotmodel "iotagent/internal/model"
)

// --- 开通接口的请求与响应体 (json 字段名与 IoT Agent 开通 API 保持一致) ---

type Device struct {
	DeviceID           string               `json:"device_id"`
	Service            string               `json:"service,omitempty"`
	ServicePath        string               `json:"service_path,omitempty"`
	EntityName         string               `json:"entity_name,omitempty"`
	EntityType         string               `json:"entity_type,omitempty"`
	Apikey             string               `json:"apikey,omitempty"`
	Resource           string               `json:"resource,omitempty"`
	Protocol           string               `json:"protocol,omitempty"`
	Transport          string               `json:"transport,omitempty"`
	Endpoint           string               `json:"endpoint,omitempty"`
	Polling            *bool                `json:"polling,omitempty"`
	Timezone           string               `json:"timezone,omitempty"`
	Timestamp          *bool                `json:"timestamp,omitempty"`
	Attributes         []iotmodel.Attribute `json:"attributes,omitempty"`
	Lazy               []iotmodel.Attribute `json:"lazy,omitempty"`
	Commands           []iotmodel.Attribute `json:"commands,omitempty"`
	StaticAttributes   []iotmodel.Attribute `json:"static_attributes,omitempty"`
	InternalAttributes []any                `json:"internal_attributes,omitempty"`
	ExplicitAttrs      *bool                `json:"explicitAttrs,omitempty"`
	CbHost             string               `json:"cbHost,omitempty"`
	EntityNameExp      string               `json:"entityNameExp,omitempty"`
	UseCBFlowControl   *bool                `json:"useCBflowControl,omitempty"`
	// 只出现在响应中
	RegistrationID string    `json:"registrationId,omitempty"`
	CreationDate   time.Time `json:"creationDate,omitempty"`
}

// DevicesRequest POST /iot/devices
type DevicesRequest struct {
	Devices []Device `json:"devices"`
}

type DeviceList struct {
	Count   int64    `json:"count"`
	Devices []Device `json:"devices"`
}

// ToDevice 请求体转换为注册表中的设备，租户取自请求头
func (d Device) ToDevice(service, subservice string) iotmodel.Device {
	return iotmodel.Device{
		ID:                 d.DeviceID,
		Name:               d.EntityName,
		Type:               d.EntityType,
		Service:            service,
		Subservice:         subservice,
		Apikey:             d.Apikey,
		Resource:           d.Resource,
		Protocol:           d.Protocol,
		Transport:          d.Transport,
		Endpoint:           d.Endpoint,
		Polling:            d.Polling,
		Timezone:           d.Timezone,
		Timestamp:          d.Timestamp,
		Active:             d.Attributes,
		Lazy:               d.Lazy,
		Commands:           d.Commands,
		StaticAttributes:   d.StaticAttributes,
		InternalAttributes: d.InternalAttributes,
		ExplicitAttrs:      d.ExplicitAttrs,
		CbHost:             d.CbHost,
		EntityNameExp:      d.EntityNameExp,
		UseCBFlowControl:   d.UseCBFlowControl,
	}
}

func FromDevice(d iotmodel.Device) Device {
	return Device{
		DeviceID:           d.ID,
		Service:            d.Service,
		ServicePath:        d.Subservice,
		EntityName:         d.Name,
		EntityType:         d.Type,
		Apikey:             d.Apikey,
		Resource:           d.Resource,
		Protocol:           d.Protocol,
		Transport:          d.Transport,
		Endpoint:           d.Endpoint,
		Polling:            d.Polling,
		Timezone:           d.Timezone,
		Timestamp:          d.Timestamp,
		Attributes:         d.Active,
		Lazy:               d.Lazy,
		Commands:           d.Commands,
		StaticAttributes:   d.StaticAttributes,
		InternalAttributes: d.InternalAttributes,
		ExplicitAttrs:      d.ExplicitAttrs,
		CbHost:             d.CbHost,
		EntityNameExp:      d.EntityNameExp,
		UseCBFlowControl:   d.UseCBFlowControl,
		RegistrationID:     d.RegistrationID,
		CreationDate:       d.CreationDate,
	}
}

type Group struct {
	Service                      string               `json:"service,omitempty"`
	Subservice                   string               `json:"subservice,omitempty"`
	Resource                     string               `json:"resource,omitempty"`
	Apikey                       string               `json:"apikey"`
	EntityType                   string               `json:"entity_type,omitempty"`
	Trust                        string               `json:"trust,omitempty"`
	CbHost                       string               `json:"cbHost,omitempty"`
	Timezone                     string               `json:"timezone,omitempty"`
	Timestamp                    *bool                `json:"timestamp,omitempty"`
	Attributes                   []iotmodel.Attribute `json:"attributes,omitempty"`
	Lazy                         []iotmodel.Attribute `json:"lazy,omitempty"`
	Commands                     []iotmodel.Attribute `json:"commands,omitempty"`
	StaticAttributes             []iotmodel.Attribute `json:"static_attributes,omitempty"`
	InternalAttributes           []any                `json:"internal_attributes,omitempty"`
	ExplicitAttrs                *bool                `json:"explicitAttrs,omitempty"`
	EntityNameExp                string               `json:"entityNameExp,omitempty"`
	Autoprovision                *bool                `json:"autoprovision,omitempty"`
	Transport                    string               `json:"transport,omitempty"`
	Endpoint                     string               `json:"endpoint,omitempty"`
	DefaultEntityNameConjunction string               `json:"defaultEntityNameConjunction,omitempty"`
}

// GroupsRequest POST /iot/services 使用 services，/iot/groups 使用 groups
type GroupsRequest struct {
	Services []Group `json:"services,omitempty"`
	Groups   []Group `json:"groups,omitempty"`
}

// Items 请求中的配置组，两个字段只会出现一个
func (r GroupsRequest) Items() []Group {
	if len(r.Groups) > 0 {
		return r.Groups
	}
	return r.Services
}

func (g Group) ToGroup(service, subservice string) iotmodel.Group {
	return iotmodel.Group{
		Service:                      service,
		Subservice:                   subservice,
		Resource:                     g.Resource,
		Apikey:                       g.Apikey,
		Type:                         g.EntityType,
		Trust:                        g.Trust,
		CbHost:                       g.CbHost,
		Timezone:                     g.Timezone,
		Timestamp:                    g.Timestamp,
		Active:                       g.Attributes,
		Lazy:                         g.Lazy,
		Commands:                     g.Commands,
		StaticAttributes:             g.StaticAttributes,
		InternalAttributes:           g.InternalAttributes,
		ExplicitAttrs:                g.ExplicitAttrs,
		EntityNameExp:                g.EntityNameExp,
		Autoprovision:                g.Autoprovision,
		Transport:                    g.Transport,
		Endpoint:                     g.Endpoint,
		DefaultEntityNameConjunction: g.DefaultEntityNameConjunction,
	}
}

func FromGroup(g iotmodel.Group) Group {
	return Group{
		Service:                      g.Service,
		Subservice:                   g.Subservice,
		Resource:                     g.Resource,
		Apikey:                       g.Apikey,
		EntityType:                   g.Type,
		Trust:                        g.Trust,
		CbHost:                       g.CbHost,
		Timezone:                     g.Timezone,
		Timestamp:                    g.Timestamp,
		Attributes:                   g.Active,
		Lazy:                         g.Lazy,
		Commands:                     g.Commands,
		StaticAttributes:             g.StaticAttributes,
		InternalAttributes:           g.InternalAttributes,
		ExplicitAttrs:                g.ExplicitAttrs,
		EntityNameExp:                g.EntityNameExp,
		Autoprovision:                g.Autoprovision,
		Transport:                    g.Transport,
		Endpoint:                     g.Endpoint,
		DefaultEntityNameConjunction: g.DefaultEntityNameConjunction,
	}
}

// Error 错误响应体
type Error struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// About GET /iot/about
type About struct {
	LibVersion  string `json:"libVersion"`
	Port        int    `json:"port"`
	BaseRoot    string `json:"baseRoot"`
	NgsiVersion string `json:"ngsiVersion"`
	Registry    string `json:"registry"`
}
