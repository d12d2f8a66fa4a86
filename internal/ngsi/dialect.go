package ngsi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// Operation 发往 Context Broker 的操作类型，决定成功状态码的判定
type Operation string

const (
	OpUpdate      Operation = "update"
	OpUpsert      Operation = "upsert"
	OpQuery       Operation = "query"
	OpRegister    Operation = "register"
	OpUnregister  Operation = "unregister"
	OpSubscribe   Operation = "subscribe"
	OpUnsubscribe Operation = "unsubscribe"
)

const (
	HeaderService     = "fiware-service"
	HeaderServicePath = "fiware-servicepath"
	HeaderCorrelator  = "fiware-correlator"
	HeaderLDTenant    = "NGSILD-Tenant"
	HeaderLDPath      = "NGSILD-Path"

	ContentTypeJSON   = "application/json"
	ContentTypeJSONLD = "application/ld+json"
)

// Request 由方言构建、由网关发送的 HTTP 请求描述
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body 为 nil 时不发送请求体
	Body        any
	ContentType string
}

// URL 拼接 broker 基础地址
func (r *Request) URL(base string) string {
	u := strings.TrimRight(base, "/") + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	return u
}

// Response broker 的响应
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UpdateOptions 更新请求的可选行为
type UpdateOptions struct {
	// Append 为 true 时属性不存在则追加 (v1 APPEND / v2 append)
	Append bool
	// Upsert 首次创建实体 (v2 POST /v2/entities?options=upsert)
	Upsert bool
	// FlowControl 追加 options=flowControl
	FlowControl bool
	// Merge LD 的 merge-patch 更新，nil 值以 urn:ngsi-ld:null 发送。
	// 单个实体带 nil 值时 LD 方言自动使用 merge-patch
	Merge bool
}

// RegistrationOptions context provider 注册的附加信息
type RegistrationOptions struct {
	ProviderURL string
	// Duration ISO8601 时长，仅 v1 使用
	Duration   string
	Throttling string
}

// Dialect 一种 NGSI 协议方言。激活时选定一种，之后不再改变
type Dialect interface {
	Version() string
	// TimestampType TimeInstant 属性使用的类型
	TimestampType() string
	Headers(service, subservice string) http.Header
	BuildUpdate(entities []model.Entity, opts UpdateOptions) (*Request, error)
	BuildQuery(ref model.EntityRef, attrs []string) (*Request, error)
	ParseQueryResponse(ref model.EntityRef, body []byte) (model.Entity, error)
	// BuildRegistration 设备没有 lazy/commands 时返回 nil
	BuildRegistration(device *model.Device, opts RegistrationOptions) (*Request, error)
	BuildUnregistration(device *model.Device, opts RegistrationOptions) (*Request, error)
	RegistrationID(resp *Response) string
	BuildSubscription(device *model.Device, triggers, content []string, providerURL string) (*Request, error)
	BuildUnsubscription(device *model.Device, id string) (*Request, error)
	SubscriptionID(resp *Response) string
	// ParseNotification 同时接受通知文档与更新文档
	ParseNotification(body []byte) ([]model.Entity, error)
	ParseQueryRequest(body []byte) ([]model.EntityRef, []string, error)
	BuildQueryResponse(entities []model.Entity) (any, error)
	CheckResponse(op Operation, ref model.EntityRef, resp *Response) error
}

// Options 方言构造参数
type Options struct {
	Autocast      bool
	JSONLdContext string
}

// New 按版本选择方言
func New(version string, opts Options) (Dialect, error) {
	switch strings.ToLower(version) {
	case pkg.NgsiV1:
		return &v1Dialect{}, nil
	case pkg.NgsiV2, "":
		return &v2Dialect{autocast: opts.Autocast}, nil
	case pkg.NgsiLD, "ngsi-ld":
		ldContext := opts.JSONLdContext
		if ldContext == "" {
			ldContext = pkg.DefaultJSONLdContext
		}
		return &ldDialect{context: ldContext}, nil
	}
	return nil, pkg.NewBadConfiguration(fmt.Sprintf("unsupported ngsiVersion %q", version))
}

func fiwareHeaders(service, subservice string) http.Header {
	h := http.Header{}
	if service != "" {
		h.Set(HeaderService, service)
	}
	if subservice != "" {
		h.Set(HeaderServicePath, subservice)
	}
	return h
}

// lastPathSegment 从 Location 头中取出资源 id
func lastPathSegment(location string) string {
	if location == "" {
		return ""
	}
	if u, err := url.Parse(location); err == nil {
		location = u.Path
	}
	location = strings.TrimRight(location, "/")
	if i := strings.LastIndex(location, "/"); i >= 0 {
		return location[i+1:]
	}
	return location
}

// checkStatus 通用状态码判定：成功码之外 404 映射为 DeviceNotFound (仅查询)，其余为 EntityGenericError
func checkStatus(op Operation, ref model.EntityRef, resp *Response, success ...int) error {
	for _, code := range success {
		if resp.StatusCode == code {
			return nil
		}
	}
	var details any
	if len(resp.Body) > 0 {
		if err := decode(resp.Body, &details); err != nil {
			details = string(resp.Body)
		}
	}
	if resp.StatusCode == http.StatusNotFound && op == OpQuery {
		return pkg.NewDeviceNotFound(ref.ID)
	}
	return pkg.NewEntityGenericError(ref.ID, ref.Type, resp.StatusCode, details)
}
