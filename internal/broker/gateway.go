package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"iotagent/internal/alarm"
	"iotagent/internal/model"
	"iotagent/internal/ngsi"
	"iotagent/internal/pkg"
	"iotagent/internal/registry"
	"iotagent/internal/stats"
)

// Doer 发送 HTTP 请求，*http.Client 满足该接口
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Gateway 编排对 Context Broker 的调用。每次调用只尝试一次，重试由调用方决定
type Gateway struct {
	dialect  ngsi.Dialect
	baseURL  string
	timeout  time.Duration
	client   Doer
	devices  registry.DeviceRegistry
	alarms   *alarm.Manager
	stats    *stats.Stats
	regOpts  ngsi.RegistrationOptions
	provider string
	logger   *zap.Logger
}

// Option Gateway 可选参数
type Option func(*Gateway)

func WithHTTPClient(client Doer) Option {
	return func(g *Gateway) { g.client = client }
}

func WithAlarms(m *alarm.Manager) Option {
	return func(g *Gateway) { g.alarms = m }
}

func WithStats(s *stats.Stats) Option {
	return func(g *Gateway) { g.stats = s }
}

// New 创建网关，方言在激活时选定，之后不再改变
func New(ctx context.Context, cfg *pkg.Config, dialect ngsi.Dialect, devices registry.DeviceRegistry, opts ...Option) *Gateway {
	g := &Gateway{
		dialect:  dialect,
		baseURL:  cfg.ContextBroker.URL,
		timeout:  cfg.ContextBroker.Timeout,
		client:   http.DefaultClient,
		devices:  devices,
		provider: cfg.ProviderURL,
		regOpts: ngsi.RegistrationOptions{
			ProviderURL: cfg.ProviderURL,
			Duration:    cfg.DeviceRegistrationDuration,
			Throttling:  cfg.Throttling,
		},
		logger: pkg.LoggerFromContext(ctx).With(zap.String("module", "broker")),
	}
	if g.timeout <= 0 {
		g.timeout = pkg.DefaultBrokerTimeout
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dialect 当前激活的方言
func (g *Gateway) Dialect() ngsi.Dialect {
	return g.dialect
}

// brokerURL 设备配置了 cbHost 时优先使用，缺少协议头时补 http://
func (g *Gateway) brokerURL(device *model.Device) string {
	if device == nil || device.CbHost == "" {
		return g.baseURL
	}
	if strings.Contains(device.CbHost, "://") {
		return strings.TrimRight(device.CbHost, "/")
	}
	return "http://" + strings.TrimRight(device.CbHost, "/")
}

// send 发送一次请求。传输失败映射为 ConnectionError 并触发 ORION 告警，收到任何响应即释放告警
func (g *Gateway) send(ctx context.Context, op ngsi.Operation, device *model.Device, service, subservice string, r *ngsi.Request) (*ngsi.Response, error) {
	base := g.brokerURL(device)
	target := r.URL(base)

	var body io.Reader
	if r.Body != nil {
		payload, err := ngsi.Encode(r.Body)
		if err != nil {
			return nil, fmt.Errorf("序列化 %s 请求失败: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("构建 %s 请求失败: %w", op, err)
	}
	for k, vs := range g.dialect.Headers(service, subservice) {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Body != nil {
		contentType := r.ContentType
		if contentType == "" {
			contentType = ngsi.ContentTypeJSON
		}
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", ngsi.ContentTypeJSON)
	if g.dialect.Version() == pkg.NgsiLD {
		req.Header.Set("Accept", ngsi.ContentTypeJSONLD)
	}
	req.Header.Set(ngsi.HeaderCorrelator, CorrelatorFromContext(ctx))

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.stats.ObserveBroker(string(op), 0, time.Since(start))
		host := hostOf(base)
		g.logger.Error("Context Broker 传输失败",
			zap.String("operation", string(op)),
			zap.String("method", r.Method),
			zap.String("url", target),
			zap.Error(err))
		connErr := pkg.NewConnectionError(host, err)
		g.alarms.Raise(ctx, alarm.OrionAlarm, connErr.Message)
		return nil, connErr
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		g.stats.ObserveBroker(string(op), resp.StatusCode, time.Since(start))
		return nil, pkg.NewConnectionError(hostOf(base), err)
	}
	g.stats.ObserveBroker(string(op), resp.StatusCode, time.Since(start))
	g.alarms.Release(ctx, alarm.OrionAlarm)
	g.logger.Debug("Context Broker 响应",
		zap.String("operation", string(op)),
		zap.String("method", r.Method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode))
	return &ngsi.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

func hostOf(base string) string {
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		return u.Host
	}
	return base
}

// Update 发送实体更新，device 用于 cbHost 与租户信息
func (g *Gateway) Update(ctx context.Context, device *model.Device, entities []model.Entity, opts ngsi.UpdateOptions) error {
	if len(entities) == 0 {
		return nil
	}
	for i := range entities {
		if err := ngsi.ValidateTimestamp(&entities[i]); err != nil {
			return err
		}
	}
	r, err := g.dialect.BuildUpdate(entities, opts)
	if err != nil {
		return err
	}
	op := ngsi.OpUpdate
	if opts.Upsert {
		op = ngsi.OpUpsert
	}
	resp, err := g.send(ctx, op, device, device.Service, device.Subservice, r)
	if err != nil {
		return err
	}
	return g.dialect.CheckResponse(op, entities[0].Ref(), resp)
}

// Query 查询实体属性
func (g *Gateway) Query(ctx context.Context, device *model.Device, ref model.EntityRef, attrs []string) (model.Entity, error) {
	r, err := g.dialect.BuildQuery(ref, attrs)
	if err != nil {
		return model.Entity{}, err
	}
	resp, err := g.send(ctx, ngsi.OpQuery, device, device.Service, device.Subservice, r)
	if err != nil {
		return model.Entity{}, err
	}
	if err := g.dialect.CheckResponse(ngsi.OpQuery, ref, resp); err != nil {
		return model.Entity{}, err
	}
	return g.dialect.ParseQueryResponse(ref, resp.Body)
}

// Register 将 agent 注册为设备 lazy/commands 属性的 context provider，返回注册 id。
// 无需注册时返回原注册 id
func (g *Gateway) Register(ctx context.Context, device *model.Device) (string, error) {
	r, err := g.dialect.BuildRegistration(device, g.regOpts)
	if err != nil || r == nil {
		return device.RegistrationID, err
	}
	resp, err := g.send(ctx, ngsi.OpRegister, device, device.Service, device.Subservice, r)
	if err != nil {
		return "", err
	}
	ref := model.EntityRef{ID: device.Name, Type: device.Type}
	if err := g.dialect.CheckResponse(ngsi.OpRegister, ref, resp); err != nil {
		return "", err
	}
	id := g.dialect.RegistrationID(resp)
	g.logger.Debug("context provider 注册成功", zap.String("device", device.ID), zap.String("registrationId", id))
	return id, nil
}

// Unregister 取消 context provider 注册，设备未注册时不发请求
func (g *Gateway) Unregister(ctx context.Context, device *model.Device) error {
	r, err := g.dialect.BuildUnregistration(device, g.regOpts)
	if err != nil || r == nil {
		return err
	}
	resp, err := g.send(ctx, ngsi.OpUnregister, device, device.Service, device.Subservice, r)
	if err != nil {
		return err
	}
	return g.dialect.CheckResponse(ngsi.OpUnregister, model.EntityRef{ID: device.Name, Type: device.Type}, resp)
}

// Subscribe 订阅设备实体的变化。content 为 nil 时订阅 id 记录到设备上并持久化；
// 否则仅返回订阅 id
func (g *Gateway) Subscribe(ctx context.Context, device *model.Device, triggers, content []string) (string, error) {
	r, err := g.dialect.BuildSubscription(device, triggers, content, g.provider)
	if err != nil {
		return "", err
	}
	resp, err := g.send(ctx, ngsi.OpSubscribe, device, device.Service, device.Subservice, r)
	if err != nil {
		return "", err
	}
	if err := g.dialect.CheckResponse(ngsi.OpSubscribe, model.EntityRef{ID: device.Name, Type: device.Type}, resp); err != nil {
		return "", err
	}
	id := g.dialect.SubscriptionID(resp)
	if content != nil {
		return id, nil
	}
	device.AddSubscription(model.Subscription{ID: id, Triggers: triggers})
	if err := g.devices.Update(ctx, device); err != nil {
		return id, err
	}
	return id, nil
}

func (g *Gateway) unsubscribe(ctx context.Context, device *model.Device, id string) error {
	r, err := g.dialect.BuildUnsubscription(device, id)
	if err != nil {
		return err
	}
	resp, err := g.send(ctx, ngsi.OpUnsubscribe, device, device.Service, device.Subservice, r)
	if err != nil {
		return err
	}
	return g.dialect.CheckResponse(ngsi.OpUnsubscribe, model.EntityRef{ID: device.Name, Type: device.Type}, resp)
}

// Unsubscribe 取消订阅并从设备上删除记录
func (g *Gateway) Unsubscribe(ctx context.Context, device *model.Device, id string) error {
	if err := g.unsubscribe(ctx, device, id); err != nil {
		return err
	}
	device.RemoveSubscription(id)
	return g.devices.Update(ctx, device)
}

// UnsubscribeAll 取消设备的全部订阅，单个失败不中断，返回聚合错误。不更新注册表
func (g *Gateway) UnsubscribeAll(ctx context.Context, device *model.Device) error {
	var errs error
	for _, s := range device.Subscriptions {
		if err := g.unsubscribe(ctx, device, s.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("取消订阅 %s 失败: %w", s.ID, err))
		}
	}
	return errs
}

type correlatorKey struct{}

// WithCorrelator 在 context 上挂载 fiware-correlator，北向请求透传该值
func WithCorrelator(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlatorKey{}, id)
}

// CorrelatorFromContext 未设置时生成新的 uuid
func CorrelatorFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlatorKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
