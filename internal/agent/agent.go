package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"iotagent/internal/alarm"
	"iotagent/internal/broker"
	"iotagent/internal/command"
	"iotagent/internal/middleware"
	"iotagent/internal/model"
	"iotagent/internal/ngsi"
	"iotagent/internal/pkg"
	"iotagent/internal/provision"
	"iotagent/internal/registry"
	"iotagent/internal/stats"
)

// Agent 一次激活的运行上下文，持有注册表、方言、网关与命令队列。
// Deactivate 之后不可再使用
type Agent struct {
	cfg       *pkg.Config
	regs      *registry.Registries
	dialect   ngsi.Dialect
	gateway   *broker.Gateway
	provision *provision.Service
	queue     *command.Queue
	chains    *middleware.Chains
	cache     *middleware.LastValues
	alarms    *alarm.Manager
	stats     *stats.Stats
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers handlers

	closeOnce sync.Once
}

type options struct {
	client     broker.Doer
	registries *registry.Registries
	alarms     *alarm.Manager
	now        func() time.Time
}

type Option func(*options)

// WithHTTPClient 替换访问 Context Broker 的 HTTP 客户端
func WithHTTPClient(client broker.Doer) Option {
	return func(o *options) { o.client = client }
}

// WithRegistries 使用外部创建的注册表，Deactivate 时仍会关闭它们
func WithRegistries(r *registry.Registries) Option {
	return func(o *options) { o.registries = r }
}

// WithAlarmManager 使用外部创建的告警管理器
func WithAlarmManager(m *alarm.Manager) Option {
	return func(o *options) { o.alarms = m }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Activate 按配置创建 agent：选定方言、打开注册表、安装插件并启动命令过期守护
func Activate(ctx context.Context, cfg *pkg.Config, opts ...Option) (*Agent, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := pkg.LoggerFromContext(ctx).With(zap.String("module", "agent"))

	dialect, err := ngsi.New(cfg.ContextBroker.NgsiVersion, ngsi.Options{
		Autocast:      cfg.Autocast,
		JSONLdContext: cfg.ContextBroker.JSONLdContext,
	})
	if err != nil {
		return nil, err
	}

	st := stats.New()
	alarms := o.alarms
	if alarms == nil {
		if alarms, err = alarm.NewManager(ctx, &cfg.Alarms); err != nil {
			return nil, err
		}
	}
	alarms.OnChange(st.SetAlarm)

	regs := o.registries
	if regs == nil {
		regs, err = registry.New(ctx, &cfg.Registry)
		if err != nil {
			alarms.Raise(ctx, alarm.MongoAlarm, err.Error())
			return nil, fmt.Errorf("打开设备注册表失败: %w", err)
		}
	}

	gwOpts := []broker.Option{broker.WithAlarms(alarms), broker.WithStats(st)}
	if o.client != nil {
		gwOpts = append(gwOpts, broker.WithHTTPClient(o.client))
	}
	gateway := broker.New(ctx, cfg, dialect, regs.Devices, gwOpts...)

	a := &Agent{
		cfg:     cfg,
		regs:    regs,
		dialect: dialect,
		gateway: gateway,
		chains:  &middleware.Chains{},
		cache:   middleware.NewLastValues(),
		alarms:  alarms,
		stats:   st,
		now:     o.now,
		logger:  logger,
	}
	a.provision = provision.New(ctx, cfg, regs.Devices, regs.Groups, gateway, a.chains, provision.WithClock(o.now))

	err = middleware.Install(a.chains, cfg.Plugins, middleware.Deps{
		Cache:         a.cache,
		TimestampType: dialect.TimestampType(),
		Subscriber:    gateway,
		FindGroup: func(ctx context.Context, d *model.Device) *model.Group {
			g, err := a.provision.FindConfigurationGroup(ctx, d)
			if err != nil {
				return nil
			}
			return g
		},
	})
	if err != nil {
		regs.Close(ctx)
		return nil, err
	}

	a.queue = command.NewQueue(ctx, regs.Commands, regs.Devices, cfg.PollingExpiration, cfg.PollingDaemonFrequency,
		command.WithClock(o.now), command.WithReporter(command.ExpiryReporterFunc(a.reportExpired)))
	a.queue.Start(ctx)

	logger.Info("agent 已激活",
		zap.String("ngsiVersion", dialect.Version()),
		zap.String("contextBroker", cfg.ContextBroker.URL),
		zap.String("registry", cfg.Registry.Type),
		zap.Strings("plugins", cfg.Plugins))
	return a, nil
}

// Deactivate 停止命令守护、清空中间件、关闭注册表与告警发布
func (a *Agent) Deactivate(ctx context.Context) error {
	var errs error
	a.closeOnce.Do(func() {
		a.queue.Stop()
		a.chains.Reset()
		a.regs.Close(ctx)
		errs = multierr.Append(errs, a.alarms.Close())
		a.logger.Info("agent 已停止")
	})
	return errs
}

func (a *Agent) Config() *pkg.Config { return a.cfg }
func (a *Agent) Dialect() ngsi.Dialect { return a.dialect }
func (a *Agent) Gateway() *broker.Gateway { return a.gateway }
func (a *Agent) Provisioning() *provision.Service { return a.provision }
func (a *Agent) Stats() *stats.Stats { return a.stats }
func (a *Agent) Alarms() *alarm.Manager { return a.alarms }
func (a *Agent) Registries() *registry.Registries { return a.regs }

// dbError 注册表内部错误触发 MONGO 告警
func (a *Agent) dbError(ctx context.Context, err error) error {
	if errors.Is(err, pkg.ErrInternalDBError) {
		a.alarms.Raise(ctx, alarm.MongoAlarm, err.Error())
	}
	return err
}
