package provision

import (
	"context"
	"time"

	"go.uber.org/zap"

	"iotagent/internal/middleware"
	"iotagent/internal/model"
	"iotagent/internal/ngsi"
	"iotagent/internal/pkg"
	"iotagent/internal/registry"
)

// Broker 开通流程用到的 Context Broker 操作，由 broker.Gateway 实现
type Broker interface {
	Dialect() ngsi.Dialect
	Update(ctx context.Context, device *model.Device, entities []model.Entity, opts ngsi.UpdateOptions) error
	Register(ctx context.Context, device *model.Device) (string, error)
	Unregister(ctx context.Context, device *model.Device) error
	UnsubscribeAll(ctx context.Context, device *model.Device) error
}

// Service 设备与配置组的开通服务
type Service struct {
	cfg     *pkg.Config
	devices registry.DeviceRegistry
	groups  registry.GroupRegistry
	broker  Broker
	chains  *middleware.Chains
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Service)

// WithClock 替换时间源，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(ctx context.Context, cfg *pkg.Config, devices registry.DeviceRegistry, groups registry.GroupRegistry, broker Broker, chains *middleware.Chains, opts ...Option) *Service {
	if chains == nil {
		chains = &middleware.Chains{}
	}
	s := &Service{
		cfg:     cfg,
		devices: devices,
		groups:  groups,
		broker:  broker,
		chains:  chains,
		now:     time.Now,
		logger:  pkg.LoggerFromContext(ctx).With(zap.String("module", "provision")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) isLD() bool {
	return s.broker.Dialect().Version() == pkg.NgsiLD
}

// timestampEnabled 设备未设置时使用全局配置
func (s *Service) timestampEnabled(device *model.Device) bool {
	return model.Bool(device.Timestamp, s.cfg.Timestamp)
}
