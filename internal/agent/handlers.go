package agent

import (
	"context"

	"iotagent/internal/middleware"
	"iotagent/internal/model"
)

// DataUpdateHandler 北向对 lazy/active 属性的更新请求
type DataUpdateHandler func(ctx context.Context, id, typ, service, subservice string, attrs []model.AttributeValue) error

// DataQueryHandler 北向对 lazy 属性的查询，返回设备当前的值
type DataQueryHandler func(ctx context.Context, id, typ, service, subservice string, attrs []string) (model.Entity, error)

// CommandHandler 推送模式设备收到的命令
type CommandHandler func(ctx context.Context, id, typ, service, subservice string, commands []model.AttributeValue) error

// NotificationHandler broker 订阅通知，values 已经过通知变换链
type NotificationHandler func(ctx context.Context, device *model.Device, values []model.AttributeValue) error

// ProvisioningHandler 经 HTTP 开通设备前调用，可修改设备
type ProvisioningHandler func(ctx context.Context, device model.Device) (model.Device, error)

// ConfigurationHandler 经 HTTP 创建或更新配置组时调用
type ConfigurationHandler func(ctx context.Context, group model.Group) error

type handlers struct {
	update        DataUpdateHandler
	query         DataQueryHandler
	command       CommandHandler
	notification  NotificationHandler
	provisioning  ProvisioningHandler
	configuration ConfigurationHandler
}

func (a *Agent) SetDataUpdateHandler(h DataUpdateHandler) {
	a.mu.Lock()
	a.handlers.update = h
	a.mu.Unlock()
}

func (a *Agent) SetDataQueryHandler(h DataQueryHandler) {
	a.mu.Lock()
	a.handlers.query = h
	a.mu.Unlock()
}

func (a *Agent) SetCommandHandler(h CommandHandler) {
	a.mu.Lock()
	a.handlers.command = h
	a.mu.Unlock()
}

func (a *Agent) SetNotificationHandler(h NotificationHandler) {
	a.mu.Lock()
	a.handlers.notification = h
	a.mu.Unlock()
}

func (a *Agent) SetProvisioningHandler(h ProvisioningHandler) {
	a.mu.Lock()
	a.handlers.provisioning = h
	a.mu.Unlock()
}

func (a *Agent) SetConfigurationHandler(h ConfigurationHandler) {
	a.mu.Lock()
	a.handlers.configuration = h
	a.mu.Unlock()
}

func (a *Agent) current() handlers {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handlers
}

// 中间件追加在已安装的插件之后

func (a *Agent) AddUpdateMiddleware(fn middleware.Func[middleware.EntityEnvelope]) {
	a.chains.Update.Use(fn)
}

func (a *Agent) AddQueryMiddleware(fn middleware.Func[middleware.EntityEnvelope]) {
	a.chains.Query.Use(fn)
}

func (a *Agent) AddNotificationMiddleware(fn middleware.Func[middleware.NotificationEnvelope]) {
	a.chains.Notification.Use(fn)
}

func (a *Agent) AddDeviceProvisionMiddleware(fn middleware.Func[model.Device]) {
	a.chains.DeviceProvision.Use(fn)
}

func (a *Agent) AddConfigurationProvisionMiddleware(fn middleware.Func[model.Group]) {
	a.chains.ConfigurationProvision.Use(fn)
}

// ResetMiddlewares 清空全部变换链，包括按配置安装的插件
func (a *Agent) ResetMiddlewares() {
	a.chains.Reset()
}
