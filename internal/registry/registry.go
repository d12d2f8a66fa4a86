package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// DeviceRegistry 设备存储。service 按大小写不敏感匹配，空字符串表示不过滤
type DeviceRegistry interface {
	Create(ctx context.Context, device *model.Device) error
	Get(ctx context.Context, id, service, subservice string) (*model.Device, error)
	GetByName(ctx context.Context, name, service, subservice string) (*model.Device, error)
	Update(ctx context.Context, device *model.Device) error
	Remove(ctx context.Context, id, service, subservice string) error
	List(ctx context.Context, service, subservice string, limit, offset int) (*model.DeviceList, error)
	// FindByAttribute 按设备字段 (apikey, internalId, name, type ...) 精确匹配
	FindByAttribute(ctx context.Context, field, value, service, subservice string) ([]model.Device, error)
	Clear(ctx context.Context) error
}

// GroupRegistry 配置组存储，(resource, apikey) 全局唯一
type GroupRegistry interface {
	Create(ctx context.Context, group *model.Group) error
	Get(ctx context.Context, resource, apikey string) (*model.Group, error)
	GetByID(ctx context.Context, id string) (*model.Group, error)
	Update(ctx context.Context, id string, group *model.Group) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, service string, limit, offset int) (*model.GroupList, error)
	Find(ctx context.Context, service, subservice string) (*model.Group, error)
	FindBy(ctx context.Context, fields, values []string) (*model.Group, error)
	FindType(ctx context.Context, service, subservice, typ string) (*model.Group, error)
	Clear(ctx context.Context) error
}

// CommandRegistry 命令队列存储，(service, subservice, deviceId, name) 唯一
type CommandRegistry interface {
	// Add 已存在同名命令时覆盖其值与过期时间
	Add(ctx context.Context, command *model.Command) (*model.Command, error)
	List(ctx context.Context, service, subservice, deviceID string) (*model.CommandList, error)
	Remove(ctx context.Context, service, subservice, deviceID, name string) (*model.Command, error)
	// RemoveExpired 删除 expirationDate 不晚于 now 的命令并返回它们
	RemoveExpired(ctx context.Context, now time.Time) ([]model.Command, error)
	Clear(ctx context.Context) error
}

var (
	_ DeviceRegistry  = (*MemoryDeviceRegistry)(nil)
	_ GroupRegistry   = (*MemoryGroupRegistry)(nil)
	_ CommandRegistry = (*MemoryCommandRegistry)(nil)
	_ DeviceRegistry  = (*MongoDeviceRegistry)(nil)
	_ GroupRegistry   = (*MongoGroupRegistry)(nil)
	_ CommandRegistry = (*MongoCommandRegistry)(nil)
)

// Registries 一次激活使用的注册表
type Registries struct {
	Devices  DeviceRegistry
	Groups   GroupRegistry
	Commands CommandRegistry

	store *MongoStore
}

// New 按配置创建注册表
func New(ctx context.Context, cfg *pkg.RegistryConfig) (*Registries, error) {
	logger := pkg.LoggerFromContext(ctx)
	switch cfg.Type {
	case pkg.RegistryMemory, "":
		logger.Info("使用内存注册表")
		return &Registries{
			Devices:  NewMemoryDeviceRegistry(),
			Groups:   NewMemoryGroupRegistry(),
			Commands: NewMemoryCommandRegistry(),
		}, nil
	case pkg.RegistryMongoDB:
		store, err := NewMongoStore(ctx, &cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			store.Close(ctx)
			return nil, err
		}
		logger.Info("使用 MongoDB 注册表", zap.String("database", cfg.MongoDB.Database))
		return &Registries{
			Devices:  store.Devices(),
			Groups:   store.Groups(),
			Commands: store.Commands(),
			store:    store,
		}, nil
	}
	return nil, pkg.NewBadConfiguration(fmt.Sprintf("unknown deviceRegistry type %q", cfg.Type))
}

// Close 释放后端连接
func (r *Registries) Close(ctx context.Context) {
	if r.store != nil {
		r.store.Close(ctx)
	}
}

// paginate 对已排序的结果做 offset/limit 截取；limit <= 0 表示不限制
func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
