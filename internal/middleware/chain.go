package middleware

import (
	"context"
	"sync"

	"iotagent/internal/model"
)

// Func 一个变换步骤，返回错误时链路立即中止
type Func[T any] func(ctx context.Context, in T) (T, error)

// Chain 按注册顺序左折叠执行的变换链
type Chain[T any] struct {
	mu  sync.RWMutex
	fns []Func[T]
}

// Use 追加变换
func (c *Chain[T]) Use(fns ...Func[T]) {
	c.mu.Lock()
	c.fns = append(c.fns, fns...)
	c.mu.Unlock()
}

// Run 依次执行全部变换。第一个错误原样返回给调用方
func (c *Chain[T]) Run(ctx context.Context, in T) (T, error) {
	c.mu.RLock()
	fns := make([]Func[T], len(c.fns))
	copy(fns, c.fns)
	c.mu.RUnlock()

	out := in
	for _, fn := range fns {
		next, err := fn(ctx, out)
		if err != nil {
			var zero T
			return zero, err
		}
		out = next
	}
	return out, nil
}

// Reset 清空变换链
func (c *Chain[T]) Reset() {
	c.mu.Lock()
	c.fns = nil
	c.mu.Unlock()
}

func (c *Chain[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.fns)
}

// EntityEnvelope 更新/查询链的输入：实体与设备的有效配置
type EntityEnvelope struct {
	Entity model.Entity
	// TypeInfo 设备与配置组合并后的有效配置
	TypeInfo *model.Device
}

// NotificationEnvelope 通知链的输入
type NotificationEnvelope struct {
	Device *model.Device
	Values []model.AttributeValue
}

// Chains agent 持有的五条变换链
type Chains struct {
	Update                 Chain[EntityEnvelope]
	Query                  Chain[EntityEnvelope]
	Notification           Chain[NotificationEnvelope]
	DeviceProvision        Chain[model.Device]
	ConfigurationProvision Chain[model.Group]
}

// Reset 清空所有链
func (c *Chains) Reset() {
	c.Update.Reset()
	c.Query.Reset()
	c.Notification.Reset()
	c.DeviceProvision.Reset()
	c.ConfigurationProvision.Reset()
}
