package middleware

import (
	"fmt"
	"sort"
	"sync"

	"iotagent/internal/pkg"
)

// Deps 内置变换所需的协作者
type Deps struct {
	Cache         *LastValues
	TimestampType string
	Subscriber    Subscriber
	FindGroup     GroupFinder
}

// Factory 将一个内置变换安装到对应的链上
type Factory func(chains *Chains, deps Deps) error

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

const (
	PluginExpression        = "expressionTransformation"
	PluginAttributeAlias    = "attributeAlias"
	PluginTimestampProcess  = "timestampProcess"
	PluginCompressTimestamp = "compressTimestamp"
	PluginBidirectional     = "bidirectionalData"
)

func init() {
	Register(PluginExpression, func(c *Chains, d Deps) error {
		c.Update.Use(ExpressionTransform(d.Cache))
		return nil
	})
	Register(PluginAttributeAlias, func(c *Chains, _ Deps) error {
		c.Update.Use(AliasUpdate)
		c.Query.Use(AliasQuery)
		return nil
	})
	Register(PluginTimestampProcess, func(c *Chains, d Deps) error {
		c.Update.Use(TimestampProcess(d.TimestampType))
		return nil
	})
	Register(PluginCompressTimestamp, func(c *Chains, _ Deps) error {
		c.Update.Use(CompressTimestampUpdate)
		c.Query.Use(CompressTimestampQuery)
		return nil
	})
	Register(PluginBidirectional, func(c *Chains, d Deps) error {
		if d.Subscriber == nil {
			return pkg.NewBadConfiguration("bidirectionalData requires a subscriber")
		}
		b := NewBidirectional(d.Subscriber, d.FindGroup)
		c.DeviceProvision.Use(b.DeviceProvision())
		c.ConfigurationProvision.Use(b.GroupProvision())
		c.Notification.Use(b.Notification())
		return nil
	})
}

// Register 注册一个可按名称启用的变换
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	factories[name] = factory
	factoriesMu.Unlock()
}

// Registered 已注册的变换名称
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install 按配置顺序安装变换，未知名称返回 BadConfiguration
func Install(chains *Chains, names []string, deps Deps) error {
	for _, name := range names {
		factoriesMu.RLock()
		factory, ok := factories[name]
		factoriesMu.RUnlock()
		if !ok {
			return pkg.NewBadConfiguration(fmt.Sprintf("unknown plugin %q", name))
		}
		if err := factory(chains, deps); err != nil {
			return fmt.Errorf("安装插件 %s 失败: %w", name, err)
		}
	}
	return nil
}
