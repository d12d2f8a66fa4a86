package alarm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"iotagent/internal/pkg"
)

const (
	MongoAlarm = "MONGO-ALARM"
	OrionAlarm = "ORION-ALARM"
)

// Alarm 当前处于触发状态的告警
type Alarm struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Since       time.Time `json:"since"`
}

// Event 告警状态变化，发布到外部系统
type Event struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Raised      bool      `json:"raised"`
	Time        time.Time `json:"time"`
}

// Publisher 告警事件的外部发布者
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Manager 告警仓库。同名告警重复触发只记录一次，释放未触发的告警无效果
type Manager struct {
	mu        sync.Mutex
	active    map[string]Alarm
	publisher Publisher
	observer  func(name string, active bool)
	logger    *zap.Logger
}

// NewManager 按配置创建告警管理器，type 为空或 log 时只写日志
func NewManager(ctx context.Context, cfg *pkg.AlarmConfig) (*Manager, error) {
	m := &Manager{
		active: make(map[string]Alarm),
		logger: pkg.LoggerFromContext(ctx).With(zap.String("module", "alarm")),
	}
	if cfg == nil {
		return m, nil
	}
	switch cfg.Type {
	case "", "log":
	case "kafka":
		publisher, err := NewKafkaPublisher(ctx, cfg.Config)
		if err != nil {
			return nil, err
		}
		m.publisher = publisher
	default:
		return nil, pkg.NewBadConfiguration(fmt.Sprintf("unsupported alarms.type %q", cfg.Type))
	}
	return m, nil
}

// NewManagerWithPublisher 使用指定发布者，主要用于测试
func NewManagerWithPublisher(ctx context.Context, publisher Publisher) *Manager {
	return &Manager{
		active:    make(map[string]Alarm),
		publisher: publisher,
		logger:    pkg.LoggerFromContext(ctx).With(zap.String("module", "alarm")),
	}
}

// OnChange 注册状态变化回调，用于同步 prometheus 指标
func (m *Manager) OnChange(fn func(name string, active bool)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Raise 触发告警
func (m *Manager) Raise(ctx context.Context, name, description string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.active[name]; ok {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.active[name] = Alarm{Name: name, Description: description, Since: now}
	observer := m.observer
	m.mu.Unlock()

	m.logger.Error("触发告警", zap.String("alarm", name), zap.String("description", description))
	if observer != nil {
		observer(name, true)
	}
	m.publish(ctx, Event{Name: name, Description: description, Raised: true, Time: now})
}

// Release 释放告警
func (m *Manager) Release(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.active[name]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, name)
	observer := m.observer
	m.mu.Unlock()

	m.logger.Info("释放告警", zap.String("alarm", name))
	if observer != nil {
		observer(name, false)
	}
	m.publish(ctx, Event{Name: name, Raised: false, Time: time.Now()})
}

// Intercept err 非空时触发告警，否则释放；原样返回 err
func (m *Manager) Intercept(ctx context.Context, name string, err error) error {
	if err != nil {
		m.Raise(ctx, name, err.Error())
	} else {
		m.Release(ctx, name)
	}
	return err
}

// List 按名称排序返回当前告警
func (m *Manager) List() []Alarm {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alarm, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clean 清空全部告警，不发布事件
func (m *Manager) Clean() {
	m.mu.Lock()
	m.active = make(map[string]Alarm)
	m.mu.Unlock()
}

// Close 关闭发布者
func (m *Manager) Close() error {
	if m == nil || m.publisher == nil {
		return nil
	}
	return m.publisher.Close()
}

func (m *Manager) publish(ctx context.Context, event Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("发布告警事件失败", zap.String("alarm", event.Name), zap.Error(err))
	}
}
