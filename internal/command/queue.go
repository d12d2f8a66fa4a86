package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
	"iotagent/internal/registry"
)

// ErrSweepInProgress 上一次过期清理尚未结束
var ErrSweepInProgress = errors.New("command sweep already in progress")

// ExpiryReporter 将过期命令的结果 (ERROR / EXPIRED) 回写到 Context Broker
type ExpiryReporter interface {
	ReportExpired(ctx context.Context, device *model.Device, cmd model.Command) error
}

// ExpiryReporterFunc 函数形式的 ExpiryReporter
type ExpiryReporterFunc func(ctx context.Context, device *model.Device, cmd model.Command) error

func (f ExpiryReporterFunc) ReportExpired(ctx context.Context, device *model.Device, cmd model.Command) error {
	return f(ctx, device, cmd)
}

// Queue 轮询设备的命令队列，按 (service, subservice, deviceId, name) 覆盖写入
type Queue struct {
	commands   registry.CommandRegistry
	devices    registry.DeviceRegistry
	expiration time.Duration
	frequency  time.Duration
	reporter   ExpiryReporter
	now        func() time.Time
	logger     *zap.Logger

	sweeping atomic.Bool
	inflight sync.WaitGroup
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option Queue 可选参数
type Option func(*Queue)

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithReporter 设置过期命令的上报方式
func WithReporter(r ExpiryReporter) Option {
	return func(q *Queue) { q.reporter = r }
}

// NewQueue 创建命令队列，expiration / frequency 非正数时使用默认值
func NewQueue(ctx context.Context, commands registry.CommandRegistry, devices registry.DeviceRegistry,
	expiration, frequency time.Duration, opts ...Option) *Queue {
	if expiration <= 0 {
		expiration = pkg.DefaultPollingExpiration
	}
	if frequency <= 0 {
		frequency = pkg.DefaultPollingFrequency
	}
	q := &Queue{
		commands:   commands,
		devices:    devices,
		expiration: expiration,
		frequency:  frequency,
		now:        time.Now,
		logger:     pkg.LoggerFromContext(ctx).With(zap.String("module", "command")),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetReporter 激活后由 agent 注入上报实现
func (q *Queue) SetReporter(r ExpiryReporter) {
	q.mu.Lock()
	q.reporter = r
	q.mu.Unlock()
}

// Add 入队命令。同名命令已存在时覆盖 value 并重置过期时间
func (q *Queue) Add(ctx context.Context, service, subservice, deviceID string, attr model.AttributeValue) (*model.Command, error) {
	now := q.now()
	cmd := &model.Command{
		DeviceID:       deviceID,
		Service:        service,
		Subservice:     subservice,
		Name:           attr.Name,
		Type:           attr.Type,
		Value:          attr.Value,
		Status:         model.CommandStatusPending,
		CreationDate:   now,
		ExpirationDate: now.Add(q.expiration),
	}
	stored, err := q.commands.Add(ctx, cmd)
	if err != nil {
		return nil, err
	}
	q.logger.Debug("命令入队",
		zap.String("service", service),
		zap.String("subservice", subservice),
		zap.String("deviceId", deviceID),
		zap.String("command", attr.Name),
		zap.Time("expirationDate", stored.ExpirationDate))
	return stored, nil
}

// List 返回设备的命令队列
func (q *Queue) List(ctx context.Context, service, subservice, deviceID string) (*model.CommandList, error) {
	return q.commands.List(ctx, service, subservice, deviceID)
}

// Remove 删除设备的一条命令
func (q *Queue) Remove(ctx context.Context, service, subservice, deviceID, name string) (*model.Command, error) {
	return q.commands.Remove(ctx, service, subservice, deviceID, name)
}

// Sweep 删除所有已过期的命令，轮询设备的过期命令通过 reporter 上报为 ERROR。
// 上报失败只记录日志，不影响删除。与自身不可重入，重入时返回 ErrSweepInProgress
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	if !q.sweeping.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer q.sweeping.Store(false)

	expired, err := q.commands.RemoveExpired(ctx, q.now())
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	reporter := q.reporter
	q.mu.Unlock()

	for _, cmd := range expired {
		log := q.logger.With(
			zap.String("service", cmd.Service),
			zap.String("subservice", cmd.Subservice),
			zap.String("deviceId", cmd.DeviceID),
			zap.String("command", cmd.Name))
		log.Info("命令已过期")
		if reporter == nil {
			continue
		}
		device, err := q.devices.Get(ctx, cmd.DeviceID, cmd.Service, cmd.Subservice)
		if err != nil {
			log.Warn("过期命令对应的设备不存在", zap.Error(err))
			continue
		}
		if !device.IsPolling() {
			continue
		}
		if err := reporter.ReportExpired(ctx, device, cmd); err != nil {
			log.Error("上报过期命令失败", zap.Error(err))
		}
	}
	return len(expired), nil
}

// Start 启动过期清理守护协程，重复调用无效
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.run(ctx, q.done)
	q.logger.Info("命令过期清理已启动", zap.Duration("frequency", q.frequency), zap.Duration("expiration", q.expiration))
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 每轮清理在独立协程中执行，上一轮未结束时本轮被跳过
			q.inflight.Add(1)
			go func() {
				defer q.inflight.Done()
				n, err := q.Sweep(ctx)
				switch {
				case errors.Is(err, ErrSweepInProgress):
					q.logger.Debug("上一轮命令清理仍在进行，跳过")
				case err != nil:
					q.logger.Error("命令过期清理失败", zap.Error(err))
				case n > 0:
					q.logger.Debug("命令过期清理完成", zap.Int("removed", n))
				}
			}()
		}
	}
}

// Stop 停止守护协程并等待进行中的清理结束
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	q.inflight.Wait()
}
